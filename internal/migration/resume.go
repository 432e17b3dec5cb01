package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dialer-platform/internal/bindings"
	"dialer-platform/internal/metrics"
	"dialer-platform/internal/telephony"
)

// ResumeInterrupted reconciles attempts left unfinished by a crash. Only
// attempts older than staleAfter are touched so a migration still running on
// another instance is left alone.
//
// A resource whose target was created (new external id journaled) is driven
// to completion: source cleanup is retried and the binding repointed. A
// resource that crashed inside CREATING_TARGET without a recorded id is
// marked failed; its target, if any, needs manual cleanup. Every resumed
// attempt is finalized as partial.
func (e *Engine) ResumeInterrupted(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	pending, err := e.journal.ListUnfinished(ctx, e.clock().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list unfinished migrations: %w", err)
	}
	resumed := 0
	for _, a := range pending {
		if err := e.resumeAttempt(ctx, a); err != nil {
			e.log.Error("resume migration failed", "attempt_id", a.ID, "err", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (e *Engine) resumeAttempt(ctx context.Context, a Attempt) error {
	log := e.log.With("attempt_id", a.ID, "user_id", a.UserID, "from", a.FromCredentialID, "to", a.ToCredentialID)
	from, err := e.creds.Get(ctx, a.FromCredentialID)
	if err != nil {
		return err
	}
	to, err := e.creds.Get(ctx, a.ToCredentialID)
	if err != nil {
		return err
	}
	src, err := e.clients.Client(from.Provider, from.APIKey)
	if err != nil {
		return err
	}
	r := &run{e: e, attemptID: a.ID, userID: a.UserID, from: from, to: to, src: src, log: log, newAgentIDs: map[string]string{}}

	var problems []error
	for _, s := range a.Steps {
		switch s.State {
		case StateDone, StateFailed, StateRequested, StateFetchingSource:
			continue
		}
		rr := ResourceResult{Kind: s.Kind, LocalID: s.LocalID, OldExternalID: s.OldExternalID, NewExternalID: s.NewExternalID, State: s.State}
		if s.NewExternalID == "" {
			rr.Error = "interrupted while creating target; target state unknown"
			r.record(ctx, &rr, StateFailed)
			problems = append(problems, fmt.Errorf("%s %s: %s", s.Kind, s.LocalID, rr.Error))
			continue
		}
		if err := r.finishResource(ctx, &rr); err != nil {
			problems = append(problems, err)
			continue
		}
		log.Info("resumed migration step", "kind", s.Kind, "local_id", s.LocalID, "new_external_id", s.NewExternalID)
	}

	msg := "interrupted; resumed at startup"
	if err := errors.Join(problems...); err != nil {
		msg += ": " + err.Error()
	}
	if err := e.journal.Finish(ctx, a.ID, AttemptPartial, msg, e.clock().UTC()); err != nil && !errors.Is(err, ErrAttemptFinal) {
		return err
	}
	metrics.Migrations.WithLabelValues("resumed").Inc()
	return nil
}

// finishResource runs the source cleanup and repoint for a resource whose
// target already exists.
func (r *run) finishResource(ctx context.Context, rr *ResourceResult) error {
	b, err := r.e.bindings.Get(ctx, rr.Kind, rr.LocalID)
	if err != nil {
		rr.Error = err.Error()
		r.record(ctx, rr, StateFailed)
		return err
	}
	if b.CredentialID == r.to.ID && b.ExternalID == rr.NewExternalID {
		r.record(ctx, rr, StateDone)
		return nil
	}

	r.record(ctx, rr, StateDeletingSource)
	err = r.call(ctx, func(ctx context.Context) error {
		if rr.Kind == bindings.KindAgent {
			return r.src.DeleteAgent(ctx, rr.OldExternalID)
		}
		return r.src.ReleaseNumber(ctx, rr.OldExternalID)
	})
	if err != nil && !telephony.IsNotFound(err) {
		return r.fail(ctx, rr, r.from.Provider, err)
	}

	r.record(ctx, rr, StateRepointingLocal)
	if err := r.e.bindings.Repoint(ctx, rr.Kind, rr.LocalID, r.from.ID, r.to.ID, rr.NewExternalID); err != nil {
		return r.fail(ctx, rr, "", err)
	}
	if rr.Kind == bindings.KindAgent {
		r.e.adjust(ctx, r.log, r.from.ID, -1, 0)
		r.e.adjust(ctx, r.log, r.to.ID, 1, 0)
	}
	r.record(ctx, rr, StateDone)
	return nil
}

package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dialer-platform/internal/bindings"
	"dialer-platform/internal/classifier"
	"dialer-platform/internal/metrics"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/telephony"
)

// run carries the state of one attempt across its resources.
type run struct {
	e         *Engine
	attemptID string
	userID    string
	from, to  pool.Credential
	src, dst  telephony.Client
	log       *slog.Logger

	// local agent id -> external id under the target
	newAgentIDs map[string]string
}

func (r *run) record(ctx context.Context, rr *ResourceResult, state State) {
	rr.State = state
	err := r.e.journal.RecordStep(context.WithoutCancel(ctx), r.attemptID, StepRecord{
		Kind:          rr.Kind,
		LocalID:       rr.LocalID,
		OldExternalID: rr.OldExternalID,
		NewExternalID: rr.NewExternalID,
		State:         state,
		Error:         rr.Error,
		UpdatedAt:     r.e.clock().UTC(),
	})
	if err != nil {
		r.log.Error("journal step failed", "kind", rr.Kind, "local_id", rr.LocalID, "state", state, "err", err)
	}
}

// fail marks rr failed at its current step and returns the wrapped cause.
func (r *run) fail(ctx context.Context, rr *ResourceResult, provider string, err error) error {
	step := rr.State
	cls := classifier.Classify(err)
	rr.Cause = &cls
	rr.Error = fmt.Sprintf("%s: %v", step, err)
	if provider != "" && cls.Kind != classifier.KindNone {
		metrics.ProviderErrors.WithLabelValues(provider, string(cls.Kind)).Inc()
	}
	r.record(ctx, rr, StateFailed)
	return fmt.Errorf("%s %s at %s: %w", rr.Kind, rr.LocalID, step, err)
}

// call bounds one provider call by the provider timeout.
func (r *run) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.e.timeout)
	defer cancel()
	return fn(ctx)
}

func (r *run) migrateAgent(ctx context.Context, b bindings.Binding) (rr ResourceResult, err error) {
	start := r.e.clock()
	rr = ResourceResult{Kind: bindings.KindAgent, LocalID: b.LocalID, Name: b.Name, OldExternalID: b.ExternalID}
	defer func() { observe(bindings.KindAgent, start, r.e.clock(), err) }()

	r.record(ctx, &rr, StateFetchingSource)
	var remote telephony.Agent
	if err := r.call(ctx, func(ctx context.Context) (err error) {
		remote, err = r.src.GetAgent(ctx, b.ExternalID)
		return err
	}); err != nil {
		return rr, r.fail(ctx, &rr, r.from.Provider, err)
	}

	r.record(ctx, &rr, StateCreatingTarget)
	var created telephony.Agent
	if err := r.call(ctx, func(ctx context.Context) (err error) {
		created, err = r.dst.CreateAgent(ctx, remote.AsConfig())
		return err
	}); err != nil {
		return rr, r.fail(ctx, &rr, r.to.Provider, err)
	}
	rr.NewExternalID = created.ID
	// The target exists now: the rest runs to completion regardless of the caller.
	ctx = context.WithoutCancel(ctx)

	r.record(ctx, &rr, StateDeletingSource)
	if err := r.call(ctx, func(ctx context.Context) error {
		return r.src.DeleteAgent(ctx, b.ExternalID)
	}); err != nil && !telephony.IsNotFound(err) {
		// The source agent is still live and bound; drop the copy.
		r.discardTargetAgent(ctx, &rr)
		return rr, r.fail(ctx, &rr, r.from.Provider, err)
	}

	r.record(ctx, &rr, StateRepointingLocal)
	if err := r.e.bindings.Repoint(ctx, bindings.KindAgent, b.LocalID, r.from.ID, r.to.ID, created.ID); err != nil {
		r.orphaned(&rr, err)
		return rr, r.fail(ctx, &rr, "", err)
	}
	r.newAgentIDs[b.LocalID] = created.ID
	r.e.adjust(ctx, r.log, r.from.ID, -1, 0)
	r.e.adjust(ctx, r.log, r.to.ID, 1, 0)

	r.record(ctx, &rr, StateDone)
	return rr, nil
}

func (r *run) migratePhone(ctx context.Context, b bindings.Binding) (rr ResourceResult, err error) {
	start := r.e.clock()
	rr = ResourceResult{Kind: bindings.KindPhone, LocalID: b.LocalID, Name: b.Number, OldExternalID: b.ExternalID}
	defer func() { observe(bindings.KindPhone, start, r.e.clock(), err) }()

	r.record(ctx, &rr, StateFetchingSource)
	var remote telephony.PhoneNumber
	if err := r.call(ctx, func(ctx context.Context) (err error) {
		remote, err = r.src.GetNumber(ctx, b.ExternalID)
		return err
	}); err != nil {
		return rr, r.fail(ctx, &rr, r.from.Provider, err)
	}

	agentExt, err := r.linkedAgent(ctx, b.LinkedAgentID)
	if err != nil {
		return rr, r.fail(ctx, &rr, "", err)
	}

	r.record(ctx, &rr, StateCreatingTarget)
	// Detach from the source first; most engines refuse to import a number
	// that still routes elsewhere.
	if err := r.call(ctx, func(ctx context.Context) error {
		return r.src.ClearWebhook(ctx, b.ExternalID)
	}); err != nil {
		return rr, r.fail(ctx, &rr, r.from.Provider, err)
	}
	var imported telephony.PhoneNumber
	if err := r.call(ctx, func(ctx context.Context) (err error) {
		imported, err = r.dst.ImportNumber(ctx, telephony.ImportNumberRequest{Number: b.Number, Label: b.Label, AgentID: agentExt})
		return err
	}); err != nil {
		r.restoreSourceWebhook(ctx, b, remote)
		return rr, r.fail(ctx, &rr, r.to.Provider, err)
	}
	rr.NewExternalID = imported.ID
	ctx = context.WithoutCancel(ctx)

	if hook := r.e.webhookFor(r.userID, r.to.ID); hook != "" {
		if err := r.call(ctx, func(ctx context.Context) error {
			return r.dst.ConfigureWebhook(ctx, imported.ID, telephony.WebhookConfig{URL: hook, AgentID: agentExt})
		}); err != nil {
			r.orphaned(&rr, err)
			return rr, r.fail(ctx, &rr, r.to.Provider, err)
		}
	}

	r.record(ctx, &rr, StateDeletingSource)
	if err := r.call(ctx, func(ctx context.Context) error {
		return r.src.ReleaseNumber(ctx, b.ExternalID)
	}); err != nil && !telephony.IsNotFound(err) {
		r.orphaned(&rr, err)
		return rr, r.fail(ctx, &rr, r.from.Provider, err)
	}

	r.record(ctx, &rr, StateRepointingLocal)
	if err := r.e.bindings.Repoint(ctx, bindings.KindPhone, b.LocalID, r.from.ID, r.to.ID, imported.ID); err != nil {
		r.orphaned(&rr, err)
		return rr, r.fail(ctx, &rr, "", err)
	}

	r.record(ctx, &rr, StateDone)
	return rr, nil
}

// linkedAgent resolves the external id, under the target, of the agent a
// number routes to. "" when the number has no agent or the agent is not on
// the target.
func (r *run) linkedAgent(ctx context.Context, localAgentID string) (string, error) {
	if localAgentID == "" {
		return "", nil
	}
	if ext, ok := r.newAgentIDs[localAgentID]; ok {
		return ext, nil
	}
	ab, err := r.e.bindings.Get(ctx, bindings.KindAgent, localAgentID)
	if errors.Is(err, bindings.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if ab.CredentialID != r.to.ID {
		r.log.Warn("linked agent not on target credential", "agent_id", localAgentID, "credential_id", ab.CredentialID)
		return "", nil
	}
	return ab.ExternalID, nil
}

// discardTargetAgent deletes an agent created under the target when the
// resource cannot be completed. A failed delete leaves it orphaned.
func (r *run) discardTargetAgent(ctx context.Context, rr *ResourceResult) {
	err := r.call(ctx, func(ctx context.Context) error {
		return r.dst.DeleteAgent(ctx, rr.NewExternalID)
	})
	if err != nil && !telephony.IsNotFound(err) {
		r.orphaned(rr, err)
		return
	}
	r.log.Info("target agent discarded", "local_id", rr.LocalID, "new_external_id", rr.NewExternalID)
	rr.NewExternalID = ""
}

// orphaned flags a target resource that outlives its failed step. The
// failed journal step keeps NewExternalID for cleanup.
func (r *run) orphaned(rr *ResourceResult, cause error) {
	rr.OrphanedTarget = true
	metrics.OrphanedTargets.WithLabelValues(string(rr.Kind)).Inc()
	r.log.Error("target resource orphaned",
		"kind", rr.Kind,
		"local_id", rr.LocalID,
		"new_external_id", rr.NewExternalID,
		"target_credential_id", r.to.ID,
		"err", cause,
	)
}

func (r *run) restoreSourceWebhook(ctx context.Context, b bindings.Binding, remote telephony.PhoneNumber) {
	if remote.WebhookURL == "" {
		return
	}
	err := r.call(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return r.src.ConfigureWebhook(ctx, b.ExternalID, telephony.WebhookConfig{URL: remote.WebhookURL, AgentID: remote.AgentID})
	})
	if err != nil {
		r.log.Error("restore source webhook failed", "phone_id", b.LocalID, "err", err)
	}
}

func observe(kind bindings.Kind, start, end time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.MigrationResourceDuration.WithLabelValues(string(kind), result).Observe(end.Sub(start).Seconds())
}

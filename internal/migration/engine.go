// Package migration moves a user's provider resources from one credential
// to another, one resource at a time, recording every step durably.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"dialer-platform/internal/bindings"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/classifier"
	"dialer-platform/internal/metrics"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/telephony"
	"dialer-platform/pkg/logger"
)

// State is the per-resource migration state.
type State string

const (
	StateRequested       State = "REQUESTED"
	StateFetchingSource  State = "FETCHING_SOURCE"
	StateCreatingTarget  State = "CREATING_TARGET"
	StateDeletingSource  State = "DELETING_SOURCE"
	StateRepointingLocal State = "REPOINTING_LOCAL"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

var (
	ErrSameCredential = errors.New("migration: source and target credential are the same")
	ErrNoResources    = errors.New("migration: user has no provider resources")
	ErrInvalidInput   = errors.New("migration: invalid input")
)

// Credentials is the slice of the capacity pool the engine needs.
type Credentials interface {
	Get(ctx context.Context, id string) (pool.Credential, error)
	LeastLoadedExcept(ctx context.Context, excludeID string) (pool.Credential, bool, error)
	AdjustAssignments(ctx context.Context, id string, agentsDelta, usersDelta int) error
}

type Options struct {
	DryRun     bool `json:"dry_run"`
	SkipAgents bool `json:"skip_agents"`
	SkipPhones bool `json:"skip_phones"`
}

// ResourceResult describes what happened to one agent or number.
type ResourceResult struct {
	Kind           bindings.Kind      `json:"kind"`
	LocalID        string             `json:"local_id"`
	Name           string             `json:"name,omitempty"`
	OldExternalID  string             `json:"old_external_id"`
	NewExternalID  string             `json:"new_external_id,omitempty"`
	State          State              `json:"state"`
	Error          string             `json:"error,omitempty"`
	Cause          *classifier.Result `json:"cause,omitempty"`
	// OrphanedTarget means NewExternalID still exists under the target
	// credential but nothing local points at it. Needs manual cleanup.
	OrphanedTarget bool               `json:"orphaned_target,omitempty"`
}

// Result is the outcome of one migration request. Success false with a nil
// error means a resource failed: MigratedAgents/MigratedPhones hold exactly
// what moved before the failure, and those moves stand.
type Result struct {
	AttemptID        string           `json:"attempt_id,omitempty"`
	UserID           string           `json:"user_id"`
	FromCredentialID string           `json:"from_credential_id"`
	ToCredentialID   string           `json:"to_credential_id,omitempty"`
	Success          bool             `json:"success"`
	DryRun           bool             `json:"dry_run,omitempty"`
	NoCapacity       bool             `json:"no_capacity,omitempty"`
	Planned          []ResourceResult `json:"planned,omitempty"`
	MigratedAgents   []ResourceResult `json:"migrated_agents"`
	MigratedPhones   []ResourceResult `json:"migrated_phones"`
	Failed           *ResourceResult  `json:"failed,omitempty"`
	Error            string           `json:"error,omitempty"`
}

type EngineOptions struct {
	// WebhookURL is configured on numbers imported under the target.
	WebhookURL      string
	// WebhookSecret signs the user and credential carried by WebhookURL.
	WebhookSecret   string
	// ProviderTimeout bounds every single provider call.
	ProviderTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type Engine struct {
	creds    Credentials
	bindings bindings.Store
	clients  telephony.Factory
	journal  Journal

	webhookURL    string
	webhookSecret string
	timeout       time.Duration
	log           *slog.Logger
	clock         func() time.Time
}

func NewEngine(creds Credentials, store bindings.Store, clients telephony.Factory, journal Journal, opts EngineOptions) *Engine {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	return &Engine{
		creds:         creds,
		bindings:      store,
		clients:       clients,
		journal:       journal,
		webhookURL:    opts.WebhookURL,
		webhookSecret: opts.WebhookSecret,
		timeout:       opts.ProviderTimeout,
		log:           logger.Component(opts.Logger, "migration"),
		clock:         opts.Now,
	}
}

// MigrateUserResources moves the user's agents, then phone numbers, from
// fromID to toID. The first resource failure stops the run.
func (e *Engine) MigrateUserResources(ctx context.Context, userID, fromID, toID string, opts Options) (Result, error) {
	if userID == "" || fromID == "" || toID == "" {
		return Result{}, ErrInvalidInput
	}
	if fromID == toID {
		return Result{}, ErrSameCredential
	}
	from, err := e.creds.Get(ctx, fromID)
	if err != nil {
		return Result{}, fmt.Errorf("source credential %s: %w", fromID, err)
	}
	to, err := e.creds.Get(ctx, toID)
	if err != nil {
		return Result{}, fmt.Errorf("target credential %s: %w", toID, err)
	}
	if !to.IsActive {
		return Result{}, fmt.Errorf("target credential %s is inactive: %w", toID, pool.ErrCredentialInvalid)
	}

	var agents, phones []bindings.Binding
	if !opts.SkipAgents {
		if agents, err = e.bindings.List(ctx, userID, bindings.KindAgent, fromID); err != nil {
			return Result{}, fmt.Errorf("list agents: %w", err)
		}
	}
	if !opts.SkipPhones {
		if phones, err = e.bindings.List(ctx, userID, bindings.KindPhone, fromID); err != nil {
			return Result{}, fmt.Errorf("list phone numbers: %w", err)
		}
	}

	if len(agents)+len(phones) == 0 && !opts.DryRun {
		return Result{}, fmt.Errorf("nothing bound to %s for user %s: %w", fromID, userID, ErrNoResources)
	}

	res := Result{
		UserID:           userID,
		FromCredentialID: fromID,
		ToCredentialID:   toID,
		MigratedAgents:   []ResourceResult{},
		MigratedPhones:   []ResourceResult{},
	}
	if opts.DryRun {
		res.DryRun = true
		res.Success = true
		for _, b := range append(agents, phones...) {
			res.Planned = append(res.Planned, ResourceResult{
				Kind: b.Kind, LocalID: b.LocalID, Name: displayName(b), OldExternalID: b.ExternalID, State: StateRequested,
			})
		}
		return res, nil
	}

	attempt, err := e.journal.Begin(ctx, Attempt{
		UserID:           userID,
		FromCredentialID: fromID,
		ToCredentialID:   toID,
		Status:           AttemptInProgress,
		CreatedAt:        e.clock().UTC(),
	})
	if err != nil {
		return Result{}, err
	}
	res.AttemptID = attempt.ID
	log := e.log.With("attempt_id", attempt.ID, "user_id", userID, "from", fromID, "to", toID)
	log.Info("migration started", "agents", len(agents), "phones", len(phones))

	src, err := e.clients.Client(from.Provider, from.APIKey)
	if err != nil {
		return e.abort(ctx, log, res, nil, err)
	}
	dst, err := e.clients.Client(to.Provider, to.APIKey)
	if err != nil {
		return e.abort(ctx, log, res, nil, err)
	}
	r := &run{e: e, attemptID: attempt.ID, userID: userID, from: from, to: to, src: src, dst: dst, log: log, newAgentIDs: map[string]string{}}

	for _, b := range agents {
		rr, err := r.migrateAgent(ctx, b)
		if err != nil {
			return e.abort(ctx, log, res, &rr, err)
		}
		res.MigratedAgents = append(res.MigratedAgents, rr)
	}
	for _, b := range phones {
		rr, err := r.migratePhone(ctx, b)
		if err != nil {
			return e.abort(ctx, log, res, &rr, err)
		}
		res.MigratedPhones = append(res.MigratedPhones, rr)
	}

	// Past this point every resource moved; finish even if the caller left.
	ctx = context.WithoutCancel(ctx)
	if err := e.bindings.SetPreferredCredential(ctx, userID, toID); err != nil {
		log.Error("update preferred credential failed", "err", err)
	}
	if !opts.SkipAgents && !opts.SkipPhones {
		e.adjust(ctx, log, fromID, 0, -1)
		e.adjust(ctx, log, toID, 0, 1)
	}
	if err := e.journal.Finish(ctx, attempt.ID, AttemptCompleted, "", e.clock().UTC()); err != nil {
		log.Error("finalize migration attempt failed", "err", err)
	}
	metrics.Migrations.WithLabelValues(string(AttemptCompleted)).Inc()
	log.Info("migration completed", "agents", len(res.MigratedAgents), "phones", len(res.MigratedPhones))
	res.Success = true
	return res, nil
}

// abort finalizes the attempt after a failure. A failure on a resource is
// reported through the Result; setup failures are returned as errors.
func (e *Engine) abort(ctx context.Context, log *slog.Logger, res Result, failed *ResourceResult, cause error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	status := AttemptFailed
	if len(res.MigratedAgents)+len(res.MigratedPhones) > 0 {
		status = AttemptPartial
	}
	if err := e.journal.Finish(ctx, res.AttemptID, status, cause.Error(), e.clock().UTC()); err != nil {
		log.Error("finalize migration attempt failed", "err", err)
	}
	metrics.Migrations.WithLabelValues(string(status)).Inc()
	log.Warn("migration aborted", "status", status, "migrated_agents", len(res.MigratedAgents), "migrated_phones", len(res.MigratedPhones), "err", cause)

	if failed == nil {
		return res, cause
	}
	res.Failed = failed
	res.Error = cause.Error()
	return res, nil
}

func (e *Engine) adjust(ctx context.Context, log *slog.Logger, credID string, agents, users int) {
	if err := e.creds.AdjustAssignments(ctx, credID, agents, users); err != nil {
		log.Warn("adjust credential assignments failed", "credential_id", credID, "err", err)
	}
}

// AutoMigrateUser moves the user off currentID onto the least-loaded other
// credential with free capacity. With no such credential the result has
// NoCapacity set and nothing is touched.
func (e *Engine) AutoMigrateUser(ctx context.Context, userID, currentID string) (Result, error) {
	if userID == "" {
		return Result{}, ErrInvalidInput
	}
	if currentID == "" {
		id, err := e.GetUserCurrentCredential(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if id == "" {
			return Result{}, ErrNoResources
		}
		currentID = id
	}
	target, ok, err := e.creds.LeastLoadedExcept(ctx, currentID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		e.log.Warn("no target credential with capacity", "user_id", userID, "from", currentID)
		return Result{UserID: userID, FromCredentialID: currentID, NoCapacity: true}, nil
	}
	return e.MigrateUserResources(ctx, userID, currentID, target.ID, Options{})
}

// GetUserCurrentCredential returns the credential of the user's first agent,
// else of the first phone number, else "".
func (e *Engine) GetUserCurrentCredential(ctx context.Context, userID string) (string, error) {
	for _, kind := range []bindings.Kind{bindings.KindAgent, bindings.KindPhone} {
		bs, err := e.bindings.List(ctx, userID, kind, "")
		if err != nil {
			return "", err
		}
		if len(bs) > 0 {
			return bs[0].CredentialID, nil
		}
	}
	return "", nil
}

func (e *Engine) ListAttempts(ctx context.Context, userID string, limit int) ([]Attempt, error) {
	return e.journal.ListByUser(ctx, userID, limit)
}

func (e *Engine) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	return e.journal.Get(ctx, id)
}

func (e *Engine) webhookFor(userID, credentialID string) string {
	if e.webhookURL == "" {
		return ""
	}
	u, err := url.Parse(e.webhookURL)
	if err != nil {
		return e.webhookURL
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("credential_id", credentialID)
	if e.webhookSecret != "" {
		q.Set(calls.SignatureParam, calls.SignCallback(e.webhookSecret, userID, credentialID))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func displayName(b bindings.Binding) string {
	if b.Kind == bindings.KindPhone {
		return b.Number
	}
	return b.Name
}

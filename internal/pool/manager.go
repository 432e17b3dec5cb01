package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dialer-platform/internal/config"
	"dialer-platform/internal/metrics"
	"dialer-platform/internal/notify"
	"dialer-platform/pkg/logger"
)

// Prober performs a lightweight provider call with a credential's key.
type Prober interface {
	Probe(ctx context.Context, c Credential) error
}

type ProberFunc func(ctx context.Context, c Credential) error

func (f ProberFunc) Probe(ctx context.Context, c Credential) error { return f(ctx, c) }

type Options struct {
	Notifier notify.Notifier
	// Debouncer backs both alert debouncing and release de-duplication.
	// Defaults to an in-process debouncer.
	Debouncer   Debouncer
	AlertWindow time.Duration

	HealthTimeout     time.Duration
	HealthConcurrency int

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager is the capacity pool: admission control over provider credentials.
//
// Every load change goes through the Store in one atomic statement; the
// Manager holds no in-process counters and no locks across store calls.
type Manager struct {
	store  Store
	prober Prober
	alerts *thresholdAlerter
	dedupe Debouncer

	healthTimeout     time.Duration
	healthConcurrency int

	log   *slog.Logger
	clock func() time.Time
}

func NewManager(store Store, prober Prober, opts Options) *Manager {
	if opts.Debouncer == nil {
		opts.Debouncer = NewMemoryDebouncer()
	}
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = 4 * time.Hour
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 15 * time.Second
	}
	if opts.HealthConcurrency <= 0 {
		opts.HealthConcurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.Component(opts.Logger, "pool")

	return &Manager{
		store:  store,
		prober: prober,
		alerts: &thresholdAlerter{
			notifier:  opts.Notifier,
			debouncer: opts.Debouncer,
			window:    opts.AlertWindow,
			log:       log,
		},
		dedupe:            opts.Debouncer,
		healthTimeout:     opts.HealthTimeout,
		healthConcurrency: opts.HealthConcurrency,
		log:               log,
		clock:             opts.Now,
	}
}

// ReserveSlot claims one slot on the least-utilized active credential,
// optionally restricted to tier. ok is false when nothing qualifies.
func (m *Manager) ReserveSlot(ctx context.Context, tier string) (Credential, bool, error) {
	c, ok, err := m.store.ReserveSlot(ctx, tier)
	if err != nil {
		metrics.Reservations.WithLabelValues("error").Inc()
		return Credential{}, false, err
	}
	if !ok {
		metrics.Reservations.WithLabelValues("exhausted").Inc()
		m.log.Warn("no credential capacity", "tier", tier)
		m.alerts.exhausted(ctx, tier)
		return Credential{}, false, nil
	}
	metrics.Reservations.WithLabelValues("reserved").Inc()
	m.afterLoadChange(ctx)
	return c, true, nil
}

// ReserveSlotOnCredential claims one slot on a specific credential.
func (m *Manager) ReserveSlotOnCredential(ctx context.Context, id string) (Credential, bool, error) {
	if id == "" {
		return Credential{}, false, ErrInvalidArgument
	}
	c, ok, err := m.store.ReserveSlotOn(ctx, id)
	if err != nil {
		metrics.Reservations.WithLabelValues("error").Inc()
		return Credential{}, false, err
	}
	if !ok {
		metrics.Reservations.WithLabelValues("exhausted").Inc()
		return Credential{}, false, nil
	}
	metrics.Reservations.WithLabelValues("reserved").Inc()
	m.afterLoadChange(ctx)
	return c, true, nil
}

// ReleaseSlot returns one slot. Load is clamped at zero, so a release with
// no matching reservation is harmless.
func (m *Manager) ReleaseSlot(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidArgument
	}
	if _, err := m.store.ReleaseSlot(ctx, id); err != nil {
		metrics.Releases.WithLabelValues("error").Inc()
		return err
	}
	metrics.Releases.WithLabelValues("released").Inc()
	return nil
}

// ReleaseSlotOnce releases at most once per token (e.g. a call id) within a
// day, so redelivered completion events do not drain other calls' slots.
func (m *Manager) ReleaseSlotOnce(ctx context.Context, id, token string) (bool, error) {
	if token == "" {
		return false, ErrInvalidArgument
	}
	key := "release:" + id + ":" + token
	ok, err := m.dedupe.Allow(ctx, key, 24*time.Hour)
	if err != nil {
		return false, fmt.Errorf("release dedupe: %w", err)
	}
	if !ok {
		metrics.Releases.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if err := m.ReleaseSlot(ctx, id); err != nil {
		// The token must stay claimable so a redelivery can free the slot.
		if ferr := m.dedupe.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			m.log.Error("release token not restored", "credential_id", id, "token", token, "err", ferr)
		}
		return false, err
	}
	return true, nil
}

// GetAvailableCredential returns the credential ReserveSlot would pick,
// without reserving.
func (m *Manager) GetAvailableCredential(ctx context.Context, tier string) (Credential, bool, error) {
	return m.store.FindAvailable(ctx, tier, "")
}

func (m *Manager) HasAnyAvailableCapacity(ctx context.Context) (bool, error) {
	_, ok, err := m.store.FindAvailable(ctx, "", "")
	return ok, err
}

// LeastLoadedExcept returns the best credential with a free slot other than
// excludeID. Read-only.
func (m *Manager) LeastLoadedExcept(ctx context.Context, excludeID string) (Credential, bool, error) {
	return m.store.FindAvailable(ctx, "", excludeID)
}

func (m *Manager) Get(ctx context.Context, id string) (Credential, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) AdjustAssignments(ctx context.Context, id string, agentsDelta, usersDelta int) error {
	return m.store.AdjustAssignments(ctx, id, agentsDelta, usersDelta)
}

// AddCredential registers or updates a credential's static fields.
func (m *Manager) AddCredential(ctx context.Context, c Credential) error {
	c.ID = strings.TrimSpace(c.ID)
	c.Provider = strings.TrimSpace(c.Provider)
	if c.ID == "" || c.Provider == "" || c.APIKey == "" || c.MaxConcurrency <= 0 {
		return ErrInvalidArgument
	}
	if c.Tier == "" {
		c.Tier = "standard"
	}
	if err := m.store.Upsert(ctx, c); err != nil {
		return fmt.Errorf("upsert credential %s: %w", c.ID, err)
	}
	m.log.Info("credential registered", "credential_id", c.ID, "provider", c.Provider, "max_concurrency", c.MaxConcurrency)
	return nil
}

// Seed upserts credentials declared in the pool seed file.
func (m *Manager) Seed(ctx context.Context, seeds []config.CredentialSeed) error {
	for _, s := range seeds {
		err := m.AddCredential(ctx, Credential{
			ID:             s.ID,
			Provider:       s.Provider,
			APIKey:         s.APIKey,
			Tier:           s.Tier,
			MaxConcurrency: s.MaxConcurrency,
			IsActive:       s.IsActive(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) SetActive(ctx context.Context, id string, active bool) error {
	if err := m.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	m.log.Info("credential active flag changed", "credential_id", id, "active", active)
	return nil
}

// Stats summarizes active credentials and refreshes the pool gauges.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	all, err := m.store.List(ctx, false)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Credentials: all}
	for _, c := range all {
		metrics.CredentialLoad.WithLabelValues(c.ID, c.Provider, c.Tier).Set(float64(c.CurrentLoad))
		metrics.CredentialCapacity.WithLabelValues(c.ID, c.Provider, c.Tier).Set(float64(c.MaxConcurrency))
		if !c.IsActive {
			continue
		}
		st.ActiveCredentials++
		st.TotalCapacity += c.MaxConcurrency
		st.TotalLoad += c.CurrentLoad
		if c.HealthStatus == HealthHealthy {
			st.HealthyCredentials++
		}
	}
	if st.TotalCapacity > 0 {
		st.Utilization = float64(st.TotalLoad) / float64(st.TotalCapacity)
	}
	metrics.PoolUtilization.Set(st.Utilization)
	return st, nil
}

func (m *Manager) afterLoadChange(ctx context.Context) {
	st, err := m.Stats(ctx)
	if err != nil {
		m.log.Warn("pool stats after reservation failed", "err", err)
		return
	}
	m.alerts.check(ctx, st)
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dialer-platform/internal/bindings"
	"dialer-platform/internal/metrics"
	"dialer-platform/internal/migration"
	"dialer-platform/internal/pool"
	"dialer-platform/pkg/logger"
	"dialer-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress is returned when a queue run is already underway, in this
// process or (with Redis) on another instance.
var ErrRunInProgress = errors.New("retry: run already in progress")

// Capacity is the slice of the pool the scheduler reads.
type Capacity interface {
	HasAnyAvailableCapacity(ctx context.Context) (bool, error)
	Get(ctx context.Context, id string) (pool.Credential, error)
}

type Migrator interface {
	AutoMigrateUser(ctx context.Context, userID, currentID string) (migration.Result, error)
}

type AgentLocator interface {
	Get(ctx context.Context, kind bindings.Kind, localID string) (bindings.Binding, error)
}

type Options struct {
	Interval      time.Duration
	InitialDelay  time.Duration
	MaxRetryCount int
	BatchSize     int

	// Redis, when set, makes queue runs single-flight across instances.
	Redis   *redis.Client
	LockKey string
	LockTTL time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Summary counts what one queue run did.
type Summary struct {
	Scanned   int `json:"scanned"`
	Ready     int `json:"ready"`
	Rearmed   int `json:"rearmed"`
	Exhausted int `json:"exhausted"`
	Errors    int `json:"errors"`
}

type Scheduler struct {
	store    Store
	capacity Capacity
	agents   AgentLocator
	migrator Migrator
	opts     Options
	log      *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(store Store, capacity Capacity, agents AgentLocator, migrator Migrator, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 10 * time.Second
	}
	if opts.MaxRetryCount <= 0 {
		opts.MaxRetryCount = 24
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LockKey == "" {
		opts.LockKey = "dialer:retry:queue"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:    store,
		capacity: capacity,
		agents:   agents,
		migrator: migrator,
		opts:     opts,
		log:      logger.Component(opts.Logger, "retry"),
	}
}

// MarkForRetry records a capacity failure for the campaign and schedules the
// next attempt one interval out. At the retry ceiling the campaign fails.
func (s *Scheduler) MarkForRetry(ctx context.Context, campaignID string, cause error) (Campaign, error) {
	msg := "capacity unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	now := s.opts.Now().UTC()
	c, err := s.store.MarkForRetry(ctx, campaignID, msg, now, now.Add(s.opts.Interval), s.opts.MaxRetryCount)
	if err != nil {
		return Campaign{}, err
	}
	if c.RetryExhausted {
		metrics.RetryCampaigns.WithLabelValues("exhausted").Inc()
		s.log.Warn("campaign retries exhausted", "campaign_id", c.ID, "retry_count", c.RetryCount, "last_error", c.LastError)
	} else {
		metrics.RetryCampaigns.WithLabelValues("rearmed").Inc()
		s.log.Info("campaign scheduled for retry", "campaign_id", c.ID, "retry_count", c.RetryCount, "next_retry_at", c.NextRetryAt)
	}
	return c, nil
}

// ProcessRetryQueue handles every due campaign once. Overlapping calls get
// ErrRunInProgress.
func (s *Scheduler) ProcessRetryQueue(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.RetryRuns.WithLabelValues("skipped").Inc()
		return Summary{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	if s.opts.Redis != nil {
		unlock, ok, err := utils.TryLock(ctx, s.opts.Redis, s.opts.LockKey, s.opts.LockTTL)
		if err != nil {
			metrics.RetryRuns.WithLabelValues("failed").Inc()
			return Summary{}, fmt.Errorf("retry lock: %w", err)
		}
		if !ok {
			metrics.RetryRuns.WithLabelValues("skipped").Inc()
			return Summary{}, ErrRunInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("retry lock release failed", "err", err)
			}
		}()
	}

	due, err := s.store.ListDue(ctx, s.opts.Now().UTC(), s.opts.BatchSize)
	if err != nil {
		metrics.RetryRuns.WithLabelValues("failed").Inc()
		return Summary{}, fmt.Errorf("list due campaigns: %w", err)
	}

	var sum Summary
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		sum.Scanned++
		s.processOne(ctx, c, &sum)
	}
	metrics.RetryRuns.WithLabelValues("completed").Inc()
	s.log.Info("retry queue processed", "scanned", sum.Scanned, "ready", sum.Ready, "rearmed", sum.Rearmed, "exhausted", sum.Exhausted, "errors", sum.Errors)
	return sum, ctx.Err()
}

func (s *Scheduler) processOne(ctx context.Context, c Campaign, sum *Summary) {
	log := s.log.With("campaign_id", c.ID, "user_id", c.UserID)

	ok, err := s.capacity.HasAnyAvailableCapacity(ctx)
	if err != nil {
		sum.Errors++
		log.Error("capacity check failed", "err", err)
		return
	}
	if !ok {
		s.rearm(ctx, c, errors.New("no capacity available on any credential"), sum)
		return
	}

	agent, err := s.agents.Get(ctx, bindings.KindAgent, c.AgentID)
	if err != nil {
		s.rearm(ctx, c, fmt.Errorf("resolve campaign agent: %w", err), sum)
		return
	}
	cred, err := s.capacity.Get(ctx, agent.CredentialID)
	if err != nil {
		sum.Errors++
		log.Error("load agent credential failed", "credential_id", agent.CredentialID, "err", err)
		return
	}
	if cred.HasCapacity() {
		s.ready(ctx, c, sum)
		return
	}

	res, err := s.migrator.AutoMigrateUser(ctx, c.UserID, agent.CredentialID)
	switch {
	case err != nil:
		s.rearm(ctx, c, err, sum)
	case res.NoCapacity:
		s.rearm(ctx, c, errors.New("no other credential has free capacity"), sum)
	case !res.Success:
		s.rearm(ctx, c, fmt.Errorf("migration incomplete: %s", res.Error), sum)
	default:
		log.Info("campaign unblocked by migration", "from", res.FromCredentialID, "to", res.ToCredentialID)
		s.ready(ctx, c, sum)
	}
}

func (s *Scheduler) ready(ctx context.Context, c Campaign, sum *Summary) {
	if _, err := s.store.MarkReady(ctx, c.ID, s.opts.Now().UTC()); err != nil {
		sum.Errors++
		s.log.Error("mark campaign ready failed", "campaign_id", c.ID, "err", err)
		return
	}
	sum.Ready++
	metrics.RetryCampaigns.WithLabelValues("ready").Inc()
}

func (s *Scheduler) rearm(ctx context.Context, c Campaign, cause error, sum *Summary) {
	updated, err := s.MarkForRetry(ctx, c.ID, cause)
	if err != nil {
		sum.Errors++
		s.log.Error("re-arm campaign failed", "campaign_id", c.ID, "err", err)
		return
	}
	if updated.RetryExhausted {
		sum.Exhausted++
		return
	}
	sum.Rearmed++
}

// RunNow triggers a queue run outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (Summary, error) {
	return s.ProcessRetryQueue(ctx)
}

// Start runs the queue once after InitialDelay and then every Interval.
// Calling Start on a started scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		timer := time.NewTimer(s.opts.InitialDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
		}

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.log.Info("retry scheduler started", "interval", s.opts.Interval, "initial_delay", s.opts.InitialDelay)
}

// Stop cancels pending runs and waits for an in-flight run to return.
// Safe to call when not started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("retry scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.ProcessRetryQueue(ctx); err != nil && !errors.Is(err, ErrRunInProgress) && !errors.Is(err, context.Canceled) {
		s.log.Error("retry queue run failed", "err", err)
	}
}

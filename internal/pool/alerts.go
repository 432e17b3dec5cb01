package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"dialer-platform/internal/metrics"
	"dialer-platform/internal/notify"
	"dialer-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Thresholds are checked highest first; one check emits at most one alert.
var alertThresholds = []struct {
	pct      int
	severity notify.Severity
}{
	{95, notify.SeverityCritical},
	{90, notify.SeverityWarning},
	{80, notify.SeverityInfo},
}

// Debouncer grants a key at most once per window. Forget drops a granted
// key so the next Allow succeeds again.
type Debouncer interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// MemoryDebouncer debounces within a single process.
type MemoryDebouncer struct {
	mu    sync.Mutex
	last  map[string]time.Time
	clock func() time.Time
}

func NewMemoryDebouncer() *MemoryDebouncer {
	return &MemoryDebouncer{last: map[string]time.Time{}, clock: time.Now}
}

func (d *MemoryDebouncer) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	if t, ok := d.last[key]; ok && now.Sub(t) < window {
		return false, nil
	}
	d.last[key] = now
	return true, nil
}

func (d *MemoryDebouncer) Forget(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, key)
	return nil
}

// RedisDebouncer shares the debounce window across API instances.
type RedisDebouncer struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisDebouncer(rdb *redis.Client, prefix string) *RedisDebouncer {
	return &RedisDebouncer{rdb: rdb, prefix: prefix}
}

func (d *RedisDebouncer) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	return utils.OnceWithin(ctx, d.rdb, d.prefix+key, window)
}

func (d *RedisDebouncer) Forget(ctx context.Context, key string) error {
	return utils.ForgetOnce(ctx, d.rdb, d.prefix+key)
}

// thresholdAlerter emits pool utilization alerts.
type thresholdAlerter struct {
	notifier  notify.Notifier
	debouncer Debouncer
	window    time.Duration
	log       *slog.Logger
}

// check evaluates pool-wide utilization and notifies for the highest
// threshold crossed, subject to the per-threshold debounce window.
func (a *thresholdAlerter) check(ctx context.Context, st Stats) {
	if a == nil || a.notifier == nil || st.TotalCapacity == 0 {
		return
	}
	for _, th := range alertThresholds {
		if st.TotalLoad*100 < th.pct*st.TotalCapacity {
			continue
		}
		a.emit(ctx, "threshold:"+strconv.Itoa(th.pct), notify.Notification{
			Title:    fmt.Sprintf("Credential pool at %d%% capacity", th.pct),
			Message:  fmt.Sprintf("%d of %d concurrent slots in use across %d active credentials", st.TotalLoad, st.TotalCapacity, st.ActiveCredentials),
			Severity: th.severity,
			Fields: map[string]any{
				"threshold":   th.pct,
				"utilization": st.Utilization,
			},
		}, strconv.Itoa(th.pct))
		return
	}
}

// exhausted is raised when a reservation finds no free slot anywhere.
func (a *thresholdAlerter) exhausted(ctx context.Context, tier string) {
	if a == nil || a.notifier == nil {
		return
	}
	a.emit(ctx, "exhausted:"+tier, notify.Notification{
		Title:    "Credential pool exhausted",
		Message:  "no active credential has a free concurrent slot",
		Severity: notify.SeverityCritical,
		Fields:   map[string]any{"tier": tier},
	}, "exhausted")
}

func (a *thresholdAlerter) emit(ctx context.Context, key string, n notify.Notification, label string) {
	ok, err := a.debouncer.Allow(ctx, key, a.window)
	if err != nil {
		a.log.Warn("alert debounce failed", "key", key, "err", err)
		return
	}
	if !ok {
		return
	}
	metrics.CapacityAlerts.WithLabelValues(label).Inc()
	if err := a.notifier.Notify(ctx, n); err != nil {
		a.log.Warn("capacity alert not delivered", "key", key, "err", err)
	}
}

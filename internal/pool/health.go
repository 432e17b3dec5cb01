package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"dialer-platform/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// PerformHealthChecks probes every active credential with a bounded timeout
// and records the outcome. A probe that errors or times out marks the
// credential unhealthy. Health is informational: reservation ignores it.
func (m *Manager) PerformHealthChecks(ctx context.Context) ([]HealthResult, error) {
	if m.prober == nil {
		return nil, errors.New("pool: no prober configured")
	}
	creds, err := m.store.List(ctx, true)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make([]HealthResult, 0, len(creds))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.healthConcurrency)
	for _, c := range creds {
		g.Go(func() error {
			res := m.probeOne(gctx, c)
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sortHealthResults(out)
	return out, nil
}

func (m *Manager) probeOne(ctx context.Context, c Credential) HealthResult {
	start := m.clock()
	probeCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	err := m.prober.Probe(probeCtx, c)
	cancel()

	res := HealthResult{CredentialID: c.ID, Status: HealthHealthy, Duration: m.clock().Sub(start)}
	if err != nil {
		res.Status = HealthUnhealthy
		res.Error = err.Error()
	}

	if err := m.store.SetHealth(context.WithoutCancel(ctx), c.ID, res.Status, res.Error, m.clock().UTC()); err != nil {
		m.log.Warn("record health failed", "credential_id", c.ID, "err", err)
	}
	gauge := 0.0
	if res.Status == HealthHealthy {
		gauge = 1
	}
	metrics.CredentialHealthy.WithLabelValues(c.ID).Set(gauge)

	if c.HealthStatus != res.Status {
		m.log.Info("credential health changed", "credential_id", c.ID, "from", c.HealthStatus, "to", res.Status, "err", res.Error)
	}
	return res
}

// StartHealthChecks runs PerformHealthChecks every interval until ctx ends.
func (m *Manager) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := m.PerformHealthChecks(ctx); err != nil {
					m.log.Error("health checks failed", "err", err)
				}
			}
		}
	}()
}

func sortHealthResults(rs []HealthResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CredentialID < rs[j].CredentialID })
}

// Package health samples inbox backlog metrics and turns them into a
// liveness verdict for readiness endpoints and the Prometheus gauges.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/common/metrics"
	"go.inlet.tech/internal/storage"
)

// Policy decides whether a backlog snapshot is healthy. The default accepts
// everything; deployments override it with their own thresholds.
type Policy func(m storage.HealthMetrics) error

// MaxBacklogPolicy flags an inbox once its pending count or oldest pending
// age crosses the given limits. A zero limit disables that check.
func MaxBacklogPolicy(maxPending int64, maxAge time.Duration, clock storage.Clock) Policy {
	if clock == nil {
		clock = storage.SystemClock{}
	}
	return func(m storage.HealthMetrics) error {
		if maxPending > 0 && m.PendingCount > maxPending {
			return fmt.Errorf("pending backlog %d exceeds %d", m.PendingCount, maxPending)
		}
		if maxAge > 0 && !m.OldestPendingReceivedAt.IsZero() {
			if age := clock.Now().Sub(m.OldestPendingReceivedAt); age > maxAge {
				return fmt.Errorf("oldest pending message is %s old, limit %s", age.Truncate(time.Second), maxAge)
			}
		}
		return nil
	}
}

// Config assembles one probe.
type Config struct {
	// InboxName identifies the inbox in logs and metrics.
	InboxName string

	// Provider is the inbox's storage backend.
	Provider storage.Provider

	// Policy judges each snapshot. Nil means always healthy.
	Policy Policy

	// Interval is the sampling period. Defaults to 15 seconds.
	Interval time.Duration

	// Clock defaults to the system clock.
	Clock storage.Clock
}

// Probe periodically samples HealthMetrics, exports the gauges and keeps the
// last verdict for Check.
type Probe struct {
	name     string
	provider storage.Provider
	policy   Policy
	interval time.Duration
	clock    storage.Clock

	mu      sync.Mutex
	last    storage.HealthMetrics
	lastErr error
	sampled bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a probe for one inbox.
func New(cfg Config) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = storage.SystemClock{}
	}
	return &Probe{
		name:     cfg.InboxName,
		provider: cfg.Provider,
		policy:   cfg.Policy,
		interval: cfg.Interval,
		clock:    cfg.Clock,
	}
}

// Start launches the sampling loop.
func (p *Probe) Start() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return
	}
	p.running = true

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
}

// Stop cancels the loop and waits for the current sample to finish.
func (p *Probe) Stop() {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	p.runningMu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Probe) run() {
	defer p.wg.Done()

	p.Sample(p.ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Sample(p.ctx)
		}
	}
}

// Sample takes one snapshot, exports the gauges and records the verdict.
func (p *Probe) Sample(ctx context.Context) {
	m, err := p.provider.HealthMetrics(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.lastErr = fmt.Errorf("inbox %s: health metrics: %w", p.name, err)
		p.sampled = true
		log.Warn().Err(err).Str("inbox", p.name).Msg("Health sample failed")
		return
	}

	p.last = m
	p.lastErr = nil
	p.sampled = true

	metrics.PendingMessages.WithLabelValues(p.name).Set(float64(m.PendingCount))
	metrics.CapturedMessages.WithLabelValues(p.name).Set(float64(m.CapturedCount))
	metrics.DeadLetteredMessages.WithLabelValues(p.name).Set(float64(m.DeadLetterCount))

	age := 0.0
	if !m.OldestPendingReceivedAt.IsZero() {
		age = p.clock.Now().Sub(m.OldestPendingReceivedAt).Seconds()
		if age < 0 {
			age = 0
		}
	}
	metrics.OldestPendingAge.WithLabelValues(p.name).Set(age)

	if p.policy != nil {
		p.lastErr = p.policy(m)
	}
}

// Check returns the last verdict. Before the first sample the probe counts
// as healthy, so a slow backend does not fail start-up readiness.
func (p *Probe) Check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sampled {
		return nil
	}
	return p.lastErr
}

// Snapshot returns the most recent backlog metrics.
func (p *Probe) Snapshot() storage.HealthMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

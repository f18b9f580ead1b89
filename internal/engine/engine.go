// Package engine assembles the moving parts of an inbox (writer, worker,
// cleanup reaper and health probe) and manages their shared lifecycle. One
// engine hosts any number of named inboxes over any mix of backends.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/cleanup"
	"go.inlet.tech/internal/health"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
	"go.inlet.tech/internal/worker"
	"go.inlet.tech/internal/writer"
)

// InboxConfig declares one inbox to the engine.
type InboxConfig struct {
	// Name identifies the inbox. Unique within the engine.
	Name string

	// Options is the inbox configuration; zero values get defaults.
	Options inbox.Options

	// Registry supplies per-message handlers (Default and FIFO modes).
	Registry *inbox.Registry

	// BatchHandler handles whole leases (Batched mode).
	BatchHandler inbox.BatchHandler

	// GroupHandler handles per-group slices (FIFO-Batched mode).
	GroupHandler inbox.GroupHandler

	// Serializer for the write side. Defaults to JSON.
	Serializer inbox.Serializer

	// HealthPolicy judges backlog snapshots. Nil means always healthy.
	HealthPolicy health.Policy

	// Clock defaults to the system clock. Shared by every component of the
	// inbox.
	Clock storage.Clock
}

// Inbox is one registered inbox: its writer plus the background loops.
type Inbox struct {
	Name   string
	Writer *writer.Writer

	provider storage.Provider
	worker   *worker.Worker
	reaper   *cleanup.Reaper
	probe    *health.Probe
}

// Engine hosts registered inboxes and starts and stops them together.
type Engine struct {
	mu      sync.Mutex
	inboxes map[string]*Inbox
	order   []string
	started bool
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{inboxes: make(map[string]*Inbox)}
}

// Register validates the configuration, builds the inbox's components on the
// given backend and adds it to the engine. Must be called before Start.
func (e *Engine) Register(cfg InboxConfig, provider storage.Provider) (*Inbox, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("inbox name must not be empty")
	}
	if provider == nil {
		return nil, fmt.Errorf("inbox %s: storage provider is required", cfg.Name)
	}

	opts := cfg.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("inbox %s: %w", cfg.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil, fmt.Errorf("inbox %s: engine already started", cfg.Name)
	}
	if _, exists := e.inboxes[cfg.Name]; exists {
		return nil, fmt.Errorf("inbox %s: already registered", cfg.Name)
	}

	wr, err := writer.New(writer.Config{
		InboxName:  cfg.Name,
		Options:    opts,
		Provider:   provider,
		Serializer: cfg.Serializer,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	wk, err := worker.New(worker.Config{
		InboxName:    cfg.Name,
		Options:      opts,
		Provider:     provider,
		Registry:     cfg.Registry,
		BatchHandler: cfg.BatchHandler,
		GroupHandler: cfg.GroupHandler,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	in := &Inbox{
		Name:     cfg.Name,
		Writer:   wr,
		provider: provider,
		worker:   wk,
		reaper: cleanup.New(cleanup.Config{
			InboxName: cfg.Name,
			Options:   opts,
			Provider:  provider,
			Clock:     cfg.Clock,
		}),
		probe: health.New(health.Config{
			InboxName: cfg.Name,
			Provider:  provider,
			Policy:    cfg.HealthPolicy,
			Clock:     cfg.Clock,
		}),
	}

	e.inboxes[cfg.Name] = in
	e.order = append(e.order, cfg.Name)
	return in, nil
}

// Start launches every inbox's worker, reaper and probe.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return
	}
	e.started = true

	for _, name := range e.order {
		in := e.inboxes[name]
		in.worker.Start()
		in.reaper.Start()
		in.probe.Start()
	}
	log.Info().Int("inboxes", len(e.order)).Msg("Inbox engine started")
}

// Stop drains the inboxes in reverse registration order: workers first so
// leases finalize, then the background loops.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	for i := len(e.order) - 1; i >= 0; i-- {
		in := e.inboxes[e.order[i]]
		in.worker.Stop()
		in.reaper.Stop()
		in.probe.Stop()
	}
	log.Info().Msg("Inbox engine stopped")
}

// Inbox returns a registered inbox by name.
func (e *Engine) Inbox(name string) (*Inbox, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.inboxes[name]
	return in, ok
}

// Names returns the registered inbox names in registration order.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// Check aggregates the health verdicts of every inbox.
func (e *Engine) Check() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range e.order {
		if err := e.inboxes[name].probe.Check(); err != nil {
			return fmt.Errorf("inbox %s: %w", name, err)
		}
	}
	return nil
}

// DeadLetters reads an inbox's dead-letter entries, oldest first.
func (e *Engine) DeadLetters(ctx context.Context, name string, limit int) ([]*inbox.DeadLetterEntry, error) {
	in, ok := e.Inbox(name)
	if !ok {
		return nil, fmt.Errorf("inbox %s: not registered", name)
	}
	return in.provider.ReadDeadLetters(ctx, limit)
}

// Snapshot returns an inbox's last sampled backlog metrics.
func (in *Inbox) Snapshot() storage.HealthMetrics {
	return in.probe.Snapshot()
}

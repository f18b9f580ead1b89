// Package lifecycle orchestrates graceful shutdown: the HTTP surface stops
// first, then the inbox engine drains its leases, then storage connections
// close.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase orders shutdown work. Lower phases run first.
type Phase int

const (
	// PhaseHTTP stops accepting requests and drains in-flight ones.
	PhaseHTTP Phase = iota
	// PhaseEngine stops the inbox workers, reapers and probes so open
	// leases finalize or release before connections go away.
	PhaseEngine
	// PhaseStorage closes database and cache connections.
	PhaseStorage
	// PhaseFinal performs any remaining cleanup.
	PhaseFinal
)

// Hook is one unit of shutdown work.
type Hook struct {
	Name     string
	Phase    Phase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager collects hooks and runs them phase by phase on shutdown.
type Manager struct {
	mu              sync.Mutex
	hooks           []Hook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a lifecycle manager with a 60 second overall budget.
func NewManager() *Manager {
	return &Manager{
		shutdownTimeout: 60 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout sets the overall shutdown budget.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook.
func (m *Manager) RegisterHook(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterHTTPShutdown registers an HTTP server drain in PhaseHTTP.
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(Hook{
		Name:     name,
		Phase:    PhaseHTTP,
		Timeout:  15 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterEngineShutdown registers the inbox engine drain in PhaseEngine.
// The timeout is generous: a worker waits up to its ShutdownTimeout for the
// in-flight lease.
func (m *Manager) RegisterEngineShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(Hook{
		Name:     name,
		Phase:    PhaseEngine,
		Timeout:  45 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterStorageShutdown registers a connection close in PhaseStorage.
func (m *Manager) RegisterStorageShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(Hook{
		Name:     name,
		Phase:    PhaseStorage,
		Timeout:  10 * time.Second,
		Shutdown: shutdown,
	})
}

// WaitForSignal blocks until SIGINT or SIGTERM, or a programmatic Shutdown.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	}
}

// Shutdown triggers the shutdown sequence without a signal.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs every registered hook, phase by phase. Hooks within a phase
// run in parallel; a phase must finish before the next starts.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[Phase][]Hook)
	for _, hook := range hooks {
		byPhase[hook.Phase] = append(byPhase[hook.Phase], hook)
	}

	for _, phase := range []Phase{PhaseHTTP, PhaseEngine, PhaseStorage, PhaseFinal} {
		if len(byPhase[phase]) == 0 {
			continue
		}

		log.Info().Int("phase", int(phase)).Int("hooks", len(byPhase[phase])).Msg("Executing shutdown phase")

		var wg sync.WaitGroup
		for _, hook := range byPhase[phase] {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				m.executeHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("Graceful shutdown completed")
	return nil
}

func (m *Manager) executeHook(parentCtx context.Context, hook Hook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
	}
}

// Run combines WaitForSignal and Execute.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}

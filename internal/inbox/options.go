package inbox

import (
	"fmt"
	"time"
)

// Options configures one inbox. Zero values are filled in by
// DefaultOptions; Validate rejects inconsistent settings at start-up.
type Options struct {
	// Mode selects the processing strategy.
	Mode Mode

	// ReadBatchSize is the maximum number of messages per lease.
	ReadBatchSize int

	// WriteBatchSize is the maximum number of messages per write call.
	WriteBatchSize int

	// MaxProcessingTime is the lease deadline, and the group-lock deadline
	// for FIFO modes.
	MaxProcessingTime time.Duration

	// PollingInterval is how long the worker sleeps after an empty lease
	// or a poll error.
	PollingInterval time.Duration

	// ReadDelay is an optional sleep between non-empty leases.
	ReadDelay time.Duration

	// ShutdownTimeout bounds the drain of the in-flight lease on Stop.
	ShutdownTimeout time.Duration

	// MaxAttempts is the dead-letter threshold.
	MaxAttempts int

	// EnableDeadLetter keeps terminal failures in the dead-letter
	// namespace. When false they are deleted instead.
	EnableDeadLetter bool

	// DeadLetterMaxMessageLifetime is how long dead-letter entries are
	// retained before cleanup.
	DeadLetterMaxMessageLifetime time.Duration

	// EnableDeduplication turns on the deduplication path for writes.
	EnableDeduplication bool

	// DeduplicationInterval is the window during which a deduplication id
	// blocks further writes.
	DeduplicationInterval time.Duration

	// EnableLockExtension runs a lock extender alongside each lease.
	EnableLockExtension bool

	// LockExtensionThreshold sets the extender tick period as a fraction
	// of MaxProcessingTime. Valid range 0.1 to 0.9.
	LockExtensionThreshold float64

	// MaxProcessingThreads is the per-lease dispatch parallelism. Only the
	// Default mode honors values above 1.
	MaxProcessingThreads int

	// DispatchRatePerSecond optionally caps handler dispatches per second.
	// Zero disables the limiter.
	DispatchRatePerSecond float64

	// Cleanup configures the periodic reaper loops.
	Cleanup CleanupOptions
}

// CleanupOptions configures the periodic cleanup tasks of an inbox.
type CleanupOptions struct {
	// Interval is the sleep between cleanup rounds.
	Interval time.Duration

	// BatchSize is the number of rows deleted per round-trip.
	BatchSize int

	// RestartDelay is the sleep after a cleanup error.
	RestartDelay time.Duration
}

// DefaultOptions returns the documented defaults for an inbox.
func DefaultOptions() Options {
	return Options{
		Mode:                         ModeDefault,
		ReadBatchSize:                100,
		WriteBatchSize:               100,
		MaxProcessingTime:            5 * time.Minute,
		PollingInterval:              5 * time.Second,
		ReadDelay:                    0,
		ShutdownTimeout:              30 * time.Second,
		MaxAttempts:                  3,
		EnableDeadLetter:             true,
		DeadLetterMaxMessageLifetime: 14 * 24 * time.Hour,
		EnableDeduplication:          false,
		DeduplicationInterval:        time.Hour,
		EnableLockExtension:          true,
		LockExtensionThreshold:       0.5,
		MaxProcessingThreads:         1,
		Cleanup: CleanupOptions{
			Interval:     5 * time.Minute,
			BatchSize:    500,
			RestartDelay: time.Minute,
		},
	}
}

// WithDefaults returns a copy of o with zero values replaced by defaults.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.ReadBatchSize == 0 {
		o.ReadBatchSize = def.ReadBatchSize
	}
	if o.WriteBatchSize == 0 {
		o.WriteBatchSize = def.WriteBatchSize
	}
	if o.MaxProcessingTime == 0 {
		o.MaxProcessingTime = def.MaxProcessingTime
	}
	if o.PollingInterval == 0 {
		o.PollingInterval = def.PollingInterval
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = def.ShutdownTimeout
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.DeadLetterMaxMessageLifetime == 0 {
		o.DeadLetterMaxMessageLifetime = def.DeadLetterMaxMessageLifetime
	}
	if o.DeduplicationInterval == 0 {
		o.DeduplicationInterval = def.DeduplicationInterval
	}
	if o.LockExtensionThreshold == 0 {
		o.LockExtensionThreshold = def.LockExtensionThreshold
	}
	if o.MaxProcessingThreads == 0 {
		o.MaxProcessingThreads = def.MaxProcessingThreads
	}
	if o.Cleanup.Interval == 0 {
		o.Cleanup.Interval = def.Cleanup.Interval
	}
	if o.Cleanup.BatchSize == 0 {
		o.Cleanup.BatchSize = def.Cleanup.BatchSize
	}
	if o.Cleanup.RestartDelay == 0 {
		o.Cleanup.RestartDelay = def.Cleanup.RestartDelay
	}
	return o
}

// Validate rejects option combinations the engine refuses to start with.
func (o Options) Validate() error {
	if err := o.Mode.Validate(); err != nil {
		return err
	}
	if o.ReadBatchSize < 1 {
		return fmt.Errorf("read batch size must be at least 1, got %d", o.ReadBatchSize)
	}
	if o.WriteBatchSize < 1 {
		return fmt.Errorf("write batch size must be at least 1, got %d", o.WriteBatchSize)
	}
	if o.MaxProcessingTime <= 0 {
		return fmt.Errorf("max processing time must be positive, got %s", o.MaxProcessingTime)
	}
	if o.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %s", o.PollingInterval)
	}
	if o.ReadDelay < 0 {
		return fmt.Errorf("read delay must not be negative, got %s", o.ReadDelay)
	}
	if o.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", o.ShutdownTimeout)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.EnableDeduplication && o.DeduplicationInterval <= 0 {
		return fmt.Errorf("deduplication interval must be positive when deduplication is enabled")
	}
	if o.EnableLockExtension && (o.LockExtensionThreshold < 0.1 || o.LockExtensionThreshold > 0.9) {
		return fmt.Errorf("lock extension threshold must be within [0.1, 0.9], got %g", o.LockExtensionThreshold)
	}
	if o.MaxProcessingThreads < 1 {
		return fmt.Errorf("max processing threads must be at least 1, got %d", o.MaxProcessingThreads)
	}
	if o.MaxProcessingThreads > 1 && o.Mode != ModeDefault {
		return fmt.Errorf("max processing threads above 1 is only supported in DEFAULT mode")
	}
	if o.DispatchRatePerSecond < 0 {
		return fmt.Errorf("dispatch rate must not be negative, got %g", o.DispatchRatePerSecond)
	}
	if o.Cleanup.BatchSize < 1 {
		return fmt.Errorf("cleanup batch size must be at least 1, got %d", o.Cleanup.BatchSize)
	}
	return nil
}

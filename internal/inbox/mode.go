package inbox

import "fmt"

// Mode selects the processing strategy for an inbox.
type Mode string

const (
	// ModeDefault dispatches one handler call per message, in arrival order
	// within a lease, with optional per-lease parallelism.
	ModeDefault Mode = "DEFAULT"

	// ModeBatched hands the whole lease to a single batch handler call.
	ModeBatched Mode = "BATCHED"

	// ModeFIFO guarantees strict per-group ordering across workers.
	ModeFIFO Mode = "FIFO"

	// ModeFIFOBatched invokes the handler once per group with the in-order
	// slice of that group's messages.
	ModeFIFOBatched Mode = "FIFO_BATCHED"
)

// IsFIFO reports whether the mode enforces per-group ordering.
func (m Mode) IsFIFO() bool {
	return m == ModeFIFO || m == ModeFIFOBatched
}

// IsBatched reports whether the mode finalizes leases via the batched path.
func (m Mode) IsBatched() bool {
	return m == ModeBatched || m == ModeFIFOBatched
}

// Validate returns an error for unknown modes.
func (m Mode) Validate() error {
	switch m {
	case ModeDefault, ModeBatched, ModeFIFO, ModeFIFOBatched:
		return nil
	default:
		return fmt.Errorf("unknown inbox mode %q", string(m))
	}
}

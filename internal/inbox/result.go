package inbox

import "github.com/google/uuid"

// Result is a handler's verdict for a single message.
type Result string

const (
	// ResultSuccess deletes the message.
	ResultSuccess Result = "SUCCESS"

	// ResultFailed releases the message and counts the attempt; once the
	// attempt limit is reached the message is dead-lettered.
	ResultFailed Result = "FAILED"

	// ResultRetry releases the message without counting an attempt.
	ResultRetry Result = "RETRY"

	// ResultMoveToDeadLetter dead-letters the message immediately with the
	// handler-supplied reason.
	ResultMoveToDeadLetter Result = "MOVE_TO_DEAD_LETTER"
)

// HandlerResult is the outcome of one handler invocation.
type HandlerResult struct {
	Result Result
	// Reason is required for MoveToDeadLetter and optional otherwise.
	Reason string
}

// Success returns a successful handler result.
func Success() HandlerResult {
	return HandlerResult{Result: ResultSuccess}
}

// Failed returns a failed handler result with an optional reason.
func Failed(reason string) HandlerResult {
	return HandlerResult{Result: ResultFailed, Reason: reason}
}

// Retry returns a transient-retry handler result.
func Retry() HandlerResult {
	return HandlerResult{Result: ResultRetry}
}

// MoveToDeadLetter returns a terminal handler result.
func MoveToDeadLetter(reason string) HandlerResult {
	return HandlerResult{Result: ResultMoveToDeadLetter, Reason: reason}
}

// BatchResult is one entry of a batch handler's reply. Messages from the
// lease that have no matching entry default to Retry.
type BatchResult struct {
	ID     uuid.UUID
	Result Result
	Reason string
}

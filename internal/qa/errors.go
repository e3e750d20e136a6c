package qa

import (
	"errors"
	"fmt"
)

// ErrAlreadyTerminal matches TransitionErrors raised against an entity that
// has already reached a terminal state.
var ErrAlreadyTerminal = errors.New("entity already in terminal state")

// ErrQueueClosed is returned by queues after Close.
var ErrQueueClosed = errors.New("queue closed")

// ValidationError reports bad or missing client input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown identifier.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// SessionNotReadyError rejects questions against a session that is not ready.
type SessionNotReadyError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionNotReadyError) Error() string {
	return fmt.Sprintf("session %q not ready (status %s)", e.SessionID, e.Status)
}

// TransitionError reports a guarded update whose pre-state did not match.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	// Terminal is set when From is a terminal state.
	Terminal bool
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %q cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Is lets errors.Is(err, ErrAlreadyTerminal) match terminal conflicts.
func (e *TransitionError) Is(target error) bool {
	return target == ErrAlreadyTerminal && e.Terminal
}

// FetchError wraps a failed content retrieval.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// GenerationError wraps a failed call to the reasoning service.
type GenerationError struct {
	StatusCode int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("generate answer: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generate answer: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrSessionClosed is returned by any call made after the session has
	// been committed or rolled back.
	ErrSessionClosed = errors.New("session already closed")

	// ErrPollAlreadyEnded is returned when EndPoll is called twice for the
	// same poll.
	ErrPollAlreadyEnded = errors.New("poll already ended")

	// ErrTransientUpload marks an upload that kept failing with recoverable
	// errors until the retry budget ran out.
	ErrTransientUpload = errors.New("transient upload failure")
)

// NotFoundError reports a poll or request id that the session never handed
// out.
type NotFoundError struct {
	Kind string // "poll" or "request"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in session", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func pollNotFound(id PollID) error {
	return &NotFoundError{Kind: "poll", ID: string(id)}
}

func requestNotFound(id RequestID) error {
	return &NotFoundError{Kind: "request", ID: string(id)}
}

// PersistenceError wraps a failed database statement.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

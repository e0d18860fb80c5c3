package offlinecache

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrNamespaceCorrupt   = errors.New("namespace corrupt")
	ErrReplayRejected     = errors.New("replay rejected")
	ErrAlreadyApplied     = errors.New("operation already applied")
	ErrQueueFull          = errors.New("queue full")
	ErrNotImplemented     = errors.New("not implemented")
)

// NetworkError wraps a transport-level failure so callers can distinguish
// connectivity loss from a server-side rejection.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return "network unavailable"
	}
	return fmt.Sprintf("network unavailable during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkUnavailable
}

// RejectedError reports that the backend declined an operation for a reason
// other than duplication. Operations failing this way are never retried.
type RejectedError struct {
	OpID       string
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("operation %s rejected: %d %s: %s", e.OpID, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("operation %s rejected: %d: %s", e.OpID, e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrReplayRejected
}

// QuotaError carries the backend that ran out of budget. Surfaced distinctly
// so the UI can warn the user instead of silently losing data.
type QuotaError struct {
	Backend string
	Err     error
}

func (e *QuotaError) Error() string {
	if e.Backend == "" {
		return "storage quota exceeded"
	}
	return fmt.Sprintf("storage quota exceeded on %s backend", e.Backend)
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Logger is the narrow logging contract accepted by long-lived components.
type Logger interface {
	Printf(format string, args ...any)
}

package streaming

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrBusy           = errors.New("a reply is already streaming in this conversation")
	ErrQuotaExceeded  = errors.New("usage quota exceeded")
	ErrPersistence    = errors.New("persistence failure")
	ErrGeneration     = errors.New("generation failure")
	ErrNotFound       = errors.New("conversation not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrClosed         = errors.New("orchestrator closed")

	errRoomEmpty = errors.New("room has no members left")
)

// kindError tags an underlying error with one of the sentinel kinds above so
// errors.Is matches both the kind and the cause.
type kindError struct {
	kind  error
	cause error
	msg   string
}

func classify(kind error, cause error, msg string) error {
	return &kindError{kind: kind, cause: cause, msg: msg}
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.msg + ": " + e.kind.Error()
	}
	return e.msg + ": " + e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

// Code maps an error to the code sent to clients in error frames.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrGeneration), errors.Is(err, context.DeadlineExceeded):
		return "generation_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}

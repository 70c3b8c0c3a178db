package engine

import "errors"

// Kind categorises a Converse failure for the HTTP layer.
type Kind string

const (
	// KindRateLimited means the model provider refused the call for quota or
	// rate reasons.
	KindRateLimited Kind = "rate_limited"
	// KindUnavailable means the model provider could not be reached.
	KindUnavailable Kind = "upstream_unavailable"
	// KindUnknownSession means the session disappeared mid-request, e.g. it
	// was evicted between creation and append.
	KindUnknownSession Kind = "unknown_session"
	// KindInternal is every other failure.
	KindInternal Kind = "internal"
)

// Error is returned by Converse.
type Error struct {
	// Kind is the failure category.
	Kind Kind
	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

package hosting

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a hosting-provider failure.
type ErrorKind int

const (
	// KindTransient failures (rate limiting, 5xx, network) are retried.
	KindTransient ErrorKind = iota
	// KindPermanent failures (auth, missing resources, validation) are
	// surfaced to the user.
	KindPermanent
	// KindConflict is a merge that cannot be performed without conflicts.
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var (
	// ErrConflict matches any *Error of kind KindConflict.
	ErrConflict = errors.New("merge conflict")
	// ErrNotFound matches any permanent *Error with status 404.
	ErrNotFound = errors.New("not found")
)

// Error is returned by Provider implementations.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	// RetryAfter is the delay requested by the provider, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a permanent failure of op.
func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Conflict reports a merge conflict during op.
func Conflict(op string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, StatusCode: http.StatusConflict, Err: err}
}

// Classify maps an HTTP status code to an error kind. rateLimited marks a 403
// caused by an exhausted rate limit rather than missing permissions.
func Classify(statusCode int, rateLimited bool) ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindTransient
	case statusCode == http.StatusForbidden && rateLimited:
		return KindTransient
	case statusCode == http.StatusConflict:
		return KindConflict
	case statusCode >= 500:
		return KindTransient
	case statusCode == 0:
		// No response at all: network failure.
		return KindTransient
	default:
		return KindPermanent
	}
}

// IsTransient reports whether err is a transient hosting failure.
func IsTransient(err error) bool {
	var herr *Error
	return errors.As(err, &herr) && herr.Kind == KindTransient
}

// IsPermanent reports whether err is a permanent hosting failure.
func IsPermanent(err error) bool {
	var herr *Error
	return errors.As(err, &herr) && herr.Kind == KindPermanent
}

// IsConflict reports whether err is a merge conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// retryAfter extracts the provider-requested delay from err.
func retryAfter(err error) time.Duration {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.RetryAfter
	}
	return 0
}

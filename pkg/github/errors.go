package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/holon-run/mergequeue/pkg/hosting"
)

// RateLimitInfo is the rate limit state attached to an API error.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     int64
}

// APIError is a GitHub API error response.
type APIError struct {
	StatusCode int
	Message    string
	RateLimit  *RateLimitInfo
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GitHub API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("GitHub API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimitError reports whether err was caused by rate limiting.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden && apiErr.RateLimit != nil && apiErr.RateLimit.Remaining == 0
}

// IsNotFoundError reports whether err is a 404.
func IsNotFoundError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// wrapError converts a go-github error into a *hosting.Error.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		apiErr := &APIError{
			StatusCode: statusOf(rlErr.Response),
			Message:    rlErr.Message,
			RateLimit: &RateLimitInfo{
				Limit:     rlErr.Rate.Limit,
				Remaining: rlErr.Rate.Remaining,
				Reset:     rlErr.Rate.Reset.Unix(),
			},
		}
		return &hosting.Error{
			Kind:       hosting.KindTransient,
			Op:         op,
			StatusCode: apiErr.StatusCode,
			RetryAfter: time.Until(rlErr.Rate.Reset.Time),
			Err:        apiErr,
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		herr := &hosting.Error{
			Kind:       hosting.KindTransient,
			Op:         op,
			StatusCode: statusOf(abuseErr.Response),
			Err:        &APIError{StatusCode: statusOf(abuseErr.Response), Message: abuseErr.Message},
		}
		if abuseErr.RetryAfter != nil {
			herr.RetryAfter = *abuseErr.RetryAfter
		}
		return herr
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		status := statusOf(respErr.Response)
		apiErr := &APIError{StatusCode: status, Message: respErr.Message}
		rateLimited := false
		if respErr.Response != nil {
			if remaining := respErr.Response.Header.Get("X-RateLimit-Remaining"); remaining == "0" {
				rateLimited = true
				apiErr.RateLimit = &RateLimitInfo{Remaining: 0}
			}
		}
		herr := &hosting.Error{
			Kind:       hosting.Classify(status, rateLimited),
			Op:         op,
			StatusCode: status,
			Err:        apiErr,
		}
		if respErr.Response != nil {
			herr.RetryAfter = parseRetryAfter(respErr.Response.Header.Get("Retry-After"))
		}
		return herr
	}

	// No response: the request never completed.
	return hosting.Transient(op, err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// isAccepted reports whether err is go-github's marker for a 202 response.
func isAccepted(err error) bool {
	var accepted *github.AcceptedError
	return errors.As(err, &accepted)
}

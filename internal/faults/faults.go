// Package faults classifies provider errors as transient or permanent.
//
// Activity adapters wrap non-retryable failures (bad input, authorization,
// content policy) with Permanent; everything else is treated as transient and
// retried under the workflow's backoff policy.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf wraps a formatted non-retryable error.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Class returns the short taxonomy label used in run failure summaries.
func Class(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}

// FromHTTPStatus classifies an HTTP provider response: 4xx (except 408 and
// 429) is permanent, everything else stays transient.
func FromHTTPStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

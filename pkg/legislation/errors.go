// Package legislation provides a client for the legislation.gov.uk
// registry: resource metadata, extent, enabling acts, change feeds, and
// revocation status for one piece of legislation.
package legislation

import (
	"errors"
	"fmt"

	"github.com/shotleybuilder/sertantai-ingest/internal/resilience"
)

// ErrorKind classifies a registry fetch failure.
type ErrorKind string

const (
	// KindNotFound: the registry has no document under this key.
	KindNotFound ErrorKind = "not_found"
	// KindRateLimited: the registry asked us to back off.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTransient: network failure or 5xx; safe to retry.
	KindTransient ErrorKind = "transient"
	// KindMalformed: the response arrived but could not be parsed.
	KindMalformed ErrorKind = "malformed_response"
)

// Error is a typed registry failure. Kind drives caller behavior:
// not_found is trusted, rate_limited and transient are retried,
// malformed_response is surfaced as a stage failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("legislation: %s %s: %s", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("legislation: %s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind from a registry error chain. Errors that
// did not originate here report as transient when the resilience layer
// considers them retryable, else malformed_response.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if resilience.IsTransient(err) {
		return KindTransient
	}
	return KindMalformed
}

// IsNotFound reports whether the error chain is a not_found registry error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnavailable reports whether the registry could not be reached at all:
// rate limiting or transient failure that survived retries. Distinct from
// not_found, which is a definitive answer.
func IsUnavailable(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindTransient
}

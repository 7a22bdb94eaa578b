package types

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the operation error taxonomy. Adapters and the
// router wrap these so callers can classify failures with errors.Is.
var (
	// ErrNotFound is a valid miss, not a failure. It never triggers the
	// fallback adapter.
	ErrNotFound = errors.New("key not found")

	// ErrBackendUnavailable means an adapter call failed; the router retries
	// once against the configured fallback adapter.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPolicyViolation means the guard denied the operation.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrRateLimited means the guard denied due to the window threshold.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout means the backend call exceeded the caller deadline. For
	// fallback purposes it is treated the same as ErrBackendUnavailable.
	ErrTimeout = errors.New("backend timeout")

	// ErrCorrupt means a stored value failed to deserialize. It degrades to
	// a miss with a logged warning; it is never fatal.
	ErrCorrupt = errors.New("corrupt value")
)

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsRateLimited(err error) bool  { return errors.Is(err, ErrRateLimited) }
func IsPolicyDenied(err error) bool { return errors.Is(err, ErrPolicyViolation) }
func IsCorrupt(err error) bool      { return errors.Is(err, ErrCorrupt) }

// IsUnavailable reports whether the error counts as a backend failure for
// fallback purposes. Timeouts count; misses do not.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTimeout)
}

// RouteError carries both attempt failures when the primary and the fallback
// adapter both fail, so operators can distinguish "primary down" from
// "both down".
type RouteError struct {
	Class       StorageClass
	Operation   string
	Primary     string
	PrimaryErr  error
	Fallback    string
	FallbackErr error
}

func (e *RouteError) Error() string {
	if e.FallbackErr == nil {
		return fmt.Sprintf("%s %s: primary %s: %v", e.Class, e.Operation, e.Primary, e.PrimaryErr)
	}
	return fmt.Sprintf("%s %s: primary %s: %v; fallback %s: %v",
		e.Class, e.Operation, e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

// Unwrap exposes both causes to errors.Is / errors.As.
func (e *RouteError) Unwrap() []error {
	if e.FallbackErr == nil {
		return []error{e.PrimaryErr}
	}
	return []error{e.PrimaryErr, e.FallbackErr}
}

// PolicyError is returned when the guard denies an operation in error or
// block mode. It wraps ErrPolicyViolation or ErrRateLimited.
type PolicyError struct {
	Rule     string
	Severity Severity
	Reason   string
	cause    error
}

func NewPolicyError(rule, reason string, sev Severity, cause error) *PolicyError {
	return &PolicyError{Rule: rule, Reason: reason, Severity: sev, cause: cause}
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("guard denied (%s, severity=%s): %s", e.Rule, e.Severity, e.Reason)
}

func (e *PolicyError) Unwrap() error { return e.cause }

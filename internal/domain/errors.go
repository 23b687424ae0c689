package domain

import (
	"errors"
)

// Error taxonomy for the sync engine.  Callers wrap these sentinels with
// fmt.Errorf("...: %w", Err...) so the processor can classify failures
// without inspecting provider-specific details.
var (
	// ErrAuthentication means the credential is expired or invalid and
	// cannot be recovered without the user re-authorizing.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransientUpstream covers rate limits and provider 5xx responses.
	ErrTransientUpstream = errors.New("transient upstream failure")

	// ErrValidation covers bad signatures and malformed payloads.  These
	// are rejected at the boundary and never persisted or retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers unknown tenants, connections and resources.
	ErrNotFound = errors.New("not found")

	// ErrTerminalFailure marks an event that exhausted its retry budget.
	ErrTerminalFailure = errors.New("terminal failure")

	// ErrCrypto indicates ciphertext tampering or a key rotation
	// mismatch.  Fatal and non-retryable.
	ErrCrypto = errors.New("crypto failure")
)

// IsTerminal reports whether retrying could never succeed.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCrypto) ||
		errors.Is(err, ErrTerminalFailure)
}

// IsRetryable reports whether the retry processor should schedule another
// attempt for the error.  Unclassified errors (network timeouts and the
// like) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}

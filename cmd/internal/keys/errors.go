package keys

import "errors"

var (
	// ErrNotFound is returned when an identity or prekey does not exist (or was already consumed).
	ErrNotFound = errors.New("keys: not found")

	// ErrIdentityExists is returned when a user already has an identity.
	ErrIdentityExists = errors.New("keys: identity already exists")

	// ErrPrekeyExhausted is returned when no unclaimed one-time prekey is available,
	// or when a specific prekey was already claimed by another session build.
	ErrPrekeyExhausted = errors.New("keys: one-time prekeys exhausted")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("keys: invalid input")

	// ErrBadSignature is returned when a freshly signed prekey fails self-verification.
	ErrBadSignature = errors.New("keys: signed prekey signature does not verify")
)

package cryptosession

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature is returned when a bundle's signed prekey signature does not verify.
	ErrInvalidSignature = errors.New("cryptosession: invalid signed prekey signature")

	// ErrUntrustedIdentity is returned when a remote identity differs from the one on file.
	ErrUntrustedIdentity = errors.New("cryptosession: untrusted identity")

	// ErrNoSession is returned when encrypting or decrypting without an established session.
	ErrNoSession = errors.New("cryptosession: no session")

	// ErrOutOfOrder is returned for messages beyond the skip window or whose key is no longer retained.
	ErrOutOfOrder = errors.New("cryptosession: message out of order")

	// ErrDecryptionFailure is returned on authentication or ratchet mismatch. State is unchanged.
	ErrDecryptionFailure = errors.New("cryptosession: decryption failure")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("cryptosession: invalid input")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Msg must not include key material.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// UntrustedIdentityError carries the fingerprints of the known and presented identities.
type UntrustedIdentityError struct {
	RemoteUserID string
	Known        string
	Presented    string
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("%v: %s (known %s, presented %s)", ErrUntrustedIdentity, e.RemoteUserID, e.Known, e.Presented)
}

func (e *UntrustedIdentityError) Unwrap() error { return ErrUntrustedIdentity }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: "cryptosession." + op, Kind: kind, Msg: msg}
}

// Package sessions persists per-address session records and the trust-on-first-use
// identity table. Every record is scoped by the owning local user.
package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Load when no session exists for the address.
	ErrNotFound = errors.New("sessions: not found")

	// ErrInvalidAddress is returned for malformed addresses.
	ErrInvalidAddress = errors.New("sessions: invalid address")
)

// Address identifies one remote device.
type Address struct {
	UserID   string `json:"user_id"`
	DeviceID uint32 `json:"device_id"`
}

// String returns the "user.device" form.
func (a Address) String() string {
	return a.UserID + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// Validate checks the address is usable as a key.
func (a Address) Validate() error {
	if strings.TrimSpace(a.UserID) == "" || a.DeviceID == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, a.String())
	}
	return nil
}

// ParseAddress parses "user.device". The device id is the part after the last dot.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	dev, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	a := Address{UserID: s[:i], DeviceID: uint32(dev)}
	return a, a.Validate()
}

// Record is one stored session.
type Record struct {
	Owner   string
	Address Address

	// State is the encoded ratchet state. Opaque to this package.
	State []byte
	// Pending is the encoded prekey header an initiator attaches until the peer replies.
	Pending []byte
	// RemoteIdentity is the remote identity public key the session was built with.
	RemoteIdentity []byte
	// BaseKey is the initiator ephemeral key that created the session.
	BaseKey []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.State = bytes.Clone(r.State)
	r.Pending = bytes.Clone(r.Pending)
	r.RemoteIdentity = bytes.Clone(r.RemoteIdentity)
	r.BaseKey = bytes.Clone(r.BaseKey)
	return r
}

// Store persists session records and trusted identities.
type Store interface {
	Load(ctx context.Context, owner string, addr Address) (Record, error)
	Store(ctx context.Context, rec Record) error
	Delete(ctx context.Context, owner string, addr Address) error
	// DeleteAll removes every session of remoteUserID and returns how many were removed.
	DeleteAll(ctx context.Context, owner, remoteUserID string) (int, error)
	// Devices lists the device ids of remoteUserID with a session, ascending.
	Devices(ctx context.Context, owner, remoteUserID string) ([]uint32, error)

	// IsTrusted is true when no identity is on file or the stored one equals key.
	IsTrusted(ctx context.Context, owner, remoteUserID string, key []byte) (bool, error)
	// RecordIdentity stores key and reports whether a different key was on file.
	RecordIdentity(ctx context.Context, owner, remoteUserID string, key []byte) (bool, error)
	// Identity returns the stored identity, or ErrNotFound.
	Identity(ctx context.Context, owner, remoteUserID string) ([]byte, error)
}

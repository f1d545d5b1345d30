package keys

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultDeviceID is the device id assigned at onboarding.
const DefaultDeviceID uint32 = 1

// PublicKey is an X25519 public key.
type PublicKey [32]byte

// Slice returns the key as a []byte.
func (k PublicKey) Slice() []byte { return k[:] }

// IsZero reports whether k is all zeroes.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// MarshalText encodes the key as standard base64.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

// UnmarshalText decodes a standard base64 key.
func (k *PublicKey) UnmarshalText(b []byte) error {
	return decodeFixed(k[:], b)
}

// PrivateKey is an X25519 private key.
type PrivateKey [32]byte

// Slice returns the key as a []byte.
func (k PrivateKey) Slice() []byte { return k[:] }

// SigningPublicKey is an Ed25519 public key.
type SigningPublicKey [ed25519.PublicKeySize]byte

// MarshalText encodes the key as standard base64.
func (k SigningPublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

// UnmarshalText decodes a standard base64 key.
func (k *SigningPublicKey) UnmarshalText(b []byte) error {
	return decodeFixed(k[:], b)
}

// SigningPrivateKey is an Ed25519 private key (seed || public).
type SigningPrivateKey [ed25519.PrivateKeySize]byte

func decodeFixed(dst []byte, text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: key length %d, want %d", ErrInvalidInput, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

// IdentityPublic is the public half of an identity: the DH key used in X3DH and
// the signing key that signs prekeys. Together they are the user's Identity Key.
type IdentityPublic struct {
	DH      PublicKey        `json:"dh" cbor:"1,keyasint"`
	Signing SigningPublicKey `json:"signing" cbor:"2,keyasint"`
}

// IdentityPublicSize is the length of IdentityPublic.Bytes.
const IdentityPublicSize = 32 + ed25519.PublicKeySize

// Bytes returns DH || Signing.
func (p IdentityPublic) Bytes() []byte {
	out := make([]byte, 0, IdentityPublicSize)
	out = append(out, p.DH[:]...)
	return append(out, p.Signing[:]...)
}

// Equal compares two identities in constant time.
func (p IdentityPublic) Equal(o IdentityPublic) bool {
	return subtle.ConstantTimeCompare(p.Bytes(), o.Bytes()) == 1
}

// Fingerprint returns a short display fingerprint of the identity.
func (p IdentityPublic) Fingerprint() string { return Fingerprint(p.Bytes()) }

// ParseIdentityPublic is the inverse of IdentityPublic.Bytes.
func ParseIdentityPublic(b []byte) (IdentityPublic, error) {
	var p IdentityPublic
	if len(b) != IdentityPublicSize {
		return p, fmt.Errorf("%w: identity length %d", ErrInvalidInput, len(b))
	}
	copy(p.DH[:], b[:32])
	copy(p.Signing[:], b[32:])
	return p, nil
}

// Identity is a user's long-term key material.
type Identity struct {
	UserID         string
	DeviceID       uint32
	RegistrationID uint32

	DHPublic       PublicKey
	DHPrivate      PrivateKey
	SigningPublic  SigningPublicKey
	SigningPrivate SigningPrivateKey

	CreatedAt time.Time
}

// Public returns the shareable half of the identity.
func (id Identity) Public() IdentityPublic {
	return IdentityPublic{DH: id.DHPublic, Signing: id.SigningPublic}
}

// OneTimePrekey is a stored one-time prekey pair.
type OneTimePrekey struct {
	ID        uint32
	Public    PublicKey
	Private   PrivateKey
	ClaimedAt *time.Time
	CreatedAt time.Time
}

// SignedPrekey is a stored signed prekey pair.
type SignedPrekey struct {
	ID        uint32
	Public    PublicKey
	Private   PrivateKey
	Signature []byte
	Current   bool
	CreatedAt time.Time
	RetiredAt *time.Time
}

// PrekeyPublic is the public half of a one-time prekey.
type PrekeyPublic struct {
	ID  uint32    `json:"id"`
	Key PublicKey `json:"key"`
}

// SignedPrekeyPublic is the public half of a signed prekey plus its signature.
type SignedPrekeyPublic struct {
	ID        uint32    `json:"id"`
	Key       PublicKey `json:"key"`
	Signature []byte    `json:"signature"`
}

// Bundle is the public prekey bundle a peer uses to start a session without an
// interactive handshake.
type Bundle struct {
	UserID         string             `json:"user_id"`
	DeviceID       uint32             `json:"device_id"`
	RegistrationID uint32             `json:"registration_id"`
	Identity       IdentityPublic     `json:"identity"`
	SignedPrekey   SignedPrekeyPublic `json:"signed_prekey"`
	OneTimePrekey  *PrekeyPublic      `json:"one_time_prekey,omitempty"`
}

// VerifySignature checks the signed prekey signature against the bundle identity.
func (b Bundle) VerifySignature() bool {
	return Verify(b.Identity.Signing, b.SignedPrekey.Key[:], b.SignedPrekey.Signature)
}

package cryptosession

import (
	"fmt"

	"sigma/cmd/internal/keys"
)

// MessageKind distinguishes session-establishing ciphertexts from regular ones.
type MessageKind uint8

const (
	// KindWhisper is a ciphertext on an established session.
	KindWhisper MessageKind = 1
	// KindPrekey carries the X3DH header the responder needs to build its session.
	KindPrekey MessageKind = 3
)

func (k MessageKind) String() string {
	switch k {
	case KindWhisper:
		return "whisper"
	case KindPrekey:
		return "prekey"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const wireVersion = 1

// PrekeyHeader is the initiator's X3DH contribution.
type PrekeyHeader struct {
	RegistrationID  uint32              `cbor:"1,keyasint"`
	DeviceID        uint32              `cbor:"2,keyasint"`
	Identity        keys.IdentityPublic `cbor:"3,keyasint"`
	BaseKey         keys.PublicKey      `cbor:"4,keyasint"`
	SignedPrekeyID  uint32              `cbor:"5,keyasint"`
	OneTimePrekeyID *uint32             `cbor:"6,keyasint,omitempty"`
}

// Header is the Double Ratchet message header.
type Header struct {
	DH keys.PublicKey `cbor:"1,keyasint"`
	PN uint32         `cbor:"2,keyasint"`
	N  uint32         `cbor:"3,keyasint"`
}

// Ciphertext is an encrypted payload addressed to one remote device.
type Ciphertext struct {
	Version uint8         `cbor:"1,keyasint"`
	Kind    MessageKind   `cbor:"2,keyasint"`
	Prekey  *PrekeyHeader `cbor:"3,keyasint,omitempty"`
	Header  Header        `cbor:"4,keyasint"`
	Body    []byte        `cbor:"5,keyasint"`
}

// Marshal encodes c deterministically.
func (c Ciphertext) Marshal() ([]byte, error) {
	if c.Version == 0 {
		c.Version = wireVersion
	}
	return encMode.Marshal(c)
}

// ParseCiphertext decodes and validates a wire ciphertext.
func ParseCiphertext(b []byte) (Ciphertext, error) {
	var c Ciphertext
	if err := decMode.Unmarshal(b, &c); err != nil {
		return Ciphertext{}, opErr("ParseCiphertext", ErrInvalidInput, err.Error())
	}
	if c.Version != wireVersion {
		return Ciphertext{}, opErr("ParseCiphertext", ErrInvalidInput, fmt.Sprintf("unsupported version %d", c.Version))
	}
	switch c.Kind {
	case KindWhisper:
	case KindPrekey:
		if c.Prekey == nil {
			return Ciphertext{}, opErr("ParseCiphertext", ErrInvalidInput, "prekey message without header")
		}
	default:
		return Ciphertext{}, opErr("ParseCiphertext", ErrInvalidInput, "unknown kind "+c.Kind.String())
	}
	if len(c.Body) == 0 {
		return Ciphertext{}, opErr("ParseCiphertext", ErrInvalidInput, "empty body")
	}
	return c, nil
}

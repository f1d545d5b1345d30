package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

// maxRegistrationID mirrors the 14-bit registration id space used by Signal clients.
const maxRegistrationID = 16380

// GenerateX25519 returns a fresh clamped Curve25519 key pair.
func GenerateX25519(r io.Reader) (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	var pub PublicKey
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return priv, pub, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pb, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pb)
	return priv, pub, nil
}

// GenerateSigning returns a fresh Ed25519 key pair.
func GenerateSigning(r io.Reader) (SigningPrivateKey, SigningPublicKey, error) {
	var priv SigningPrivateKey
	var pub SigningPublicKey
	if r == nil {
		r = rand.Reader
	}
	pk, sk, err := ed25519.GenerateKey(r)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// Sign signs msg with priv.
func Sign(priv SigningPrivateKey, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// Verify verifies sig over msg with pub.
func Verify(pub SigningPublicKey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Fingerprint returns a short hex fingerprint (BLAKE3, 10 bytes) of a public key.
func Fingerprint(pub []byte) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func newRegistrationID(r io.Reader) (uint32, error) {
	if r == nil {
		r = rand.Reader
	}
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}

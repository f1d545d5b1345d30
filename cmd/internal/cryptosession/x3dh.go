package cryptosession

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"sigma/cmd/internal/keys"
)

var x3dhInfo = []byte("sigma-x3dh-v1")

type dhPair struct {
	priv keys.PrivateKey
	pub  keys.PublicKey
}

// initiatorSecret derives SK for the session initiator:
//
//	DH1 = DH(IKa, SPKb)  DH2 = DH(EKa, IKb)  DH3 = DH(EKa, SPKb)  DH4 = DH(EKa, OPKb)
func initiatorSecret(
	ourIdentity keys.PrivateKey,
	ourEphemeral keys.PrivateKey,
	peerIdentity keys.PublicKey,
	peerSignedPrekey keys.PublicKey,
	peerOneTimePrekey *keys.PublicKey,
) ([]byte, error) {
	pairs := []dhPair{
		{ourIdentity, peerSignedPrekey},
		{ourEphemeral, peerIdentity},
		{ourEphemeral, peerSignedPrekey},
	}
	if peerOneTimePrekey != nil {
		pairs = append(pairs, dhPair{ourEphemeral, *peerOneTimePrekey})
	}
	return deriveSecret(pairs)
}

// responderSecret mirrors initiatorSecret from the receiving side.
func responderSecret(
	ourIdentity keys.PrivateKey,
	ourSignedPrekey keys.PrivateKey,
	ourOneTimePrekey *keys.PrivateKey,
	peerIdentity keys.PublicKey,
	peerEphemeral keys.PublicKey,
) ([]byte, error) {
	pairs := []dhPair{
		{ourSignedPrekey, peerIdentity},
		{ourIdentity, peerEphemeral},
		{ourSignedPrekey, peerEphemeral},
	}
	if ourOneTimePrekey != nil {
		pairs = append(pairs, dhPair{*ourOneTimePrekey, peerEphemeral})
	}
	return deriveSecret(pairs)
}

func deriveSecret(pairs []dhPair) ([]byte, error) {
	km := make([]byte, 0, 32*len(pairs))
	defer func() { wipe(km) }()
	for _, p := range pairs {
		out, err := dh(p.priv, p.pub)
		if err != nil {
			return nil, err
		}
		km = append(km, out[:]...)
	}
	return kdfX3DH(km), nil
}

// kdfX3DH is HKDF-SHA256 over F || KM with F = 32 0xFF bytes and a zero salt.
func kdfX3DH(km []byte) []byte {
	ikm := make([]byte, 32, 32+len(km))
	for i := range ikm {
		ikm[i] = 0xFF
	}
	ikm = append(ikm, km...)
	defer wipe(ikm)

	r := hkdf.New(sha256.New, ikm, make([]byte, sha256.Size), x3dhInfo)
	sk := make([]byte, 32)
	_, _ = io.ReadFull(r, sk)
	return sk
}

// dh rejects low-order points (all-zero output) via curve25519.X25519.
func dh(priv keys.PrivateKey, pub keys.PublicKey) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, opErr("dh", ErrInvalidInput, "low-order public key")
	}
	copy(out[:], res)
	return out, nil
}

// associatedData binds both identities: AD = IKa || IKb.
func associatedData(initiator, responder keys.IdentityPublic) []byte {
	ad := make([]byte, 0, 2*keys.IdentityPublicSize)
	ad = append(ad, initiator.Bytes()...)
	return append(ad, responder.Bytes()...)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

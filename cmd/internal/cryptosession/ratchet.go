package cryptosession

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"sigma/cmd/internal/keys"
)

const (
	// MaxSkip is the largest gap tolerated within one receiving chain.
	MaxSkip = 32

	// MaxSkippedKeys bounds the retained skipped message keys per session; the oldest are evicted.
	MaxSkippedKeys = 128

	// maxPrevRemotes bounds the remembered earlier remote ratchet keys.
	maxPrevRemotes = 8
)

var ratchetInfo = []byte("sigma-ratchet-v1")

type skippedKey struct {
	DH  keys.PublicKey `cbor:"1,keyasint"`
	N   uint32         `cbor:"2,keyasint"`
	Key []byte         `cbor:"3,keyasint"`
}

// ratchetState is the Double Ratchet state of one session. It is persisted as CBOR.
type ratchetState struct {
	RootKey   []byte          `cbor:"1,keyasint"`
	SelfPriv  keys.PrivateKey `cbor:"2,keyasint"`
	SelfPub   keys.PublicKey  `cbor:"3,keyasint"`
	Remote    keys.PublicKey  `cbor:"4,keyasint"`
	SendChain []byte          `cbor:"5,keyasint,omitempty"`
	RecvChain []byte          `cbor:"6,keyasint,omitempty"`
	Ns        uint32          `cbor:"7,keyasint"`
	Nr        uint32          `cbor:"8,keyasint"`
	PN        uint32          `cbor:"9,keyasint"`
	Skipped   []skippedKey    `cbor:"10,keyasint,omitempty"`
	AD        []byte          `cbor:"11,keyasint"`

	// PrevRemotes are earlier remote ratchet keys, oldest first.
	PrevRemotes []keys.PublicKey `cbor:"12,keyasint,omitempty"`
}

func (st *ratchetState) marshal() ([]byte, error) { return encMode.Marshal(st) }

func unmarshalState(b []byte) (*ratchetState, error) {
	var st ratchetState
	if err := decMode.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode ratchet state: %w", err)
	}
	return &st, nil
}

// newInitiatorState seeds the sending chain from SK against the peer's signed prekey.
func newInitiatorState(sk []byte, peerSignedPrekey keys.PublicKey, ad []byte, rnd io.Reader) (*ratchetState, error) {
	priv, pub, err := keys.GenerateX25519(rnd)
	if err != nil {
		return nil, err
	}
	shared, err := dh(priv, peerSignedPrekey)
	if err != nil {
		return nil, err
	}
	rk, ck := kdfRoot(sk, shared[:])
	return &ratchetState{
		RootKey:   rk,
		SelfPriv:  priv,
		SelfPub:   pub,
		Remote:    peerSignedPrekey,
		SendChain: ck,
		AD:        ad,
	}, nil
}

// newResponderState uses the signed prekey as the first ratchet key; the
// receiving chain is derived when the first message arrives.
func newResponderState(sk []byte, spkPriv keys.PrivateKey, spkPub keys.PublicKey, ad []byte) *ratchetState {
	return &ratchetState{
		RootKey:  bytes.Clone(sk),
		SelfPriv: spkPriv,
		SelfPub:  spkPub,
		AD:       ad,
	}
}

func (st *ratchetState) encrypt(plaintext []byte) (Header, []byte, error) {
	if len(st.SendChain) == 0 {
		return Header{}, nil, opErr("encrypt", ErrNoSession, "sending chain not established")
	}
	next, mk := kdfChain(st.SendChain)
	h := Header{DH: st.SelfPub, PN: st.PN, N: st.Ns}
	body, err := seal(mk, h, st.AD, plaintext)
	wipe(mk)
	if err != nil {
		return Header{}, nil, err
	}
	st.SendChain = next
	st.Ns++
	return h, body, nil
}

// decrypt mutates st. Callers work on a copy and persist it only on success.
func (st *ratchetState) decrypt(h Header, body []byte, rnd io.Reader) ([]byte, error) {
	if pt, ok, err := st.trySkipped(h, body); ok || err != nil {
		return pt, err
	}

	if h.DH != st.Remote {
		if st.seenRemote(h.DH) {
			return nil, opErr("decrypt", ErrOutOfOrder, fmt.Sprintf("message %d of a finished chain already processed or key evicted", h.N))
		}
		if len(st.RecvChain) > 0 {
			if err := st.skipTo(h.PN); err != nil {
				return nil, err
			}
		}
		if err := st.step(h.DH, rnd); err != nil {
			return nil, err
		}
	}

	if h.N < st.Nr {
		return nil, opErr("decrypt", ErrOutOfOrder, fmt.Sprintf("message %d already processed or key evicted", h.N))
	}
	if err := st.skipTo(h.N); err != nil {
		return nil, err
	}

	next, mk := kdfChain(st.RecvChain)
	pt, err := open(mk, h, st.AD, body)
	wipe(mk)
	if err != nil {
		return nil, opErr("decrypt", ErrDecryptionFailure, "authentication failed")
	}
	st.RecvChain = next
	st.Nr++
	return pt, nil
}

func (st *ratchetState) trySkipped(h Header, body []byte) ([]byte, bool, error) {
	for i, sk := range st.Skipped {
		if sk.DH != h.DH || sk.N != h.N {
			continue
		}
		pt, err := open(sk.Key, h, st.AD, body)
		if err != nil {
			return nil, true, opErr("decrypt", ErrDecryptionFailure, "authentication failed")
		}
		st.Skipped = append(st.Skipped[:i:i], st.Skipped[i+1:]...)
		return pt, true, nil
	}
	return nil, false, nil
}

// skipTo stores message keys for [Nr, until) of the current receiving chain.
func (st *ratchetState) skipTo(until uint32) error {
	if until <= st.Nr {
		return nil
	}
	if until-st.Nr > MaxSkip {
		return opErr("decrypt", ErrOutOfOrder, fmt.Sprintf("gap of %d exceeds window %d", until-st.Nr, MaxSkip))
	}
	if len(st.RecvChain) == 0 {
		return opErr("decrypt", ErrDecryptionFailure, "receiving chain not established")
	}
	for st.Nr < until {
		next, mk := kdfChain(st.RecvChain)
		st.RecvChain = next
		st.Skipped = append(st.Skipped, skippedKey{DH: st.Remote, N: st.Nr, Key: mk})
		if over := len(st.Skipped) - MaxSkippedKeys; over > 0 {
			for _, old := range st.Skipped[:over] {
				wipe(old.Key)
			}
			st.Skipped = append([]skippedKey(nil), st.Skipped[over:]...)
		}
		st.Nr++
	}
	return nil
}

func (st *ratchetState) seenRemote(k keys.PublicKey) bool {
	for _, prev := range st.PrevRemotes {
		if prev == k {
			return true
		}
	}
	return false
}

// step performs a DH ratchet step on a new remote ratchet key.
func (st *ratchetState) step(remote keys.PublicKey, rnd io.Reader) error {
	if st.Remote != (keys.PublicKey{}) {
		st.PrevRemotes = append(st.PrevRemotes, st.Remote)
		if over := len(st.PrevRemotes) - maxPrevRemotes; over > 0 {
			st.PrevRemotes = append([]keys.PublicKey(nil), st.PrevRemotes[over:]...)
		}
	}
	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.Remote = remote

	shared, err := dh(st.SelfPriv, remote)
	if err != nil {
		return err
	}
	st.RootKey, st.RecvChain = kdfRoot(st.RootKey, shared[:])

	priv, pub, err := keys.GenerateX25519(rnd)
	if err != nil {
		return err
	}
	st.SelfPriv, st.SelfPub = priv, pub

	shared, err = dh(st.SelfPriv, remote)
	if err != nil {
		return err
	}
	st.RootKey, st.SendChain = kdfRoot(st.RootKey, shared[:])
	return nil
}

func kdfRoot(rk, dhOut []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dhOut, rk, ratchetInfo)
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return newRK, ck
}

// kdfChain follows the Signal chain KDF: MK = HMAC(CK, 0x01), CK' = HMAC(CK, 0x02).
func kdfChain(ck []byte) (next, mk []byte) {
	m := hmac.New(sha256.New, ck)
	m.Write([]byte{0x01})
	mk = m.Sum(nil)

	m = hmac.New(sha256.New, ck)
	m.Write([]byte{0x02})
	next = m.Sum(nil)
	return next, mk
}

func seal(mk []byte, h Header, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(h), plaintext, headerAD(ad, h)), nil
}

func open(mk []byte, h Header, ad, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonceFor(h), body, headerAD(ad, h))
}

func nonceFor(h Header) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], h.N)
	return nonce
}

func headerAD(ad []byte, h Header) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, h.DH[:]...)
	out = binary.BigEndian.AppendUint32(out, h.PN)
	return binary.BigEndian.AppendUint32(out, h.N)
}

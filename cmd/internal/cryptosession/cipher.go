package cryptosession

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/sessions"
)

// KeyService is the subset of keys.Service the Cipher needs.
type KeyService interface {
	Identity(ctx context.Context, userID string) (keys.Identity, error)
	SignedPrekey(ctx context.Context, userID string, id uint32) (keys.SignedPrekey, error)
	LoadPrekey(ctx context.Context, userID string, id uint32) (keys.OneTimePrekey, error)
	ConsumePrekey(ctx context.Context, userID string, id uint32) (keys.OneTimePrekey, error)
	ClaimPrekey(ctx context.Context, userID string, id uint32) error
}

// Cipher encrypts and decrypts on behalf of local users.
type Cipher struct {
	keys     KeyService
	sessions sessions.Store
	log      *slog.Logger
	rand     io.Reader
	locks    *keyedMutex
}

// CipherOption configures a Cipher.
type CipherOption func(*Cipher)

// WithRandom overrides the entropy source (tests).
func WithRandom(r io.Reader) CipherOption {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

func NewCipher(ks KeyService, store sessions.Store, log *slog.Logger, opts ...CipherOption) *Cipher {
	if log == nil {
		log = slog.Default()
	}
	c := &Cipher{
		keys:     ks,
		sessions: store,
		log:      log,
		rand:     rand.Reader,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Cipher) lock(owner string, addr sessions.Address) func() {
	return c.locks.Lock(owner + "|" + addr.String())
}

// BuildSession creates an initiator session with addr from its public bundle.
func (c *Cipher) BuildSession(ctx context.Context, owner string, addr sessions.Address, bundle keys.Bundle) error {
	if err := addr.Validate(); err != nil {
		return opErr("BuildSession", ErrInvalidInput, err.Error())
	}
	if bundle.UserID != addr.UserID || bundle.DeviceID != addr.DeviceID {
		return opErr("BuildSession", ErrInvalidInput, "bundle does not belong to "+addr.String())
	}
	if !bundle.VerifySignature() {
		return ErrInvalidSignature
	}

	unlock := c.lock(owner, addr)
	defer unlock()

	if err := c.checkTrust(ctx, owner, addr.UserID, bundle.Identity); err != nil {
		return err
	}

	own, err := c.keys.Identity(ctx, owner)
	if err != nil {
		return fmt.Errorf("load own identity: %w", err)
	}

	var opk *keys.PublicKey
	var opkID *uint32
	if bundle.OneTimePrekey != nil {
		// A hosted remote must hand this prekey to exactly one builder.
		err := c.keys.ClaimPrekey(ctx, addr.UserID, bundle.OneTimePrekey.ID)
		switch {
		case err == nil, errors.Is(err, keys.ErrNotFound):
		default:
			return err
		}
		k := bundle.OneTimePrekey.Key
		id := bundle.OneTimePrekey.ID
		opk, opkID = &k, &id
	}

	ephPriv, ephPub, err := keys.GenerateX25519(c.rand)
	if err != nil {
		return err
	}
	sk, err := initiatorSecret(own.DHPrivate, ephPriv, bundle.Identity.DH, bundle.SignedPrekey.Key, opk)
	if err != nil {
		return err
	}
	defer wipe(sk)

	st, err := newInitiatorState(sk, bundle.SignedPrekey.Key, associatedData(own.Public(), bundle.Identity), c.rand)
	if err != nil {
		return err
	}
	stateBytes, err := st.marshal()
	if err != nil {
		return err
	}
	pending, err := encMode.Marshal(PrekeyHeader{
		RegistrationID:  own.RegistrationID,
		DeviceID:        own.DeviceID,
		Identity:        own.Public(),
		BaseKey:         ephPub,
		SignedPrekeyID:  bundle.SignedPrekey.ID,
		OneTimePrekeyID: opkID,
	})
	if err != nil {
		return err
	}

	if err := c.sessions.Store(ctx, sessions.Record{
		Owner:          owner,
		Address:        addr,
		State:          stateBytes,
		Pending:        pending,
		RemoteIdentity: bundle.Identity.Bytes(),
		BaseKey:        bytes.Clone(ephPub[:]),
	}); err != nil {
		return err
	}
	c.recordIdentity(ctx, owner, addr.UserID, bundle.Identity)

	c.log.Info("crypto.session.built",
		"owner", owner,
		"remote", addr.String(),
		"one_time_prekey", opkID != nil,
	)
	return nil
}

// Encrypt encrypts plaintext for addr. Until the peer replies, the ciphertext
// carries the prekey header so the peer can build its side.
func (c *Cipher) Encrypt(ctx context.Context, owner string, addr sessions.Address, plaintext []byte) (Ciphertext, error) {
	unlock := c.lock(owner, addr)
	defer unlock()

	rec, err := c.sessions.Load(ctx, owner, addr)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return Ciphertext{}, fmt.Errorf("%w: %s", ErrNoSession, addr)
		}
		return Ciphertext{}, err
	}
	st, err := unmarshalState(rec.State)
	if err != nil {
		return Ciphertext{}, err
	}

	h, body, err := st.encrypt(plaintext)
	if err != nil {
		return Ciphertext{}, err
	}

	out := Ciphertext{Version: wireVersion, Kind: KindWhisper, Header: h, Body: body}
	if len(rec.Pending) > 0 {
		var ph PrekeyHeader
		if err := decMode.Unmarshal(rec.Pending, &ph); err != nil {
			return Ciphertext{}, fmt.Errorf("decode pending header: %w", err)
		}
		out.Kind = KindPrekey
		out.Prekey = &ph
	}

	if rec.State, err = st.marshal(); err != nil {
		return Ciphertext{}, err
	}
	if err := c.sessions.Store(ctx, rec); err != nil {
		return Ciphertext{}, err
	}
	return out, nil
}

// Decrypt decrypts ct from addr and saves the advanced session. A prekey
// ciphertext builds the responder session when none exists for its base key.
func (c *Cipher) Decrypt(ctx context.Context, owner string, addr sessions.Address, ct Ciphertext) ([]byte, error) {
	o, err := c.Open(ctx, owner, addr, ct)
	if err != nil {
		return nil, err
	}
	if err := o.Commit(ctx); err != nil {
		return nil, err
	}
	return o.Plaintext, nil
}

// Opened is a decrypted message whose session update has not been saved.
// The session with the sender stays locked until Commit or Discard.
type Opened struct {
	Plaintext []byte

	commit func(context.Context) error
	unlock func()
}

// Commit saves the advanced session and releases it.
func (o *Opened) Commit(ctx context.Context) error {
	if o.unlock == nil {
		return errors.New("cryptosession: opened message already released")
	}
	defer o.release()
	return o.commit(ctx)
}

// Discard releases the session unchanged, so the message decrypts again
// later. It is a no-op after Commit.
func (o *Opened) Discard() { o.release() }

func (o *Opened) release() {
	if o.unlock != nil {
		o.unlock()
		o.unlock = nil
	}
}

// Open decrypts ct from addr without saving anything. The caller must
// Commit once the plaintext is safely stored, or Discard it.
func (c *Cipher) Open(ctx context.Context, owner string, addr sessions.Address, ct Ciphertext) (*Opened, error) {
	if err := addr.Validate(); err != nil {
		return nil, opErr("Decrypt", ErrInvalidInput, err.Error())
	}

	unlock := c.lock(owner, addr)
	pt, commit, err := c.open(ctx, owner, addr, ct)
	if err != nil {
		unlock()
		return nil, err
	}
	return &Opened{Plaintext: pt, commit: commit, unlock: unlock}, nil
}

type commitFunc = func(context.Context) error

func (c *Cipher) open(ctx context.Context, owner string, addr sessions.Address, ct Ciphertext) ([]byte, commitFunc, error) {
	rec, err := c.sessions.Load(ctx, owner, addr)
	hasSession := err == nil
	if err != nil && !errors.Is(err, sessions.ErrNotFound) {
		return nil, nil, err
	}

	switch ct.Kind {
	case KindPrekey:
		if ct.Prekey == nil {
			return nil, nil, opErr("Decrypt", ErrInvalidInput, "prekey message without header")
		}
		if hasSession && bytes.Equal(rec.BaseKey, ct.Prekey.BaseKey[:]) {
			return c.decryptExisting(rec, ct)
		}
		return c.decryptPrekey(ctx, owner, addr, ct)
	case KindWhisper:
		if !hasSession {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoSession, addr)
		}
		return c.decryptExisting(rec, ct)
	default:
		return nil, nil, opErr("Decrypt", ErrInvalidInput, "unknown kind "+ct.Kind.String())
	}
}

func (c *Cipher) decryptExisting(rec sessions.Record, ct Ciphertext) ([]byte, commitFunc, error) {
	st, err := unmarshalState(rec.State)
	if err != nil {
		return nil, nil, err
	}
	pt, err := st.decrypt(ct.Header, ct.Body, c.rand)
	if err != nil {
		return nil, nil, err
	}
	if rec.State, err = st.marshal(); err != nil {
		return nil, nil, err
	}
	// Any authenticated whisper from the peer proves it built its side.
	if ct.Kind == KindWhisper {
		rec.Pending = nil
	}
	return pt, func(ctx context.Context) error {
		return c.sessions.Store(ctx, rec)
	}, nil
}

func (c *Cipher) decryptPrekey(ctx context.Context, owner string, addr sessions.Address, ct Ciphertext) ([]byte, commitFunc, error) {
	h := ct.Prekey
	if h.DeviceID != 0 && h.DeviceID != addr.DeviceID {
		return nil, nil, opErr("Decrypt", ErrInvalidInput, "prekey header device mismatch")
	}
	if err := c.checkTrust(ctx, owner, addr.UserID, h.Identity); err != nil {
		return nil, nil, err
	}

	own, err := c.keys.Identity(ctx, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("load own identity: %w", err)
	}
	spk, err := c.keys.SignedPrekey(ctx, owner, h.SignedPrekeyID)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			return nil, nil, opErr("Decrypt", ErrDecryptionFailure, "unknown signed prekey")
		}
		return nil, nil, err
	}

	var opkPriv *keys.PrivateKey
	if h.OneTimePrekeyID != nil {
		opk, err := c.keys.LoadPrekey(ctx, owner, *h.OneTimePrekeyID)
		if err != nil {
			if errors.Is(err, keys.ErrNotFound) {
				return nil, nil, opErr("Decrypt", ErrDecryptionFailure, "one-time prekey already used")
			}
			return nil, nil, err
		}
		opkPriv = &opk.Private
	}

	sk, err := responderSecret(own.DHPrivate, spk.Private, opkPriv, h.Identity.DH, h.BaseKey)
	if err != nil {
		return nil, nil, err
	}
	defer wipe(sk)

	st := newResponderState(sk, spk.Private, spk.Public, associatedData(h.Identity, own.Public()))
	pt, err := st.decrypt(ct.Header, ct.Body, c.rand)
	if err != nil {
		return nil, nil, err
	}
	stateBytes, err := st.marshal()
	if err != nil {
		return nil, nil, err
	}

	commit := func(ctx context.Context) error {
		// Only an authenticated, stored message may burn the one-time prekey.
		if h.OneTimePrekeyID != nil {
			if _, err := c.keys.ConsumePrekey(ctx, owner, *h.OneTimePrekeyID); err != nil {
				if errors.Is(err, keys.ErrNotFound) {
					return opErr("Decrypt", ErrDecryptionFailure, "one-time prekey already used")
				}
				return err
			}
		}
		if err := c.sessions.Store(ctx, sessions.Record{
			Owner:          owner,
			Address:        addr,
			State:          stateBytes,
			RemoteIdentity: h.Identity.Bytes(),
			BaseKey:        bytes.Clone(h.BaseKey[:]),
		}); err != nil {
			return err
		}
		c.recordIdentity(ctx, owner, addr.UserID, h.Identity)

		c.log.Info("crypto.session.accepted",
			"owner", owner,
			"remote", addr.String(),
			"registration_id", h.RegistrationID,
		)
		return nil
	}
	return pt, commit, nil
}

func (c *Cipher) checkTrust(ctx context.Context, owner, remoteUserID string, presented keys.IdentityPublic) error {
	ok, err := c.sessions.IsTrusted(ctx, owner, remoteUserID, presented.Bytes())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	known := ""
	if raw, err := c.sessions.Identity(ctx, owner, remoteUserID); err == nil {
		known = keys.Fingerprint(raw)
	}
	c.log.Warn("crypto.identity.untrusted",
		"owner", owner,
		"remote_user_id", remoteUserID,
		"known", known,
		"presented", presented.Fingerprint(),
	)
	return &UntrustedIdentityError{
		RemoteUserID: remoteUserID,
		Known:        known,
		Presented:    presented.Fingerprint(),
	}
}

func (c *Cipher) recordIdentity(ctx context.Context, owner, remoteUserID string, id keys.IdentityPublic) {
	changed, err := c.sessions.RecordIdentity(ctx, owner, remoteUserID, id.Bytes())
	if err != nil {
		c.log.Error("crypto.identity.record_failed", "owner", owner, "remote_user_id", remoteUserID, "err", err)
		return
	}
	if changed {
		c.log.Warn("crypto.identity.changed",
			"owner", owner,
			"remote_user_id", remoteUserID,
			"fingerprint", id.Fingerprint(),
		)
	}
}

// AcceptIdentity trusts a changed identity for remoteUserID and tears down every
// session with that user so new ones are built against the new key.
func (c *Cipher) AcceptIdentity(ctx context.Context, owner, remoteUserID string, id keys.IdentityPublic) error {
	if remoteUserID == "" {
		return opErr("AcceptIdentity", ErrInvalidInput, "empty remote user id")
	}
	changed, err := c.sessions.RecordIdentity(ctx, owner, remoteUserID, id.Bytes())
	if err != nil {
		return err
	}
	n, err := c.sessions.DeleteAll(ctx, owner, remoteUserID)
	if err != nil {
		return err
	}
	c.log.Warn("crypto.identity.accepted",
		"owner", owner,
		"remote_user_id", remoteUserID,
		"fingerprint", id.Fingerprint(),
		"changed", changed,
		"sessions_removed", n,
	)
	return nil
}

// HasSession reports whether a session with addr exists.
func (c *Cipher) HasSession(ctx context.Context, owner string, addr sessions.Address) (bool, error) {
	_, err := c.sessions.Load(ctx, owner, addr)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sessions.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Devices lists the device ids of remoteUserID that owner has sessions with.
func (c *Cipher) Devices(ctx context.Context, owner, remoteUserID string) ([]uint32, error) {
	return c.sessions.Devices(ctx, owner, remoteUserID)
}

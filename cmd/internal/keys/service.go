package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultPrekeyCount is the number of one-time prekeys generated at onboarding.
	DefaultPrekeyCount = 100

	// MaxPrekeyBatch bounds a single GeneratePrekeys call.
	MaxPrekeyBatch = 1000
)

// Service implements the KeyStore operations on top of a Store.
type Service struct {
	store Store
	log   *slog.Logger
	rand  io.Reader
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRandom overrides the entropy source (tests).
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.rand = r
		}
	}
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store: store,
		log:   log,
		rand:  rand.Reader,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func cleanUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	return userID, nil
}

// GenerateIdentity creates the long-term identity for userID.
func (s *Service) GenerateIdentity(ctx context.Context, userID string) (Identity, error) {
	userID, err := cleanUserID(userID)
	if err != nil {
		return Identity{}, err
	}

	dhPriv, dhPub, err := GenerateX25519(s.rand)
	if err != nil {
		return Identity{}, fmt.Errorf("generate dh key: %w", err)
	}
	signPriv, signPub, err := GenerateSigning(s.rand)
	if err != nil {
		return Identity{}, fmt.Errorf("generate signing key: %w", err)
	}
	regID, err := newRegistrationID(s.rand)
	if err != nil {
		return Identity{}, fmt.Errorf("generate registration id: %w", err)
	}

	id := Identity{
		UserID:         userID,
		DeviceID:       DefaultDeviceID,
		RegistrationID: regID,
		DHPublic:       dhPub,
		DHPrivate:      dhPriv,
		SigningPublic:  signPub,
		SigningPrivate: signPriv,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateIdentity(ctx, id); err != nil {
		return Identity{}, err
	}

	s.log.Info("keys.identity.created",
		"user_id", userID,
		"registration_id", regID,
		"fingerprint", id.Public().Fingerprint(),
	)
	return id, nil
}

// Identity returns the stored identity for userID.
func (s *Service) Identity(ctx context.Context, userID string) (Identity, error) {
	return s.store.LoadIdentity(ctx, userID)
}

// GeneratePrekeys creates count new one-time prekeys with fresh, never reused ids.
func (s *Service) GeneratePrekeys(ctx context.Context, userID string, count int) ([]PrekeyPublic, error) {
	userID, err := cleanUserID(userID)
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > MaxPrekeyBatch {
		return nil, fmt.Errorf("%w: prekey count %d", ErrInvalidInput, count)
	}

	first, err := s.store.ReservePrekeyIDs(ctx, userID, count)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]PrekeyPublic, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		priv, pub, err := GenerateX25519(s.rand)
		if err != nil {
			return out, fmt.Errorf("generate prekey: %w", err)
		}
		pk := OneTimePrekey{ID: first + uint32(i), Public: pub, Private: priv, CreatedAt: now}
		if err := s.store.SavePrekey(ctx, userID, pk); err != nil {
			return out, err
		}
		out = append(out, PrekeyPublic{ID: pk.ID, Key: pub})
	}

	s.log.Debug("keys.prekeys.generated", "user_id", userID, "first_id", first, "count", count)
	return out, nil
}

// LoadPrekey returns a one-time prekey without changing its state.
func (s *Service) LoadPrekey(ctx context.Context, userID string, id uint32) (OneTimePrekey, error) {
	return s.store.LoadPrekey(ctx, userID, id)
}

// ConsumePrekey atomically removes and returns a one-time prekey.
func (s *Service) ConsumePrekey(ctx context.Context, userID string, id uint32) (OneTimePrekey, error) {
	pk, err := s.store.ConsumePrekey(ctx, userID, id)
	if err != nil {
		return OneTimePrekey{}, err
	}
	s.log.Debug("keys.prekey.consumed", "user_id", userID, "prekey_id", id)
	return pk, nil
}

// ClaimPrekey atomically marks a one-time prekey as served to a session build.
func (s *Service) ClaimPrekey(ctx context.Context, userID string, id uint32) error {
	if _, err := s.store.ClaimPrekey(ctx, userID, id, s.now()); err != nil {
		return err
	}
	s.log.Debug("keys.prekey.claimed", "user_id", userID, "prekey_id", id)
	return nil
}

// GenerateSignedPrekey creates, signs and installs a new current signed prekey.
func (s *Service) GenerateSignedPrekey(ctx context.Context, userID string) (SignedPrekeyPublic, error) {
	id, err := s.store.LoadIdentity(ctx, userID)
	if err != nil {
		return SignedPrekeyPublic{}, err
	}

	priv, pub, err := GenerateX25519(s.rand)
	if err != nil {
		return SignedPrekeyPublic{}, fmt.Errorf("generate signed prekey: %w", err)
	}
	sig := Sign(id.SigningPrivate, pub[:])
	if !Verify(id.SigningPublic, pub[:], sig) {
		return SignedPrekeyPublic{}, ErrBadSignature
	}

	spkID, err := s.store.ReserveSignedPrekeyID(ctx, userID)
	if err != nil {
		return SignedPrekeyPublic{}, err
	}
	spk := SignedPrekey{
		ID:        spkID,
		Public:    pub,
		Private:   priv,
		Signature: sig,
		Current:   true,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveSignedPrekey(ctx, userID, spk); err != nil {
		return SignedPrekeyPublic{}, err
	}

	s.log.Info("keys.signed_prekey.rotated", "user_id", userID, "signed_prekey_id", spkID)
	return SignedPrekeyPublic{ID: spkID, Key: pub, Signature: sig}, nil
}

// SignedPrekey returns a signed prekey by id, current or retired.
func (s *Service) SignedPrekey(ctx context.Context, userID string, id uint32) (SignedPrekey, error) {
	return s.store.LoadSignedPrekey(ctx, userID, id)
}

// ExportPublicBundle builds the public bundle for userID. The offered one-time
// prekey is the lowest available one; it is not claimed here.
func (s *Service) ExportPublicBundle(ctx context.Context, userID string) (Bundle, error) {
	id, err := s.store.LoadIdentity(ctx, userID)
	if err != nil {
		return Bundle{}, err
	}
	spk, err := s.store.CurrentSignedPrekey(ctx, userID)
	if err != nil {
		return Bundle{}, err
	}
	opk, err := s.store.FirstAvailablePrekey(ctx, userID)
	if err != nil {
		return Bundle{}, err
	}

	return Bundle{
		UserID:         id.UserID,
		DeviceID:       id.DeviceID,
		RegistrationID: id.RegistrationID,
		Identity:       id.Public(),
		SignedPrekey: SignedPrekeyPublic{
			ID:        spk.ID,
			Key:       spk.Public,
			Signature: append([]byte(nil), spk.Signature...),
		},
		OneTimePrekey: &PrekeyPublic{ID: opk.ID, Key: opk.Public},
	}, nil
}

// CountPrekeys returns the number of stored one-time prekeys (available or claimed).
func (s *Service) CountPrekeys(ctx context.Context, userID string) (int, error) {
	return s.store.CountPrekeys(ctx, userID, false)
}

// CountAvailablePrekeys returns the number of unclaimed one-time prekeys.
func (s *Service) CountAvailablePrekeys(ctx context.Context, userID string) (int, error) {
	return s.store.CountPrekeys(ctx, userID, true)
}

// Onboard creates an identity, prekeyCount one-time prekeys and the first signed
// prekey, and returns the resulting bundle.
func (s *Service) Onboard(ctx context.Context, userID string, prekeyCount int) (Bundle, error) {
	if prekeyCount <= 0 {
		prekeyCount = DefaultPrekeyCount
	}
	if _, err := s.GenerateIdentity(ctx, userID); err != nil {
		return Bundle{}, err
	}
	if _, err := s.GeneratePrekeys(ctx, userID, prekeyCount); err != nil {
		return Bundle{}, err
	}
	if _, err := s.GenerateSignedPrekey(ctx, userID); err != nil {
		return Bundle{}, err
	}
	return s.ExportPublicBundle(ctx, userID)
}

// IsNotFound reports whether err means a missing identity or prekey.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

package keys

import (
	"context"
	"time"
)

// Store persists key material. Implementations must make ClaimPrekey and
// ConsumePrekey atomic: concurrent callers racing on the same prekey id see
// exactly one success.
type Store interface {
	// CreateIdentity inserts id. ErrIdentityExists if the user already has one.
	CreateIdentity(ctx context.Context, id Identity) error
	// LoadIdentity returns ErrNotFound for unknown users.
	LoadIdentity(ctx context.Context, userID string) (Identity, error)
	// ListUsers returns every user with an identity, sorted.
	ListUsers(ctx context.Context) ([]string, error)

	// ReservePrekeyIDs advances the per-user cursor by n and returns the first reserved id.
	ReservePrekeyIDs(ctx context.Context, userID string, n int) (uint32, error)
	// ReserveSignedPrekeyID advances the signed prekey cursor by one.
	ReserveSignedPrekeyID(ctx context.Context, userID string) (uint32, error)

	SavePrekey(ctx context.Context, userID string, pk OneTimePrekey) error
	LoadPrekey(ctx context.Context, userID string, id uint32) (OneTimePrekey, error)
	// FirstAvailablePrekey returns the lowest unclaimed prekey or ErrPrekeyExhausted.
	FirstAvailablePrekey(ctx context.Context, userID string) (OneTimePrekey, error)
	// ClaimPrekey moves a prekey from available to claimed. ErrPrekeyExhausted if it
	// was already claimed or no longer exists.
	ClaimPrekey(ctx context.Context, userID string, id uint32, at time.Time) (OneTimePrekey, error)
	// ConsumePrekey deletes a prekey and returns it. ErrNotFound if absent.
	ConsumePrekey(ctx context.Context, userID string, id uint32) (OneTimePrekey, error)
	CountPrekeys(ctx context.Context, userID string, availableOnly bool) (int, error)

	// SaveSignedPrekey stores spk as current and retires the previous current key at spk.CreatedAt.
	SaveSignedPrekey(ctx context.Context, userID string, spk SignedPrekey) error
	LoadSignedPrekey(ctx context.Context, userID string, id uint32) (SignedPrekey, error)
	CurrentSignedPrekey(ctx context.Context, userID string) (SignedPrekey, error)
	// PruneSignedPrekeys deletes retired signed prekeys retired before the cutoff.
	PruneSignedPrekeys(ctx context.Context, userID string, retiredBefore time.Time) (int, error)
}

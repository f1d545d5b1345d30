package identity

import (
	"context"
	"sync"
)

// Profile is the display metadata for a user.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Name returns DisplayName, falling back to the user id.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

// Resolver maps a stable user id to display metadata.
type Resolver interface {
	ResolveUser(ctx context.Context, userID string) (Profile, error)
}

// StaticResolver is an in-memory Resolver. The zero value is empty and ready to use.
type StaticResolver struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticResolver returns a resolver preloaded with profiles.
func NewStaticResolver(profiles ...Profile) *StaticResolver {
	r := &StaticResolver{}
	for _, p := range profiles {
		r.Put(p)
	}
	return r
}

// Put adds or replaces p.
func (r *StaticResolver) Put(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.profiles == nil {
		r.profiles = make(map[string]Profile)
	}
	r.profiles[p.UserID] = p
}

func (r *StaticResolver) ResolveUser(ctx context.Context, userID string) (Profile, error) {
	const op = "identity.ResolveUser"

	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	userID = NormalizeUserID(userID)
	if !ValidUserID(userID) {
		return Profile{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "invalid user id"}
	}

	r.mu.RLock()
	p, ok := r.profiles[userID]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, NotFoundError{Op: op, UserID: userID}
	}
	return p, nil
}

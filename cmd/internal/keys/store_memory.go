package keys

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memUser struct {
	identity       Identity
	nextPrekey     uint32
	nextSigned     uint32
	prekeys        map[uint32]OneTimePrekey
	signed         map[uint32]SignedPrekey
	currentSigned  uint32
	hasCurrentSign bool
}

// MemoryStore is an in-process Store. A single mutex serializes every operation,
// which is what makes claim/consume atomic.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memUser
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memUser)}
}

func (s *MemoryStore) user(userID string) (*memUser, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", userID, ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStore) CreateIdentity(_ context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id.UserID]; ok {
		return ErrIdentityExists
	}
	s.users[id.UserID] = &memUser{
		identity:   id,
		nextPrekey: 1,
		nextSigned: 1,
		prekeys:    make(map[uint32]OneTimePrekey),
		signed:     make(map[uint32]SignedPrekey),
	}
	return nil
}

func (s *MemoryStore) LoadIdentity(_ context.Context, userID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return Identity{}, err
	}
	return u.identity, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ReservePrekeyIDs(_ context.Context, userID string, n int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return 0, err
	}
	first := u.nextPrekey
	u.nextPrekey += uint32(n)
	return first, nil
}

func (s *MemoryStore) ReserveSignedPrekeyID(_ context.Context, userID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return 0, err
	}
	id := u.nextSigned
	u.nextSigned++
	return id, nil
}

func (s *MemoryStore) SavePrekey(_ context.Context, userID string, pk OneTimePrekey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return err
	}
	u.prekeys[pk.ID] = pk
	return nil
}

func (s *MemoryStore) LoadPrekey(_ context.Context, userID string, id uint32) (OneTimePrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return OneTimePrekey{}, err
	}
	pk, ok := u.prekeys[id]
	if !ok {
		return OneTimePrekey{}, fmt.Errorf("prekey %d: %w", id, ErrNotFound)
	}
	return pk, nil
}

func (s *MemoryStore) FirstAvailablePrekey(_ context.Context, userID string) (OneTimePrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return OneTimePrekey{}, err
	}
	var (
		best  OneTimePrekey
		found bool
	)
	for _, pk := range u.prekeys {
		if pk.ClaimedAt != nil {
			continue
		}
		if !found || pk.ID < best.ID {
			best, found = pk, true
		}
	}
	if !found {
		return OneTimePrekey{}, ErrPrekeyExhausted
	}
	return best, nil
}

func (s *MemoryStore) ClaimPrekey(_ context.Context, userID string, id uint32, at time.Time) (OneTimePrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return OneTimePrekey{}, err
	}
	pk, ok := u.prekeys[id]
	if !ok || pk.ClaimedAt != nil {
		return OneTimePrekey{}, fmt.Errorf("prekey %d: %w", id, ErrPrekeyExhausted)
	}
	t := at
	pk.ClaimedAt = &t
	u.prekeys[id] = pk
	return pk, nil
}

func (s *MemoryStore) ConsumePrekey(_ context.Context, userID string, id uint32) (OneTimePrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return OneTimePrekey{}, err
	}
	pk, ok := u.prekeys[id]
	if !ok {
		return OneTimePrekey{}, fmt.Errorf("prekey %d: %w", id, ErrNotFound)
	}
	delete(u.prekeys, id)
	return pk, nil
}

func (s *MemoryStore) CountPrekeys(_ context.Context, userID string, availableOnly bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return 0, err
	}
	if !availableOnly {
		return len(u.prekeys), nil
	}
	n := 0
	for _, pk := range u.prekeys {
		if pk.ClaimedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveSignedPrekey(_ context.Context, userID string, spk SignedPrekey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return err
	}
	if u.hasCurrentSign {
		prev := u.signed[u.currentSigned]
		retired := spk.CreatedAt
		prev.Current = false
		prev.RetiredAt = &retired
		u.signed[prev.ID] = prev
	}
	spk.Current = true
	spk.RetiredAt = nil
	u.signed[spk.ID] = spk
	u.currentSigned = spk.ID
	u.hasCurrentSign = true
	return nil
}

func (s *MemoryStore) LoadSignedPrekey(_ context.Context, userID string, id uint32) (SignedPrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return SignedPrekey{}, err
	}
	spk, ok := u.signed[id]
	if !ok {
		return SignedPrekey{}, fmt.Errorf("signed prekey %d: %w", id, ErrNotFound)
	}
	return spk, nil
}

func (s *MemoryStore) CurrentSignedPrekey(_ context.Context, userID string) (SignedPrekey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return SignedPrekey{}, err
	}
	if !u.hasCurrentSign {
		return SignedPrekey{}, fmt.Errorf("current signed prekey: %w", ErrNotFound)
	}
	return u.signed[u.currentSigned], nil
}

func (s *MemoryStore) PruneSignedPrekeys(_ context.Context, userID string, retiredBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.user(userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, spk := range u.signed {
		if spk.Current || spk.RetiredAt == nil || !spk.RetiredAt.Before(retiredBefore) {
			continue
		}
		delete(u.signed, id)
		n++
	}
	return n, nil
}

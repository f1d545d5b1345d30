package sessions

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type sessionKey struct {
	owner string
	addr  Address
}

type identityKey struct {
	owner  string
	remote string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[sessionKey]Record
	identities map[identityKey][]byte
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[sessionKey]Record),
		identities: make(map[identityKey][]byte),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Load(_ context.Context, owner string, addr Address) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionKey{owner, addr}]
	if !ok {
		return Record{}, fmt.Errorf("session %s/%s: %w", owner, addr, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Store(_ context.Context, rec Record) error {
	if err := rec.Address.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := sessionKey{rec.Owner, rec.Address}
	now := s.now()
	if prev, ok := s.sessions[k]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.sessions[k] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, owner string, addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey{owner, addr})
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context, owner, remoteUserID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.sessions {
		if k.owner == owner && k.addr.UserID == remoteUserID {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Devices(_ context.Context, owner, remoteUserID string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uint32
	for k := range s.sessions {
		if k.owner == owner && k.addr.UserID == remoteUserID {
			out = append(out, k.addr.DeviceID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) IsTrusted(_ context.Context, owner, remoteUserID string, key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.identities[identityKey{owner, remoteUserID}]
	if !ok {
		return true, nil
	}
	return bytes.Equal(stored, key), nil
}

func (s *MemoryStore) RecordIdentity(_ context.Context, owner, remoteUserID string, key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := identityKey{owner, remoteUserID}
	stored, ok := s.identities[k]
	s.identities[k] = bytes.Clone(key)
	return ok && !bytes.Equal(stored, key), nil
}

func (s *MemoryStore) Identity(_ context.Context, owner, remoteUserID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.identities[identityKey{owner, remoteUserID}]
	if !ok {
		return nil, fmt.Errorf("identity %s/%s: %w", owner, remoteUserID, ErrNotFound)
	}
	return bytes.Clone(stored), nil
}

// Package memory is an in-process implementation of the store repositories
// with the same uniqueness guarantees as the Postgres schema. It backs tests
// and single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/x402-foundation/paygate"
	"github.com/x402-foundation/paygate/store"
)

type purchaseKey struct {
	userID, resourceID string
}

// Store implements store.UserRepository, store.ResourceRepository and
// store.PurchaseLedger.
type Store struct {
	mu           sync.RWMutex
	users        map[string]store.User
	byCredential map[string]string
	resources    map[string]store.Resource
	purchases    map[purchaseKey]store.Purchase
}

func New() *Store {
	return &Store{
		users:        make(map[string]store.User),
		byCredential: make(map[string]string),
		resources:    make(map[string]store.Resource),
		purchases:    make(map[purchaseKey]store.Purchase),
	}
}

func (s *Store) GetByID(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, paygate.ErrNotFound
	}
	return &u, nil
}

func (s *Store) GetByCredential(_ context.Context, credentialID string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCredential[credentialID]
	if !ok {
		return nil, paygate.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) InsertIfAbsent(_ context.Context, u store.User) (store.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byCredential[u.ExternalCredentialID]; ok {
		return s.users[id], false, nil
	}
	u.CreatedAt = time.Now()
	s.users[u.ID] = u
	s.byCredential[u.ExternalCredentialID] = u.ID
	return u, true, nil
}

// UserCount returns the number of stored users.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) Get(_ context.Context, id string) (*store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, paygate.ErrNotFound
	}
	return &r, nil
}

func (s *Store) Create(_ context.Context, r store.Resource) (store.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = store.NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.resources[r.ID] = r
	return r, nil
}

func (s *Store) ListByOwner(_ context.Context, ownerID string) ([]store.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []store.Resource{}
	for _, r := range s.resources {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) HasPurchase(_ context.Context, userID, resourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.purchases[purchaseKey{userID, resourceID}]
	return ok, nil
}

func (s *Store) RecordPurchase(_ context.Context, p store.Purchase) (store.Purchase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := purchaseKey{p.UserID, p.ResourceID}
	if existing, ok := s.purchases[key]; ok {
		return existing, false, nil
	}
	if p.ID == "" {
		p.ID = store.NewPurchaseID()
	}
	p.CreatedAt = time.Now()
	s.purchases[key] = p
	return p, true, nil
}

// PurchaseCount returns the number of stored purchases.
func (s *Store) PurchaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.purchases)
}

// Package partystore caches the ledger's party records in memory.
//
// The ledger remains the source of truth; this cache only exists so reads
// don't round-trip to the ledger and so regressive writes (a completed party
// "un-completing", a member count shrinking) are caught before they can
// poison local state. Access is serialized through a single mutex; no lock is
// held across calls into other components.
package partystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/guardedvault/quest/internal/models"
)

// ErrInvariant is returned by Upsert for a write that would regress a party's
// monotonic state. The ledger is still authoritative; this is a defensive
// check against decoding bugs and stale reads applied out of order.
var ErrInvariant = errors.New("partystore: regressive write")

// Store is an in-memory map of party id to the latest known Party snapshot.
type Store struct {
	mu      sync.RWMutex
	parties map[uint64]models.Party
}

// New returns an empty store.
func New() *Store {
	return &Store{parties: make(map[uint64]models.Party)}
}

// Get returns the cached party and true, or a zero Party and false if the id
// has never been fetched (or was invalidated). It never blocks on the ledger.
func (s *Store) Get(id uint64) (models.Party, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[id]
	return p, ok
}

// Upsert replaces the cached record for p.ID. It rejects writes that would
// un-complete a completed party, shrink the member count, or lower the level.
func (s *Store) Upsert(p models.Party) error {
	if p.ID == 0 {
		return fmt.Errorf("partystore: party id must be non-zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.parties[p.ID]; ok {
		if prev.IsCompleted && !p.IsCompleted {
			return fmt.Errorf("%w: party %d would un-complete", ErrInvariant, p.ID)
		}
		if p.MemberCount < prev.MemberCount {
			return fmt.Errorf("%w: party %d memberCount %d -> %d", ErrInvariant, p.ID, prev.MemberCount, p.MemberCount)
		}
		if p.CurrentLevel < prev.CurrentLevel {
			return fmt.Errorf("%w: party %d currentLevel %d -> %d", ErrInvariant, p.ID, prev.CurrentLevel, p.CurrentLevel)
		}
	}

	s.parties[p.ID] = p
	return nil
}

// Invalidate drops the cached record for id, forcing the next Get to report a
// miss so the caller refreshes from the ledger.
func (s *Store) Invalidate(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parties, id)
}

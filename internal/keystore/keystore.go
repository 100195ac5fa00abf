// Package keystore maps key identifiers to RSA key material and tracks which
// key is active for new encryptions. The replication service runs with a
// public-key-only store; the disaster-recovery tooling loads the same layout
// with private keys present.
package keystore

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNoActiveKey means the store has no committed active entry. On the
	// live encryption path this is a startup invariant violation.
	ErrNoActiveKey = errors.New("no active key registered")

	// ErrUnknownKeyID means no entry exists for the requested id. On the
	// recovery path this is operator-recoverable: supply that generation's
	// key and retry the envelope.
	ErrUnknownKeyID = errors.New("unknown key id")

	// ErrNoPrivateKey means the entry exists but only carries the public
	// half, so it cannot decrypt.
	ErrNoPrivateKey = errors.New("no private key available")

	// ErrDuplicateKeyID rejects rotation onto an id that already exists;
	// silently replacing material would orphan envelopes issued under it.
	ErrDuplicateKeyID = errors.New("key id already registered")
)

// State marks whether an entry is used for new encryptions or kept only for
// decrypting historical envelopes.
type State string

const (
	StateActive  State = "active"
	StateRetired State = "retired"
)

// Entry is one key generation. Private is nil everywhere except the offline
// recovery store.
type Entry struct {
	KeyID     string
	State     State
	Public    *rsa.PublicKey
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// Info is the operator-facing view of an entry, with no key material.
type Info struct {
	KeyID      string    `json:"key_id"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	HasPrivate bool      `json:"has_private_key"`
}

// Store holds key entries indexed by id. All methods are safe for concurrent
// use; Rotate is the only writer and swaps the active pointer under the
// write lock so readers never observe a torn state.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	activeID string
}

// New returns an empty store. Register or Rotate must run before Active.
func New() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Register adds an entry without touching the active pointer. The first
// active entry registered becomes the store's active key.
func (s *Store) Register(e Entry) error {
	if e.KeyID == "" {
		return fmt.Errorf("key id is required")
	}
	if e.Public == nil && e.Private == nil {
		return fmt.Errorf("key %s: no key material", e.KeyID)
	}
	if e.Public == nil {
		e.Public = &e.Private.PublicKey
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.State == "" {
		e.State = StateRetired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.KeyID]; exists {
		return fmt.Errorf("key %s: %w", e.KeyID, ErrDuplicateKeyID)
	}
	if e.State == StateActive {
		if prev, ok := s.entries[s.activeID]; ok {
			prev.State = StateRetired
		}
		s.activeID = e.KeyID
	}
	stored := e
	s.entries[e.KeyID] = &stored
	return nil
}

// Active returns a snapshot of the currently active entry.
func (s *Store) Active() (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[s.activeID]
	if !ok {
		return Entry{}, ErrNoActiveKey
	}
	return *e, nil
}

// Resolve returns the entry for the given id regardless of state.
func (s *Store) Resolve(keyID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[keyID]
	if !ok {
		return Entry{}, fmt.Errorf("key %s: %w", keyID, ErrUnknownKeyID)
	}
	return *e, nil
}

// Rotate registers a new active public key and retires the previous active
// entry. Retired entries are never removed; deleting one would make every
// envelope issued under it permanently unrecoverable.
func (s *Store) Rotate(keyID string, pub *rsa.PublicKey) error {
	if keyID == "" {
		return fmt.Errorf("key id is required")
	}
	if pub == nil {
		return fmt.Errorf("key %s: public key is required", keyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[keyID]; exists {
		return fmt.Errorf("key %s: %w", keyID, ErrDuplicateKeyID)
	}
	if prev, ok := s.entries[s.activeID]; ok {
		prev.State = StateRetired
	}
	s.entries[keyID] = &Entry{
		KeyID:     keyID,
		State:     StateActive,
		Public:    pub,
		CreatedAt: time.Now().UTC(),
	}
	s.activeID = keyID
	return nil
}

// List returns metadata for every entry, oldest first.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, Info{
			KeyID:      e.KeyID,
			State:      e.State,
			CreatedAt:  e.CreatedAt,
			HasPrivate: e.Private != nil,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].KeyID < infos[j].KeyID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

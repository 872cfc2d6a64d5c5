package retain

import (
	"encoding/json"
	"sort"

	"github.com/goliatone/go-retain/internal/structural"
)

// MemoryDurableStore is the reference in-memory durable store. It does not
// itself survive a process restart; Snapshot and NewMemoryDurableStoreFrom
// exist so hosts (and tests) can carry the snapshot across the boundary that
// does.
type MemoryDurableStore struct {
	restored  map[string]any
	providers map[string]*providerRegistration
}

type providerRegistration struct {
	owner    *MemoryDurableStore
	key      string
	provider func() any
}

// Unregister implements Entry.
func (r *providerRegistration) Unregister() {
	if r == nil || r.owner == nil {
		return
	}
	if current, ok := r.owner.providers[r.key]; ok && current == r {
		delete(r.owner.providers, r.key)
	}
	r.owner = nil
}

// NewMemoryDurableStore constructs an empty durable store.
func NewMemoryDurableStore() *MemoryDurableStore {
	return NewMemoryDurableStoreFrom(nil)
}

// NewMemoryDurableStoreFrom constructs a durable store seeded with a prior
// snapshot, simulating the restore side of a process restart.
func NewMemoryDurableStoreFrom(snapshot map[string]any) *MemoryDurableStore {
	restored := make(map[string]any, len(snapshot))
	for key, value := range snapshot {
		restored[key] = value
	}
	return &MemoryDurableStore{
		restored:  restored,
		providers: make(map[string]*providerRegistration),
	}
}

// ConsumeRestored removes and returns the restored representation under key.
func (s *MemoryDurableStore) ConsumeRestored(key string) (any, bool) {
	value, ok := s.restored[key]
	if !ok {
		return nil, false
	}
	delete(s.restored, key)
	return value, true
}

// RegisterProvider installs a storable provider under key, rejecting
// duplicates.
func (s *MemoryDurableStore) RegisterProvider(key string, provider func() any) (Entry, error) {
	if _, exists := s.providers[key]; exists {
		return nil, ErrAlreadyRegistered
	}
	registration := &providerRegistration{owner: s, key: key, provider: provider}
	s.providers[key] = registration
	return registration, nil
}

// CanBeSaved reports whether value survives the store's JSON representation.
func (s *MemoryDurableStore) CanBeSaved(value any) bool {
	if value == nil {
		return false
	}
	_, err := json.Marshal(value)
	return err == nil
}

// Snapshot runs every registered provider and returns the storable snapshot,
// including restored values that were never consumed. Entries are deep-copied
// so later mutation of live values cannot alter the snapshot.
func (s *MemoryDurableStore) Snapshot() map[string]any {
	snapshot := make(map[string]any, len(s.providers)+len(s.restored))
	for key, value := range s.restored {
		snapshot[key] = structural.Clone(value)
	}
	keys := make([]string, 0, len(s.providers))
	for key := range s.providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		registration := s.providers[key]
		if registration.provider == nil {
			continue
		}
		out := registration.provider()
		if out == nil || !s.CanBeSaved(out) {
			continue
		}
		snapshot[key] = structural.Clone(out)
	}
	return snapshot
}

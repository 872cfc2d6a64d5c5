package retain

import "sort"

// StateRegistry is the reference in-memory retained store. It is scoped to a
// single tree's evaluation thread; concurrent access from multiple trees is
// unguarded by design.
type StateRegistry struct {
	retained      map[string]any
	registrations map[string]*valueRegistration
}

type valueRegistration struct {
	owner    *StateRegistry
	key      string
	provider func() any
}

// Unregister implements Entry. It is a no-op when the registration was
// already superseded.
func (r *valueRegistration) Unregister() {
	if r == nil || r.owner == nil {
		return
	}
	if current, ok := r.owner.registrations[r.key]; ok && current == r {
		delete(r.owner.registrations, r.key)
	}
	r.owner = nil
}

// NewStateRegistry constructs an empty retained registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{
		retained:      make(map[string]any),
		registrations: make(map[string]*valueRegistration),
	}
}

// RegisterValue installs provider under key, rejecting duplicates.
func (s *StateRegistry) RegisterValue(key string, provider func() any) (Entry, error) {
	if _, exists := s.registrations[key]; exists {
		return nil, ErrAlreadyRegistered
	}
	registration := &valueRegistration{owner: s, key: key, provider: provider}
	s.registrations[key] = registration
	return registration, nil
}

// ConsumeValue removes and returns the retained value under key, at most once.
func (s *StateRegistry) ConsumeValue(key string) (any, bool) {
	value, ok := s.retained[key]
	if !ok {
		return nil, false
	}
	delete(s.retained, key)
	return value, true
}

// SaveValue captures the registered provider's current output for key.
func (s *StateRegistry) SaveValue(key string) {
	registration, ok := s.registrations[key]
	if !ok || registration.provider == nil {
		return
	}
	if out := registration.provider(); out != nil {
		s.retained[key] = out
	}
}

// SaveAll flushes every registered provider's output into the retained list.
func (s *StateRegistry) SaveAll() {
	for _, key := range s.registrationKeys() {
		s.SaveValue(key)
	}
}

// ForgetUnclaimedValues finalizes every retained value that was not
// re-claimed this cycle. Lifecycle-aware values are notified of termination;
// nested registries flush their pending values and propagate finalization one
// level down.
func (s *StateRegistry) ForgetUnclaimedValues() {
	keys := make([]string, 0, len(s.retained))
	for key := range s.retained {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, ok := s.retained[key]
		if !ok {
			continue
		}
		delete(s.retained, key)
		finalizeRetained(value)
	}
}

// Len returns the number of unclaimed retained values.
func (s *StateRegistry) Len() int {
	return len(s.retained)
}

func (s *StateRegistry) registrationKeys() []string {
	keys := make([]string, 0, len(s.registrations))
	for key := range s.registrations {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// finalizeRetained tears down a value that will never be re-claimed. Holder
// records are unwrapped so the finalization applies to the live value.
func finalizeRetained(value any) {
	if record, ok := value.(*RetainedEntry); ok {
		value = record.Value
	}
	switch v := value.(type) {
	case Registry:
		v.SaveAll()
		v.ForgetUnclaimedValues()
	case ValueLifecycle:
		v.ValueForgotten()
	}
}

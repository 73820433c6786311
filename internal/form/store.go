// Package form holds the authoritative in-memory field value store for one
// questionnaire session. Effective values are composed from three layers:
// in-session edits over persisted manual answers over auto-source values.
package form

import (
	"sort"
	"strings"
	"sync"
)

// Store is the layered field value store. It is owned by exactly one
// questionnaire session; there is no cross-session sharing.
type Store struct {
	mu     sync.Mutex
	frozen bool

	auto      map[string]Value
	persisted map[string]Value
	edits     map[string]Value
}

func NewStore() *Store {
	return &Store{
		auto:      make(map[string]Value),
		persisted: make(map[string]Value),
		edits:     make(map[string]Value),
	}
}

// Get returns the effective value for a field name:
// edit > persisted answer > auto-source value > absent.
func (s *Store) Get(name string) Value {
	if s == nil {
		return Zero()
	}
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveLocked(name)
}

func (s *Store) effectiveLocked(name string) Value {
	// An edit always wins, including an explicit clear.
	if v, ok := s.edits[name]; ok {
		return v
	}
	if v, ok := s.persisted[name]; ok && !v.IsEmpty() {
		return v
	}
	if v, ok := s.auto[name]; ok && !v.IsEmpty() {
		return v
	}
	return Zero()
}

// Set records a single in-session edit.
func (s *Store) Set(name string, v Value) bool {
	return s.SetMany(map[string]Value{name: v})
}

// SetMany records in-session edits in call order. It returns false without
// applying anything when the store has been frozen by a submission.
func (s *Store) SetMany(patch map[string]Value) bool {
	if s == nil || len(patch) == 0 {
		return s != nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return false
	}
	for name, v := range patch {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s.edits[name] = v
	}
	return true
}

// ApplyPersisted layers previously persisted manual answers under any
// in-session edits. Empty values are dropped so stale empty-string noise
// never accumulates, and slots that already hold a persisted answer keep it
// (the first applied source wins within this layer).
func (s *Store) ApplyPersisted(answers map[string]Value) {
	if s == nil || len(answers) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	for name, v := range answers {
		name = strings.TrimSpace(name)
		if name == "" || v.IsEmpty() {
			continue
		}
		if existing, ok := s.persisted[name]; ok && !existing.IsEmpty() {
			continue
		}
		s.persisted[name] = v
	}
}

// ApplyAutoSource layers auto-source values under edits and persisted
// answers. Auto-source data arrives asynchronously after template load; a
// value landing here can never clobber a manual answer because the read path
// always prefers the higher layers.
func (s *Store) ApplyAutoSource(values map[string]Value) {
	if s == nil || len(values) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	for name, v := range values {
		name = strings.TrimSpace(name)
		if name == "" || v.IsEmpty() {
			continue
		}
		s.auto[name] = v
	}
}

// Snapshot returns the effective non-empty values for every known field.
func (s *Store) Snapshot() map[string]Value {
	if s == nil {
		return map[string]Value{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Value, len(s.edits)+len(s.persisted)+len(s.auto))
	for _, name := range s.namesLocked() {
		v := s.effectiveLocked(name)
		if v.IsEmpty() {
			continue
		}
		out[name] = v
	}
	return out
}

// Names returns every field name with a value in any layer, sorted.
func (s *Store) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

func (s *Store) namesLocked() []string {
	seen := make(map[string]struct{}, len(s.edits)+len(s.persisted)+len(s.auto))
	for name := range s.edits {
		seen[name] = struct{}{}
	}
	for name := range s.persisted {
		seen[name] = struct{}{}
	}
	for name := range s.auto {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze makes the store read-only. Used once a questionnaire reaches its
// terminal submitted state.
func (s *Store) Freeze() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *Store) Frozen() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

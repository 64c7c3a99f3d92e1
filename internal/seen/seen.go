// Package seen persists the identifiers of messages that were already
// reported, so repeated passes do not notify about them again.
package seen

import "sync"

// set is the in-memory view shared by the store backends.
type set struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// Contains reports whether id was previously committed.
func (s *set) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ids[id]
	return ok
}

// Len returns the number of distinct committed ids.
func (s *set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ids)
}

func (s *set) add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids == nil {
		s.ids = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

func (s *set) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = nil
}

// fresh drops ids already present and duplicates within ids, keeping order.
func (s *set) fresh(ids []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(ids))
	batch := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.ids[id]; ok {
			continue
		}
		if _, ok := batch[id]; ok {
			continue
		}
		batch[id] = struct{}{}
		out = append(out, id)
	}

	return out
}

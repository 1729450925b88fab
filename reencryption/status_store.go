package reencryption

import "sync"

// StatusStore is the process-wide map of zone id -> zone status. It is
// the in-memory half of the split; the durable half is whatever
// Namespace.{Get,Update}ZoneStatus round-trips through the zone root's
// extended attributes. Grounded on
// zk/hermez_db/db.go's bucketed-record model: one logical record per key,
// read/written as a unit, with a read path (here, Get/List) kept cheap to
// call from any goroutine.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[ZoneId]ZoneStatus
}

// NewStatusStore returns an empty store.
func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[ZoneId]ZoneStatus)}
}

// Bootstrap seeds the store at process start with whatever zones the
// outer command surface discovered to still be Submitted/Processing by
// walking the (out-of-scope) inode tree for EZ roots carrying a status
// extended attribute. The core has no way to enumerate zones on its own.
// A zone seeded as Processing is stored as Submitted, so the Coordinator
// picks it up again and resumes from its LastCheckpointFile.
func (s *StatusStore) Bootstrap(statuses []ZoneStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range statuses {
		if st.Phase == PhaseProcessing {
			st.Phase = PhaseSubmitted
		}
		s.statuses[st.Zone] = st
	}
}

// Get returns a zone's in-memory status.
func (s *StatusStore) Get(zone ZoneId) (ZoneStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[zone]
	return st, ok
}

// Put inserts or replaces a zone's in-memory status.
func (s *StatusStore) Put(st ZoneStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.Zone] = st
}

// Remove deletes a zone's status from the store. It is used by RemoveZone
// and when a zone's root no longer exists; a zone that reaches a terminal
// phase keeps its status until it is removed explicitly.
func (s *StatusStore) Remove(zone ZoneId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, zone)
}

// List returns a snapshot of every tracked zone's status, for
// listStatus().
func (s *StatusStore) List() []ZoneStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ZoneStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	return out
}

// PickNextSubmitted returns one zone currently in Submitted phase, or
// ok=false if none is waiting. Iteration order over a Go map is
// unspecified, which is acceptable here since zones are picked up in no
// particular order across the working set.
func (s *StatusStore) PickNextSubmitted() (ZoneId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, st := range s.statuses {
		if st.Phase == PhaseSubmitted {
			return id, true
		}
	}
	return 0, false
}

// RefreshMetrics recomputes the ActiveZones gauge from the current
// snapshot, called periodically by the handler rather than incrementally
// on every Put, so phase transitions can never leave the gauge desynced.
func (s *StatusStore) RefreshMetrics() {
	counts := map[Phase]int{}
	for _, st := range s.List() {
		counts[st.Phase]++
	}
	for _, p := range []Phase{PhaseSubmitted, PhaseProcessing, PhaseCompleted, PhaseCanceled, PhaseFailed} {
		ActiveZones.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
}

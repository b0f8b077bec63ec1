package expressions

import "sync"

// OutputStore is the per-run mapping from step ID to the value the step produced.
// It is safe for concurrent use: fan-out branches write their own keys while
// the engine reads snapshots. Values are normalized and deep-copied on write and
// on read, so neither a producer nor a consumer can mutate a stored output.
type OutputStore struct {
	mu      sync.RWMutex
	outputs map[string]any
}

// NewOutputStore creates an empty store.
func NewOutputStore() *OutputStore {
	return &OutputStore{outputs: make(map[string]any)}
}

// NewOutputStoreFrom creates a store seeded with a copy of outputs.
func NewOutputStoreFrom(outputs map[string]any) *OutputStore {
	s := NewOutputStore()
	for k, v := range outputs {
		s.outputs[k] = Normalize(v)
	}
	return s
}

// Set records a step's output. A step visited again (a loop in the
// workflow graph) overwrites its previous entry.
func (s *OutputStore) Set(stepID string, value any) {
	v := Normalize(value)
	s.mu.Lock()
	s.outputs[stepID] = v
	s.mu.Unlock()
}

// Get returns a copy of a step's output.
func (s *OutputStore) Get(stepID string) (any, bool) {
	s.mu.RLock()
	v, ok := s.outputs[stepID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Has reports whether a step has produced output.
func (s *OutputStore) Has(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.outputs[stepID]
	return ok
}

// Len returns the number of recorded outputs.
func (s *OutputStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outputs)
}

// Snapshot returns a deep copy of all outputs.
func (s *OutputStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.outputs)
}

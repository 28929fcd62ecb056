package pipeline

import "sync"

type stateKey struct {
	key       string
	requestID uint64
}

// State is the store middlewares use to pass data between the phases of one
// request. Entries are keyed by a middleware-chosen namespace and the request
// ID; values are opaque strings.
//
// The orchestrator clears the store at the start of every call to bound
// memory on keep-alive connections, so nothing written during one request
// may be relied on by the next. When a single State is shared by requests
// that run concurrently (service-wide scope, or HTTP/2 streams on one
// connection), one call's Clear can erase entries of another call that is
// still in flight.
type State struct {
	mu     sync.RWMutex
	values map[stateKey]string
}

// NewState creates an empty State.
func NewState() *State {
	return &State{values: make(map[stateKey]string)}
}

// Get returns the value stored under key for requestID.
func (s *State) Get(key string, requestID uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[stateKey{key, requestID}]
	return v, ok
}

// Set stores value under key for requestID, replacing any previous value.
func (s *State) Set(key string, requestID uint64, value string) {
	s.mu.Lock()
	s.values[stateKey{key, requestID}] = value
	s.mu.Unlock()
}

// Delete removes the value stored under key for requestID.
func (s *State) Delete(key string, requestID uint64) {
	s.mu.Lock()
	delete(s.values, stateKey{key, requestID})
	s.mu.Unlock()
}

// Clear removes every entry.
func (s *State) Clear() {
	s.mu.Lock()
	clear(s.values)
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

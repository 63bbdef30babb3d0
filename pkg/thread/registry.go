package thread

import (
	"sync"
	"time"
)

// Status is the transient lifecycle state of a thread
type Status string

const (
	// StatusSleeping means no response is currently being generated
	StatusSleeping Status = "sleeping"
	// StatusLive means a response is being generated right now
	StatusLive Status = "live"
)

// State is the in-memory view of one thread
type State struct {
	ThreadID     string
	Status       Status
	LastActive   time.Time
	MessageCount int
}

// Registry holds transient per-thread status. It is advisory state owned
// entirely in memory; the durable projection lives in the Store.
type Registry struct {
	mu      sync.RWMutex
	threads map[string]*State
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		threads: make(map[string]*State),
	}
}

// MarkLive transitions a thread to live, creating it if unknown. Called
// before any I/O for an inbound message.
func (r *Registry) MarkLive(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.threads[threadID]
	if !ok {
		state = &State{ThreadID: threadID}
		r.threads[threadID] = state
	}
	state.Status = StatusLive
	state.LastActive = time.Now().UTC()
}

// Settle reverts a thread to sleeping at the end of a dispatch. The message
// counter increments on success only.
func (r *Registry) Settle(threadID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.threads[threadID]
	if !ok {
		return
	}
	state.Status = StatusSleeping
	if success {
		state.MessageCount++
	}
}

// Get returns a copy of the thread's transient state
func (r *Registry) Get(threadID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.threads[threadID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Remove drops a thread from the registry. It reports whether it was present.
func (r *Registry) Remove(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.threads[threadID]
	if ok {
		delete(r.threads, threadID)
	}
	return ok
}

// Len returns the number of threads known in memory
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}

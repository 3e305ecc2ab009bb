package listener

import "sync"

// Registry holds the three listener collections the router fans out to:
// synchronization listeners per account, latency listeners globally, and
// reconnect listeners per account. All methods are idempotent.
type Registry struct {
	mu              sync.RWMutex
	synchronization map[string][]Synchronization
	latency         []Latency
	reconnect       map[string][]Reconnect
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		synchronization: make(map[string][]Synchronization),
		reconnect:       make(map[string][]Reconnect),
	}
}

// AddSynchronization registers a synchronization listener for an account.
func (r *Registry) AddSynchronization(accountID string, l Synchronization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.synchronization[accountID] {
		if existing == l {
			return
		}
	}
	r.synchronization[accountID] = append(r.synchronization[accountID], l)
}

// RemoveSynchronization unregisters a synchronization listener.
func (r *Registry) RemoveSynchronization(accountID string, l Synchronization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronization[accountID] = remove(r.synchronization[accountID], l)
	if len(r.synchronization[accountID]) == 0 {
		delete(r.synchronization, accountID)
	}
}

// Synchronization returns the account's synchronization listeners.
func (r *Registry) Synchronization(accountID string) []Synchronization {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Synchronization(nil), r.synchronization[accountID]...)
}

// AddLatency registers a global latency listener.
func (r *Registry) AddLatency(l Latency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.latency {
		if existing == l {
			return
		}
	}
	r.latency = append(r.latency, l)
}

// RemoveLatency unregisters a latency listener.
func (r *Registry) RemoveLatency(l Latency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency = remove(r.latency, l)
}

// Latency returns all latency listeners.
func (r *Registry) Latency() []Latency {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Latency(nil), r.latency...)
}

// AddReconnect registers a reconnect listener for an account.
func (r *Registry) AddReconnect(accountID string, l Reconnect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.reconnect[accountID] {
		if existing == l {
			return
		}
	}
	r.reconnect[accountID] = append(r.reconnect[accountID], l)
}

// RemoveReconnect unregisters a reconnect listener.
func (r *Registry) RemoveReconnect(accountID string, l Reconnect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnect[accountID] = remove(r.reconnect[accountID], l)
	if len(r.reconnect[accountID]) == 0 {
		delete(r.reconnect, accountID)
	}
}

// Reconnect returns the account's reconnect listeners.
func (r *Registry) Reconnect(accountID string) []Reconnect {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Reconnect(nil), r.reconnect[accountID]...)
}

// RemoveAll resets every collection.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronization = make(map[string][]Synchronization)
	r.latency = nil
	r.reconnect = make(map[string][]Reconnect)
}

func remove[T comparable](list []T, item T) []T {
	out := list[:0]
	for _, l := range list {
		if l != item {
			out = append(out, l)
		}
	}
	return out
}

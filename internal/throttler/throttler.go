// Package throttler caps the number of concurrent full-state
// synchronizations per socket, queueing the overflow in FIFO order.
package throttler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options tunes one socket's throttler.
type Options struct {
	// MaxConcurrentSynchronizations caps in-flight synchronizations.
	MaxConcurrentSynchronizations int
	// QueueTimeout expires waiters that could not start in time.
	QueueTimeout time.Duration
	// SynchronizationTimeout ages out active ids whose stream went quiet.
	SynchronizationTimeout time.Duration
}

// DefaultOptions returns the per-socket defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentSynchronizations: 10,
		QueueTimeout:                  5 * time.Minute,
		SynchronizationTimeout:        10 * time.Minute,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.MaxConcurrentSynchronizations == 0 {
		o.MaxConcurrentSynchronizations = d.MaxConcurrentSynchronizations
	}
	if o.QueueTimeout == 0 {
		o.QueueTimeout = d.QueueTimeout
	}
	if o.SynchronizationTimeout == 0 {
		o.SynchronizationTimeout = d.SynchronizationTimeout
	}
}

// SendFunc writes a synchronize request to the socket. It is supplied by the
// socket pool so the throttler stays transport-agnostic.
type SendFunc func(ctx context.Context, accountID string, request map[string]any) error

type waiter struct {
	syncID   string
	queuedAt time.Time
	ready    chan struct{}
	dropped  bool
}

// Throttler tracks active synchronization ids for one socket.
type Throttler struct {
	opts   Options
	send   SendFunc
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	active     map[string]time.Time // syncID -> last liveness update
	byInstance map[string]string    // accountId:instance:host -> syncID
	queue      []*waiter

	done chan struct{}
	once sync.Once
}

// New creates a throttler for one socket instance.
func New(opts Options, send SendFunc, logger *slog.Logger) *Throttler {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttler{
		opts:       opts,
		send:       send,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]time.Time),
		byInstance: make(map[string]string),
		done:       make(chan struct{}),
	}
}

// Start launches the age-out scan.
func (t *Throttler) Start() {
	go t.scanLoop()
}

// Stop terminates the age-out scan and releases all waiters.
func (t *Throttler) Stop() {
	t.once.Do(func() { close(t.done) })
	t.OnDisconnect()
}

// ActiveSynchronizationIDs returns the ids currently considered in flight.
func (t *Throttler) ActiveSynchronizationIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

// IsActive reports whether a synchronization id holds a slot.
func (t *Throttler) IsActive(syncID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[syncID]
	return ok
}

// UpdateSynchronizationID refreshes an id's liveness so a slow-producing
// synchronization is not evicted by age alone.
func (t *Throttler) UpdateSynchronizationID(syncID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[syncID]; ok {
		t.active[syncID] = t.now()
	}
}

// RemoveSynchronizationID releases the slot held by syncID.
func (t *Throttler) RemoveSynchronizationID(syncID string) {
	t.mu.Lock()
	delete(t.active, syncID)
	for key, id := range t.byInstance {
		if id == syncID {
			delete(t.byInstance, key)
		}
	}
	t.mu.Unlock()
	t.wakeNext()
}

// RemoveIDByParameters releases the slot for an account replica, if any.
func (t *Throttler) RemoveIDByParameters(accountID string, instanceNumber int, host string) {
	key := instanceKey(accountID, instanceNumber, host)
	t.mu.Lock()
	syncID, ok := t.byInstance[key]
	if ok {
		delete(t.byInstance, key)
		delete(t.active, syncID)
	}
	t.mu.Unlock()
	if ok {
		t.wakeNext()
	}
}

// OnDisconnect releases every slot and waiter after the socket drops.
func (t *Throttler) OnDisconnect() {
	t.mu.Lock()
	t.active = make(map[string]time.Time)
	t.byInstance = make(map[string]string)
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()
	for _, w := range queue {
		close(w.ready)
	}
}

// ScheduleSynchronize sends a synchronize request once a slot is available.
// A newer synchronization for the same replica supersedes the queued or
// active one.
func (t *Throttler) ScheduleSynchronize(ctx context.Context, accountID string, request map[string]any) error {
	syncID, _ := request["requestId"].(string)
	instanceNumber := 0
	if v, ok := request["instanceIndex"].(int); ok {
		instanceNumber = v
	}
	host, _ := request["host"].(string)
	key := instanceKey(accountID, instanceNumber, host)

	t.mu.Lock()
	if prev, ok := t.byInstance[key]; ok && prev != syncID {
		delete(t.active, prev)
		t.dropWaiterLocked(prev)
	}
	t.byInstance[key] = syncID

	if len(t.active) < t.opts.MaxConcurrentSynchronizations {
		t.active[syncID] = t.now()
		t.mu.Unlock()
		return t.send(ctx, accountID, request)
	}

	w := &waiter{syncID: syncID, queuedAt: t.now(), ready: make(chan struct{})}
	t.queue = append(t.queue, w)
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		t.mu.Lock()
		t.dropWaiterLocked(syncID)
		// The wake may have raced the cancellation and reserved a slot.
		delete(t.active, syncID)
		t.wakeNextLocked()
		t.mu.Unlock()
		return ctx.Err()
	case <-w.ready:
	}

	t.mu.Lock()
	if w.dropped || t.byInstance[key] != syncID {
		// Give back the slot reserved at wake time, if any.
		delete(t.active, syncID)
		t.wakeNextLocked()
		t.mu.Unlock()
		return fmt.Errorf("synchronization %s superseded before start", syncID)
	}
	t.active[syncID] = t.now()
	t.mu.Unlock()
	return t.send(ctx, accountID, request)
}

// wakeNext releases the oldest waiter if a slot is free.
func (t *Throttler) wakeNext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wakeNextLocked()
}

func (t *Throttler) wakeNextLocked() {
	for len(t.queue) > 0 && len(t.active) < t.opts.MaxConcurrentSynchronizations {
		w := t.queue[0]
		t.queue = t.queue[1:]
		close(w.ready)
		if w.dropped {
			continue
		}
		// Claim the slot for the woken waiter right away, otherwise a
		// second wake before the waiter resumes would hand out the same
		// slot twice.
		t.active[w.syncID] = t.now()
		return
	}
}

// dropWaiterLocked marks a queued waiter superseded without disturbing FIFO
// order. The slot accounting happens when the waiter is woken.
func (t *Throttler) dropWaiterLocked(syncID string) {
	for _, w := range t.queue {
		if w.syncID == syncID {
			w.dropped = true
		}
	}
}

func (t *Throttler) scanLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.expire()
		}
	}
}

// expire ages out silent synchronizations and expired waiters, then wakes
// the queue.
func (t *Throttler) expire() {
	t.mu.Lock()
	now := t.now()
	for id, updated := range t.active {
		if now.Sub(updated) > t.opts.SynchronizationTimeout {
			t.logger.Debug("removing expired synchronization slot", "synchronizationId", id)
			delete(t.active, id)
			for key, held := range t.byInstance {
				if held == id {
					delete(t.byInstance, key)
				}
			}
		}
	}
	var keep []*waiter
	for _, w := range t.queue {
		if now.Sub(w.queuedAt) > t.opts.QueueTimeout {
			w.dropped = true
			close(w.ready)
			continue
		}
		keep = append(keep, w)
	}
	t.queue = keep
	t.wakeNextLocked()
	t.mu.Unlock()
}

func instanceKey(accountID string, instanceNumber int, host string) string {
	if host == "" {
		host = "0"
	}
	return fmt.Sprintf("%s:%d:%s", accountID, instanceNumber, host)
}

package throttler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type sendRecorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *sendRecorder) send(ctx context.Context, accountID string, request map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, request["requestId"].(string))
	return nil
}

func (r *sendRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func request(accountID, syncID string, instance int) map[string]any {
	return map[string]any{
		"accountId":     accountID,
		"requestId":     syncID,
		"instanceIndex": instance,
	}
}

func TestScheduleSynchronizeSendsWithinCap(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 2}, rec.send, nil)

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}
	if err := tr.ScheduleSynchronize(context.Background(), "b", request("b", "s2", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}
	if got := rec.ids(); len(got) != 2 {
		t.Fatalf("sent %v, want both requests", got)
	}
	if !tr.IsActive("s1") || !tr.IsActive("s2") {
		t.Errorf("active ids missing, got %v", tr.ActiveSynchronizationIDs())
	}
}

func TestScheduleSynchronizeQueuesOverCap(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 1}, rec.send, nil)

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- tr.ScheduleSynchronize(context.Background(), "b", request("b", "s2", 0))
	}()

	time.Sleep(50 * time.Millisecond)
	if got := rec.ids(); len(got) != 1 {
		t.Fatalf("second request sent before a slot opened: %v", got)
	}

	tr.RemoveSynchronizationID("s1")
	if err := <-errc; err != nil {
		t.Fatalf("queued ScheduleSynchronize: %v", err)
	}
	if got := rec.ids(); len(got) != 2 || got[1] != "s2" {
		t.Fatalf("sent %v, want [s1 s2]", got)
	}
}

func TestWakeReservesSlotBeforeWaiterResumes(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 1}, rec.send, nil)

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}
	errc := make(chan error, 2)
	go func() { errc <- tr.ScheduleSynchronize(context.Background(), "b", request("b", "s2", 0)) }()
	time.Sleep(50 * time.Millisecond)
	go func() { errc <- tr.ScheduleSynchronize(context.Background(), "c", request("c", "s3", 0)) }()
	time.Sleep(50 * time.Millisecond)

	tr.RemoveSynchronizationID("s1")

	// The freed slot belongs to s2 the moment it is woken, before its
	// goroutine resumes, so a second wake finds the throttler at capacity.
	if !tr.IsActive("s2") {
		t.Error("woken waiter s2 does not hold the slot")
	}
	tr.wakeNext()
	time.Sleep(50 * time.Millisecond)
	if tr.IsActive("s3") {
		t.Error("s3 started while s2 held the only slot")
	}
	if got := tr.ActiveSynchronizationIDs(); len(got) > 1 {
		t.Errorf("active ids = %v, want at most one", got)
	}

	// Let s2 actually send before releasing its slot.
	deadline := time.Now().Add(time.Second)
	for len(rec.ids()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	tr.RemoveSynchronizationID("s2")
	if err := <-errc; err != nil {
		t.Fatalf("queued ScheduleSynchronize: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("queued ScheduleSynchronize: %v", err)
	}
	if got := rec.ids(); len(got) != 3 || got[2] != "s3" {
		t.Fatalf("sent %v, want [s1 s2 s3]", got)
	}
}

func TestScheduleSynchronizeSupersedesSameReplica(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 5}, rec.send, nil)

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}
	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s2", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}
	if tr.IsActive("s1") {
		t.Errorf("superseded synchronization s1 still active")
	}
	if !tr.IsActive("s2") {
		t.Errorf("replacement synchronization s2 not active")
	}
}

func TestRemoveIDByParameters(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 5}, rec.send, nil)

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 1)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}
	tr.RemoveIDByParameters("a", 1, "")
	if tr.IsActive("s1") {
		t.Errorf("synchronization survived RemoveIDByParameters")
	}
}

func TestOnDisconnectReleasesWaiters(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 1}, rec.send, nil)

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- tr.ScheduleSynchronize(context.Background(), "b", request("b", "s2", 0))
	}()
	time.Sleep(50 * time.Millisecond)

	tr.OnDisconnect()

	select {
	case err := <-errc:
		// The waiter is woken; whether it errors as superseded or sends on
		// the fresh state, it must not hang.
		_ = err
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after OnDisconnect")
	}
	if len(tr.ActiveSynchronizationIDs()) > 1 {
		t.Errorf("active ids after disconnect: %v", tr.ActiveSynchronizationIDs())
	}
}

func TestUpdateSynchronizationIDKeepsSlotAlive(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 1, SynchronizationTimeout: time.Minute}, rec.send, nil)
	base := time.Now()
	tr.now = func() time.Time { return base }

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}

	tr.now = func() time.Time { return base.Add(50 * time.Second) }
	tr.UpdateSynchronizationID("s1")

	tr.now = func() time.Time { return base.Add(90 * time.Second) }
	tr.expire()
	if !tr.IsActive("s1") {
		t.Errorf("refreshed synchronization evicted by age")
	}

	tr.now = func() time.Time { return base.Add(3 * time.Minute) }
	tr.expire()
	if tr.IsActive("s1") {
		t.Errorf("silent synchronization not evicted after timeout")
	}
}

func TestExpireDropsStaleWaiters(t *testing.T) {
	rec := &sendRecorder{}
	tr := New(Options{MaxConcurrentSynchronizations: 1, QueueTimeout: time.Minute}, rec.send, nil)
	base := time.Now()
	tr.now = func() time.Time { return base }

	if err := tr.ScheduleSynchronize(context.Background(), "a", request("a", "s1", 0)); err != nil {
		t.Fatalf("ScheduleSynchronize: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- tr.ScheduleSynchronize(context.Background(), "b", request("b", "s2", 0))
	}()
	time.Sleep(50 * time.Millisecond)

	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	tr.expire()

	select {
	case err := <-errc:
		if err == nil {
			t.Errorf("expired waiter sent its request, want an error")
		}
	case <-time.After(time.Second):
		t.Fatal("expired waiter still blocked")
	}
}

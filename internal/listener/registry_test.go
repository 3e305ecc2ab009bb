package listener

import (
	"context"
	"testing"
)

type countingListener struct {
	BaseSynchronization
	connected int
}

func (l *countingListener) OnConnected(ctx context.Context, instanceIndex string, replicas int) error {
	l.connected++
	return nil
}

type nopLatency struct{ BaseLatency }

func TestAddSynchronizationIsIdempotent(t *testing.T) {
	r := NewRegistry()
	l := &countingListener{}

	r.AddSynchronization("a", l)
	r.AddSynchronization("a", l)

	if got := len(r.Synchronization("a")); got != 1 {
		t.Errorf("len(Synchronization) = %d, want 1", got)
	}
}

func TestRemoveSynchronization(t *testing.T) {
	r := NewRegistry()
	l1 := &countingListener{}
	l2 := &countingListener{}
	r.AddSynchronization("a", l1)
	r.AddSynchronization("a", l2)

	r.RemoveSynchronization("a", l1)
	got := r.Synchronization("a")
	if len(got) != 1 || got[0] != Synchronization(l2) {
		t.Errorf("Synchronization after remove = %v, want only l2", got)
	}

	// Removing twice is a no-op.
	r.RemoveSynchronization("a", l1)
	if got := len(r.Synchronization("a")); got != 1 {
		t.Errorf("len(Synchronization) after double remove = %d, want 1", got)
	}
}

func TestSynchronizationIsPerAccount(t *testing.T) {
	r := NewRegistry()
	l := &countingListener{}
	r.AddSynchronization("a", l)

	if got := len(r.Synchronization("b")); got != 0 {
		t.Errorf("account b sees %d listeners, want 0", got)
	}
}

func TestLatencyListeners(t *testing.T) {
	r := NewRegistry()
	l := &nopLatency{}

	r.AddLatency(l)
	r.AddLatency(l)
	if got := len(r.Latency()); got != 1 {
		t.Errorf("len(Latency) = %d, want 1", got)
	}

	r.RemoveLatency(l)
	if got := len(r.Latency()); got != 0 {
		t.Errorf("len(Latency) after remove = %d, want 0", got)
	}
}

type countingReconnect struct{ called int }

func (l *countingReconnect) OnReconnected(ctx context.Context) error {
	l.called++
	return nil
}

func TestReconnectListeners(t *testing.T) {
	r := NewRegistry()
	l := &countingReconnect{}

	r.AddReconnect("a", l)
	r.AddReconnect("a", l)
	for _, rl := range r.Reconnect("a") {
		if err := rl.OnReconnected(context.Background()); err != nil {
			t.Fatalf("OnReconnected: %v", err)
		}
	}
	if l.called != 1 {
		t.Errorf("reconnect listener called %d times, want 1", l.called)
	}
}

func TestRemoveAll(t *testing.T) {
	r := NewRegistry()
	r.AddSynchronization("a", &countingListener{})
	r.AddLatency(&nopLatency{})
	r.AddReconnect("a", &countingReconnect{})

	r.RemoveAll()

	if len(r.Synchronization("a")) != 0 || len(r.Latency()) != 0 || len(r.Reconnect("a")) != 0 {
		t.Error("RemoveAll left listeners registered")
	}
}

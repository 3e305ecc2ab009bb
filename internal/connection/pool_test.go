package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
	"github.com/metaapi/metaapi-go/internal/packet"
	"github.com/metaapi/metaapi-go/internal/transport"
)

// fakeTransport is an in-memory transport.Client. Sent payloads are recorded
// and frames are injected through the frames channel.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	frames    chan transport.Frame
	errors    chan error

	connectErr error
	onSend     func(data []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan transport.Frame, 100),
		errors: make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(data)
	}
	return nil
}

func (f *fakeTransport) Frames() <-chan transport.Frame { return f.frames }
func (f *fakeTransport) Errors() <-chan error           { return f.errors }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) sentRequests(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, data := range f.sent {
		m := map[string]any{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("sent payload is not JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// respond injects a response frame correlated to the last sent request.
func (f *fakeTransport) respond(t *testing.T, extra map[string]any) {
	t.Helper()
	f.mu.Lock()
	if len(f.sent) == 0 {
		f.mu.Unlock()
		t.Fatal("no request sent")
	}
	last := f.sent[len(f.sent)-1]
	f.mu.Unlock()

	req := map[string]any{}
	if err := json.Unmarshal(last, &req); err != nil {
		t.Fatalf("sent payload is not JSON: %v", err)
	}
	frame := map[string]any{
		"type":      "response",
		"requestId": req["requestId"],
		"accountId": req["accountId"],
	}
	for k, v := range extra {
		frame[k] = v
	}
	data, _ := json.Marshal(frame)
	f.frames <- transport.Frame{Data: data, ReceivedAt: time.Now()}
}

type fixedResolver struct{ url string }

func (r fixedResolver) ResolveURL(ctx context.Context) (string, error) { return r.url, nil }

type recordingSink struct {
	mu           sync.Mutex
	packets      []*packet.Packet
	reconnected  [][]string
	timestampFor []string
}

func (s *recordingSink) HandleSynchronization(instanceNumber, socketIndex int, pkt *packet.Packet) {
	s.mu.Lock()
	s.packets = append(s.packets, pkt)
	s.mu.Unlock()
}

func (s *recordingSink) OnSocketReconnected(ctx context.Context, instanceNumber, socketIndex int, accountIDs []string) {
	s.mu.Lock()
	s.reconnected = append(s.reconnected, accountIDs)
	s.mu.Unlock()
}

func (s *recordingSink) OnResponseTimestamps(accountID, requestType string, timestamps map[string]any) {
	s.mu.Lock()
	s.timestampFor = append(s.timestampFor, requestType)
	s.mu.Unlock()
}

func (s *recordingSink) packetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

type poolFixture struct {
	pool *Pool
	sink *recordingSink

	mu         sync.Mutex
	transports []*fakeTransport
}

func newPoolFixture(t *testing.T, mutate func(*Config)) *poolFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Token = "token"
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	f := &poolFixture{sink: &recordingSink{}}
	factory := func(tc transport.Config, logger *slog.Logger) transport.Client {
		ft := newFakeTransport()
		f.mu.Lock()
		f.transports = append(f.transports, ft)
		f.mu.Unlock()
		return ft
	}
	f.pool = NewPool(cfg, fixedResolver{url: "https://mt-client-api-v1.example.com"}, slog.Default(),
		WithTransportFactory(factory))
	f.pool.SetSink(f.sink)
	t.Cleanup(f.pool.Close)
	return f
}

func (f *poolFixture) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.transports)
		f.mu.Unlock()
		if n > i {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.transports[i]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("transport %d was never created", i)
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAssignReusesSocketUnderCap(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()

	a, err := f.pool.Assign(ctx, 0, "account-1")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	b, err := f.pool.Assign(ctx, 0, "account-2")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if a != b {
		t.Error("accounts under the cap should share one socket")
	}
	if idx, ok := f.pool.SocketIndex(0, "account-2"); !ok || idx != 0 {
		t.Errorf("SocketIndex() = %d, %v, want 0, true", idx, ok)
	}
}

func TestAssignOverflowsToNewSocket(t *testing.T) {
	f := newPoolFixture(t, func(cfg *Config) { cfg.MaxAccountsPerInstance = 1 })
	ctx := context.Background()

	a, _ := f.pool.Assign(ctx, 0, "account-1")
	b, _ := f.pool.Assign(ctx, 0, "account-2")
	if a == b {
		t.Fatal("second account should overflow to a new socket")
	}
	if a.Index() != 0 || b.Index() != 1 {
		t.Errorf("socket indexes = %d, %d, want 0, 1", a.Index(), b.Index())
	}
}

func TestAssignSkipsLockedSocket(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()

	a, _ := f.pool.Assign(ctx, 0, "account-1")
	a.mu.Lock()
	a.lock = &SubscribeLock{
		Type:                 errs.LimitSubscriptionsPerUserPerServer,
		RecommendedRetryTime: time.Now().Add(time.Hour),
		LockedAtAccounts:     1,
	}
	a.mu.Unlock()

	b, _ := f.pool.Assign(ctx, 0, "account-2")
	if a == b {
		t.Error("locked socket should not receive new accounts")
	}
}

func TestRemoveAccountClearsAssignment(t *testing.T) {
	f := newPoolFixture(t, nil)
	f.pool.Assign(context.Background(), 0, "account-1")

	f.pool.RemoveAccount(0, "account-1")
	if _, ok := f.pool.SocketIndex(0, "account-1"); ok {
		t.Error("assignment should be gone after RemoveAccount")
	}
}

func TestPerUserLockBlocksAssign(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	f.pool.Assign(ctx, 0, "account-1")

	f.pool.LockSocketInstance(ctx, 0, 0, "account-1", &errs.TooManyRequestsMetadata{
		Type:                 errs.LimitSubscriptionsPerUser,
		RecommendedRetryTime: time.Now().Add(time.Hour),
	})

	assignCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := f.pool.Assign(assignCtx, 0, "account-2"); err == nil {
		t.Error("Assign should block while the pool-wide lock is in force")
	}
}

func TestPerUserLockReleasesWhenAccountsDrop(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	f.pool.Assign(ctx, 0, "account-1")
	f.pool.Assign(ctx, 0, "account-2")

	f.pool.LockSocketInstance(ctx, 0, 0, "account-1", &errs.TooManyRequestsMetadata{
		Type:                 errs.LimitSubscriptionsPerUser,
		RecommendedRetryTime: time.Now().Add(-time.Second),
	})
	f.pool.RemoveAccount(0, "account-2")

	// Retry time passed and the account count dropped below the locked
	// level, so the next placement proceeds.
	assignCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := f.pool.Assign(assignCtx, 0, "account-3"); err != nil {
		t.Errorf("Assign() error = %v, want lock released", err)
	}
}

func TestPerServerLockAppliesToSocket(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")

	f.pool.LockSocketInstance(ctx, 0, 0, "account-1", &errs.TooManyRequestsMetadata{
		Type:                 errs.LimitSubscriptionsPerServer,
		RecommendedRetryTime: time.Now().Add(time.Hour),
	})

	lock := s.subscribeLock()
	if lock == nil {
		t.Fatal("socket should carry a subscribe lock")
	}
	if lock.Type != errs.LimitSubscriptionsPerServer {
		t.Errorf("lock type = %q, want %q", lock.Type, errs.LimitSubscriptionsPerServer)
	}
	if lock.LockedAtAccounts != 1 {
		t.Errorf("LockedAtAccounts = %d, want 1", lock.LockedAtAccounts)
	}
}

func TestPerServerLockOnEmptySocketReconnects(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")
	f.pool.RemoveAccount(0, "account-1")

	f.pool.LockSocketInstance(ctx, 0, 0, "account-1", &errs.TooManyRequestsMetadata{
		Type:                 errs.LimitSubscriptionsPerServer,
		RecommendedRetryTime: time.Now().Add(time.Hour),
	})

	// A second transport means the socket reconnected instead of locking.
	f.transport(t, 1)
	if s.subscribeLock() != nil {
		t.Error("empty socket should reconnect, not lock")
	}
}

func TestDispatchRoutesSynchronizationPackets(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")

	ft := f.transport(t, 0)
	frame, _ := json.Marshal(map[string]any{
		"type":           "prices",
		"accountId":      "account-1",
		"sequenceNumber": 3,
	})
	ft.frames <- transport.Frame{Data: frame, ReceivedAt: time.Now()}

	waitFor(t, func() bool { return f.sink.packetCount() == 1 }, "packet never reached the sink")
	f.sink.mu.Lock()
	pkt := f.sink.packets[0]
	f.sink.mu.Unlock()
	if pkt.Type != "prices" || pkt.SequenceNumber != 3 {
		t.Errorf("packet = %q seq %d, want prices seq 3", pkt.Type, pkt.SequenceNumber)
	}
}

func TestReconnectNotifiesSinkWithAccounts(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")

	ft := f.transport(t, 0)
	ft.errors <- errTestDisconnect

	waitFor(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.reconnected) == 1
	}, "sink was never told about the reconnect")

	f.sink.mu.Lock()
	accounts := f.sink.reconnected[0]
	f.sink.mu.Unlock()
	if len(accounts) != 1 || accounts[0] != "account-1" {
		t.Errorf("reconnected accounts = %v, want [account-1]", accounts)
	}
}

func TestReconnectUsesFreshClientID(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")

	s.mu.Lock()
	firstClientID := s.clientID
	firstSessionID := s.sessionID
	s.mu.Unlock()

	f.transport(t, 0).errors <- errTestDisconnect
	f.transport(t, 1)
	waitFor(t, func() bool { return s.IsConnected() }, "socket never reconnected")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID == firstClientID {
		t.Error("reconnect should present a fresh client id")
	}
	if s.sessionID == firstSessionID {
		t.Error("reconnect should start a fresh session")
	}
}

func TestUnauthorizedProcessingErrorClosesPool(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")

	frame, _ := json.Marshal(map[string]any{
		"error":     "UnauthorizedError",
		"message":   "token revoked",
		"requestId": "nope",
	})
	f.transport(t, 0).frames <- transport.Frame{Data: frame, ReceivedAt: time.Now()}

	waitFor(t, func() bool {
		f.pool.mu.Lock()
		defer f.pool.mu.Unlock()
		return f.pool.closed
	}, "pool should close on an unauthorized processing error")
}

func TestCloseFailsPendingRequests(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	s, _ := f.pool.Assign(ctx, 0, "account-1")
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")

	done := make(chan error, 1)
	go func() {
		_, err := f.pool.RPCRequest(ctx, "account-1", map[string]any{"type": "getAccountInformation"}, time.Minute)
		done <- err
	}()
	ft := f.transport(t, 0)
	waitFor(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.sent) == 1
	}, "request was never sent")

	f.pool.Close()
	select {
	case err := <-done:
		if err != ErrConnectionClosed {
			t.Errorf("pending request error = %v, want %v", err, ErrConnectionClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed")
	}
}

var errTestDisconnect = errTest("connection reset")

type errTest string

func (e errTest) Error() string { return string(e) }

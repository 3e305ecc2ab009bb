package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
	"github.com/metaapi/metaapi-go/internal/transport"
)

// failFirst makes the transport answer the first n requests with the given
// wire error and every later request with a success response.
func (f *fakeTransport) failFirst(n int, wireError string) {
	var count int
	var mu sync.Mutex
	f.onSend = func(data []byte) {
		req := map[string]any{}
		json.Unmarshal(data, &req)
		mu.Lock()
		count++
		fail := count <= n
		mu.Unlock()

		var frame map[string]any
		if fail {
			frame = map[string]any{
				"error":     wireError,
				"message":   "induced failure",
				"requestId": req["requestId"],
			}
		} else {
			frame = map[string]any{
				"type":      "response",
				"requestId": req["requestId"],
				"accountId": req["accountId"],
			}
		}
		data, _ = json.Marshal(frame)
		f.frames <- transport.Frame{Data: data, ReceivedAt: time.Now()}
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return true
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func connectedFixture(t *testing.T, mutate func(*Config)) (*poolFixture, *fakeTransport) {
	t.Helper()
	f := newPoolFixture(t, mutate)
	s, err := f.pool.Assign(context.Background(), 0, "account-1")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	waitFor(t, func() bool { return s.IsConnected() }, "socket never connected")
	return f, f.transport(t, 0)
}

func TestRPCRequestFillsEnvelope(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	ft.failFirst(0, "")

	resp, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getAccountInformation"}, time.Second)
	if err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	if resp == nil || resp.AccountID != "account-1" {
		t.Fatalf("response = %+v, want accountId account-1", resp)
	}

	sent := ft.sentRequests(t)
	if len(sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(sent))
	}
	req := sent[0]
	if req["accountId"] != "account-1" {
		t.Errorf("accountId = %v, want account-1", req["accountId"])
	}
	if req["application"] != "MetaApi" {
		t.Errorf("application = %v, want MetaApi", req["application"])
	}
	if id, _ := req["requestId"].(string); len(id) != 32 {
		t.Errorf("requestId length = %d, want 32", len(id))
	}
	ts, _ := req["timestamps"].(map[string]any)
	if _, ok := ts["clientProcessingStarted"].(string); !ok {
		t.Error("clientProcessingStarted should be stamped as a wire date")
	}
}

func TestRPCRequestRetriesWithExponentialBackoff(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	rec := &sleepRecorder{}
	f.pool.sleep = rec.sleep
	ft.failFirst(3, "NotSynchronizedError")

	_, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second)
	if err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	if got := len(ft.sentRequests(t)); got != 4 {
		t.Errorf("sent %d requests, want 4", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded %d sleeps, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRPCRequestGivesUpAfterRetries(t *testing.T) {
	f, ft := connectedFixture(t, func(cfg *Config) { cfg.Retry.Retries = 2 })
	f.pool.sleep = (&sleepRecorder{}).sleep
	ft.failFirst(10, "NotSynchronizedError")

	_, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second)
	if !errs.Is(err, errs.NotSynchronized) {
		t.Fatalf("RPCRequest() error = %v, want NotSynchronized", err)
	}
	if got := len(ft.sentRequests(t)); got != 3 {
		t.Errorf("sent %d requests, want 3", got)
	}
}

func TestRPCRequestBackoffIsCapped(t *testing.T) {
	f, ft := connectedFixture(t, func(cfg *Config) {
		cfg.Retry.Retries = 6
		cfg.Retry.MaxDelay = 3 * time.Second
	})
	rec := &sleepRecorder{}
	f.pool.sleep = rec.sleep
	ft.failFirst(6, "NotSynchronizedError")

	if _, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second); err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	for i, d := range rec.recorded() {
		if d > 3*time.Second {
			t.Errorf("sleep %d = %s, want at most 3s", i, d)
		}
	}
}

func TestValidationErrorIsNotRetried(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	ft.failFirst(10, "ValidationError")

	_, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second)
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("RPCRequest() error = %v, want Validation", err)
	}
	if got := len(ft.sentRequests(t)); got != 1 {
		t.Errorf("sent %d requests, want 1", got)
	}
}

func TestTradeIsSingleAttempt(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	ft.failFirst(1, "NotSynchronizedError")

	_, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "trade", "trade": map[string]any{"actionType": "ORDER_TYPE_BUY"}}, time.Second)
	if !errs.Is(err, errs.NotSynchronized) {
		t.Fatalf("RPCRequest() error = %v, want NotSynchronized", err)
	}
	if got := len(ft.sentRequests(t)); got != 1 {
		t.Errorf("sent %d requests, want 1", got)
	}
}

func TestSubscribeAttachesSessionID(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	ft.failFirst(0, "")

	if _, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "subscribe", "instanceIndex": 0}, time.Second); err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	req := ft.sentRequests(t)[0]
	sessionID, _ := req["sessionId"].(string)
	if len(sessionID) != 32 {
		t.Errorf("sessionId length = %d, want 32", len(sessionID))
	}
}

func TestTooManyRequestsWaitsUntilRecommendedTime(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	rec := &sleepRecorder{}
	f.pool.sleep = rec.sleep
	base := time.Now()
	f.pool.now = func() time.Time { return base }

	retryTime := base.Add(5 * time.Second)
	var once sync.Once
	ft.onSend = func(data []byte) {
		req := map[string]any{}
		json.Unmarshal(data, &req)
		frame := map[string]any{
			"type":      "response",
			"requestId": req["requestId"],
			"accountId": req["accountId"],
		}
		once.Do(func() {
			frame = map[string]any{
				"error":     "TooManyRequestsError",
				"message":   "rate limited",
				"requestId": req["requestId"],
				"metadata": map[string]any{
					"type":                 "LIMIT_REQUEST_RATE_PER_USER",
					"recommendedRetryTime": retryTime.Format(time.RFC3339),
				},
			}
		})
		out, _ := json.Marshal(frame)
		ft.frames <- transport.Frame{Data: out, ReceivedAt: time.Now()}
	}

	if _, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second); err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	delays := rec.recorded()
	if len(delays) != 1 {
		t.Fatalf("recorded %d sleeps, want 1", len(delays))
	}
	// The wait runs to the server's recommended retry time, not a backoff step.
	if delays[0] < 4*time.Second || delays[0] > 5*time.Second {
		t.Errorf("sleep = %s, want about 5s", delays[0])
	}
}

func TestTooManyRequestsBeyondBackoffBudgetFails(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	f.pool.sleep = (&sleepRecorder{}).sleep
	base := time.Now()
	f.pool.now = func() time.Time { return base }

	// Cumulative backoff budget with the default settings is well under an
	// hour, so the request is not worth retrying.
	retryTime := base.Add(time.Hour)
	ft.onSend = func(data []byte) {
		req := map[string]any{}
		json.Unmarshal(data, &req)
		frame := map[string]any{
			"error":     "TooManyRequestsError",
			"message":   "rate limited",
			"requestId": req["requestId"],
			"metadata": map[string]any{
				"type":                 "LIMIT_REQUEST_RATE_PER_USER",
				"recommendedRetryTime": retryTime.Format(time.RFC3339),
			},
		}
		out, _ := json.Marshal(frame)
		ft.frames <- transport.Frame{Data: out, ReceivedAt: time.Now()}
	}

	_, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second)
	if !errs.Is(err, errs.TooManyRequests) {
		t.Fatalf("RPCRequest() error = %v, want TooManyRequests", err)
	}
	if got := len(ft.sentRequests(t)); got != 1 {
		t.Errorf("sent %d requests, want 1", got)
	}
}

func TestRetryStopsWhenAssignmentIsLost(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	rec := &sleepRecorder{}
	f.pool.sleep = func(ctx context.Context, d time.Duration) bool {
		f.pool.RemoveAccount(0, "account-1")
		return rec.sleep(ctx, d)
	}
	ft.failFirst(10, "NotSynchronizedError")

	_, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "getPositions"}, time.Second)
	if !errs.Is(err, errs.NotSynchronized) {
		t.Fatalf("RPCRequest() error = %v, want NotSynchronized", err)
	}
	if got := len(ft.sentRequests(t)); got != 1 {
		t.Errorf("sent %d requests, want 1", got)
	}
}

func TestSynchronizeResolvesThroughThrottler(t *testing.T) {
	f, ft := connectedFixture(t, nil)
	ft.failFirst(0, "")

	resp, err := f.pool.RPCRequest(context.Background(), "account-1",
		map[string]any{"type": "synchronize", "requestId": "sync-1"}, time.Second)
	if err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	if resp != nil {
		t.Errorf("synchronize response = %+v, want nil", resp)
	}
	sent := ft.sentRequests(t)
	if len(sent) != 1 || sent[0]["type"] != "synchronize" {
		t.Fatalf("sent = %+v, want one synchronize request", sent)
	}
}

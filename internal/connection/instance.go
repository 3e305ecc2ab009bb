package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
	"github.com/metaapi/metaapi-go/internal/packet"
	"github.com/metaapi/metaapi-go/internal/throttler"
	"github.com/metaapi/metaapi-go/internal/transport"
)

type rpcResult struct {
	resp *packet.Response
	err  error
}

type pendingRequest struct {
	requestType string
	ch          chan rpcResult
}

// SocketInstance is one websocket connection plus its multiplexing state.
// Request/response correlation is by requestId; the dispatch loop is the
// only writer of pending results.
type SocketInstance struct {
	index          int
	instanceNumber int
	logger         *slog.Logger
	throttler      *throttler.Throttler

	mu             sync.Mutex
	client         transport.Client
	sessionID      string
	clientID       string
	connected      bool
	isReconnecting bool
	lock           *SubscribeLock
	pending        map[string]*pendingRequest
	connectGate    chan struct{}
	connectErr     error
	done           chan struct{}
	closed         bool
}

func newSocketInstance(index, instanceNumber int, logger *slog.Logger) *SocketInstance {
	return &SocketInstance{
		index:          index,
		instanceNumber: instanceNumber,
		logger:         logger,
		pending:        make(map[string]*pendingRequest),
		connectGate:    make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Index returns the socket's position within its instance-number group.
func (s *SocketInstance) Index() int { return s.index }

// SessionID returns the session id of the current connection run.
func (s *SocketInstance) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// IsConnected reports whether the transport is currently connected.
func (s *SocketInstance) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.client != nil && s.client.IsConnected()
}

// WaitConnected blocks until the first successful connect, the timeout, or
// context cancellation.
func (s *SocketInstance) WaitConnected(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	gate := s.connectGate
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errs.NewTimeout("socket %d did not connect within %s", s.index, timeout)
	case <-gate:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectErr
}

// markConnected opens the connect gate for waiting requests.
func (s *SocketInstance) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.connectErr = nil
	select {
	case <-s.connectGate:
	default:
		close(s.connectGate)
	}
}

// resetConnectGate arms a fresh gate for the next connection run.
func (s *SocketInstance) resetConnectGate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	select {
	case <-s.connectGate:
		s.connectGate = make(chan struct{})
	default:
	}
}

func (s *SocketInstance) registerPending(requestID, requestType string) chan rpcResult {
	ch := make(chan rpcResult, 1)
	s.mu.Lock()
	s.pending[requestID] = &pendingRequest{requestType: requestType, ch: ch}
	s.mu.Unlock()
	return ch
}

func (s *SocketInstance) removePending(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// resolvePending completes the request and returns its type for latency
// reporting. The second return is false when no request was waiting.
func (s *SocketInstance) resolvePending(requestID string, res rpcResult) (string, bool) {
	s.mu.Lock()
	pr, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	pr.ch <- res
	return pr.requestType, true
}

// failAllPending completes every in-flight request with err.
func (s *SocketInstance) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()
	for _, pr := range pending {
		pr.ch <- rpcResult{err: err}
	}
}

func (s *SocketInstance) send(data []byte) error {
	s.mu.Lock()
	client := s.client
	connected := s.connected
	s.mu.Unlock()
	if !connected || client == nil {
		return errs.New(errs.NotConnected, "socket is not connected")
	}
	return client.Send(data)
}

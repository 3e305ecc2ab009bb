package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
	"github.com/metaapi/metaapi-go/internal/metrics"
	"github.com/metaapi/metaapi-go/internal/packet"
	"github.com/metaapi/metaapi-go/internal/throttler"
	"github.com/metaapi/metaapi-go/internal/transport"
)

// Pool owns all socket instances and places accounts onto them. Instances
// are grouped by instance number; each group grows on demand up to the
// per-socket account cap.
type Pool struct {
	cfg      Config
	resolver URLResolver
	logger   *slog.Logger
	m        *metrics.Metrics

	newTransport func(transport.Config, *slog.Logger) transport.Client

	mu         sync.Mutex
	url        string
	instances  map[int][]*SocketInstance
	byAccount  map[int]map[string]int // instanceNumber -> accountId -> socketIndex
	globalLock *SubscribeLock
	sink       EventSink
	closed     bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	wg sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.m = m }
}

// WithTransportFactory overrides how transport clients are built.
func WithTransportFactory(f func(transport.Config, *slog.Logger) transport.Client) PoolOption {
	return func(p *Pool) { p.newTransport = f }
}

// NewPool creates a socket pool. The event sink must be set with SetSink
// before the first connect.
func NewPool(cfg Config, resolver URLResolver, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:          cfg,
		resolver:     resolver,
		logger:       logger,
		newTransport: transport.NewClient,
		instances:    make(map[int][]*SocketInstance),
		byAccount:    make(map[int]map[string]int),
		now:          time.Now,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SetSink wires the event router in. Must be called before Assign.
func (p *Pool) SetSink(sink EventSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Assign returns the socket serving the account, placing the account on a
// socket first if needed. It blocks while a pool-wide subscribe lock is in
// force.
func (p *Pool) Assign(ctx context.Context, instanceNumber int, accountID string) (*SocketInstance, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if idx, ok := p.byAccount[instanceNumber][accountID]; ok {
			s := p.instances[instanceNumber][idx]
			p.mu.Unlock()
			return s, nil
		}
		lock := p.globalLock
		count := len(p.byAccount[instanceNumber])
		if lock == nil || p.globalLockReleasedLocked(count) {
			p.globalLock = nil
			break
		}
		p.mu.Unlock()
		if !p.sleep(ctx, time.Second) {
			return nil, ctx.Err()
		}
	}
	// mu is held.
	s, created := p.placeLocked(instanceNumber, accountID)
	p.mu.Unlock()

	if p.m != nil {
		p.m.AccountsAssigned.Inc()
	}
	if created {
		p.wg.Add(1)
		go p.connectLoop(s)
	}
	return s, nil
}

// globalLockReleasedLocked evaluates the pool-wide lock release predicate:
// either the recommended retry time passed and accounts dropped below the
// locked level, or the cooldown elapsed.
func (p *Pool) globalLockReleasedLocked(count int) bool {
	l := p.globalLock
	now := p.now()
	if now.After(l.RecommendedRetryTime) && count < l.LockedAtAccounts {
		return true
	}
	if now.After(l.LockedAtTime.Add(p.cfg.Retry.SubscribeCooldown)) && count >= l.LockedAtAccounts {
		return true
	}
	return false
}

// placeLocked scans sockets in index order and assigns the account to the
// first usable one, creating a new socket when all are full or locked.
func (p *Pool) placeLocked(instanceNumber int, accountID string) (s *SocketInstance, created bool) {
	group := p.instances[instanceNumber]
	now := p.now()
	for _, candidate := range group {
		subscribed := p.assignedCountLocked(instanceNumber, candidate.index)
		if socketLocked(candidate.subscribeLock(), now, subscribed) {
			continue
		}
		if subscribed < p.cfg.MaxAccountsPerInstance {
			s = candidate
			break
		}
	}
	if s == nil {
		s = newSocketInstance(len(group), instanceNumber, p.logger.With("socketIndex", len(group), "instanceNumber", instanceNumber))
		s.throttler = throttler.New(p.cfg.Throttler, p.throttlerSend(s), s.logger)
		s.throttler.Start()
		p.instances[instanceNumber] = append(group, s)
		created = true
	}
	if p.byAccount[instanceNumber] == nil {
		p.byAccount[instanceNumber] = make(map[string]int)
	}
	p.byAccount[instanceNumber][accountID] = s.index
	return s, created
}

func (p *Pool) assignedCountLocked(instanceNumber, socketIndex int) int {
	count := 0
	for _, idx := range p.byAccount[instanceNumber] {
		if idx == socketIndex {
			count++
		}
	}
	return count
}

// socketLocked evaluates the per-socket skip predicate for the lock type.
func socketLocked(l *SubscribeLock, now time.Time, subscribed int) bool {
	if l == nil {
		return false
	}
	switch l.Type {
	case errs.LimitSubscriptionsPerUserPerServer:
		return now.Before(l.RecommendedRetryTime) || subscribed >= l.LockedAtAccounts
	case errs.LimitSubscriptionsPerServer:
		return now.Before(l.RecommendedRetryTime) && subscribed >= l.LockedAtAccounts
	}
	return false
}

func (s *SocketInstance) subscribeLock() *SubscribeLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock
}

// SocketIndex reports which socket serves the account, if any.
func (p *Pool) SocketIndex(instanceNumber int, accountID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.byAccount[instanceNumber][accountID]
	return idx, ok
}

// RemoveAccount drops the account's socket assignment.
func (p *Pool) RemoveAccount(instanceNumber int, accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byAccount[instanceNumber][accountID]; ok {
		delete(p.byAccount[instanceNumber], accountID)
		if p.m != nil {
			p.m.AccountsAssigned.Dec()
		}
	}
}

// IsConnected reports whether a socket instance is connected.
func (p *Pool) IsConnected(instanceNumber, socketIndex int) bool {
	p.mu.Lock()
	s := p.socketLocked(instanceNumber, socketIndex)
	p.mu.Unlock()
	return s != nil && s.IsConnected()
}

func (p *Pool) socketLocked(instanceNumber, socketIndex int) *SocketInstance {
	group := p.instances[instanceNumber]
	if socketIndex < 0 || socketIndex >= len(group) {
		return nil
	}
	return group[socketIndex]
}

// SocketSessionID returns the session id of the socket's current connection
// run, or "" when the socket does not exist.
func (p *Pool) SocketSessionID(instanceNumber, socketIndex int) string {
	p.mu.Lock()
	s := p.socketLocked(instanceNumber, socketIndex)
	p.mu.Unlock()
	if s == nil {
		return ""
	}
	return s.SessionID()
}

// AccountIDs returns the accounts assigned to one socket instance.
func (p *Pool) AccountIDs(instanceNumber, socketIndex int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for accountID, idx := range p.byAccount[instanceNumber] {
		if idx == socketIndex {
			ids = append(ids, accountID)
		}
	}
	return ids
}

// SubscribeAccount sends a subscribe request for the account. Subscribe is
// supervised upstream, so it is a single attempt.
func (p *Pool) SubscribeAccount(ctx context.Context, accountID string, instanceNumber int) error {
	request := map[string]any{
		"type":          "subscribe",
		"instanceIndex": instanceNumber,
	}
	_, err := p.RPCRequest(ctx, accountID, request, 0)
	return err
}

// LockSocketInstance applies a server-issued subscription lock. Per-user
// limits lock the whole pool; per-server limits lock one socket, except
// that a socket with no subscribed accounts is reconnected instead.
func (p *Pool) LockSocketInstance(ctx context.Context, instanceNumber, socketIndex int, accountID string, metadata *errs.TooManyRequestsMetadata) {
	if metadata == nil {
		return
	}
	if p.m != nil {
		p.m.SubscribeLocks.WithLabelValues(metadata.Type).Inc()
	}

	if metadata.Type == errs.LimitSubscriptionsPerUser {
		p.mu.Lock()
		p.globalLock = &SubscribeLock{
			Type:                 metadata.Type,
			RecommendedRetryTime: metadata.RecommendedRetryTime,
			LockedAtAccounts:     len(p.byAccount[instanceNumber]),
			LockedAtTime:         p.now(),
		}
		p.mu.Unlock()
		p.logger.Warn("pool-wide subscribe lock applied",
			"retryTime", metadata.RecommendedRetryTime,
			"lockedAtAccounts", len(p.byAccount[instanceNumber]),
		)
		return
	}

	p.mu.Lock()
	s := p.socketLocked(instanceNumber, socketIndex)
	subscribed := p.assignedCountLocked(instanceNumber, socketIndex)
	p.mu.Unlock()
	if s == nil {
		return
	}
	if subscribed == 0 {
		// An empty socket gains nothing from a lock; a fresh session on a
		// different server shard is more likely to accept subscribes.
		p.logger.Info("reconnecting empty socket instead of locking",
			"instanceNumber", instanceNumber, "socketIndex", socketIndex)
		go p.Reconnect(ctx, instanceNumber, socketIndex)
		return
	}
	s.mu.Lock()
	s.lock = &SubscribeLock{
		Type:                 metadata.Type,
		RecommendedRetryTime: metadata.RecommendedRetryTime,
		LockedAtAccounts:     subscribed,
		LockedAtTime:         p.now(),
	}
	s.mu.Unlock()
	p.logger.Warn("socket subscribe lock applied",
		"instanceNumber", instanceNumber,
		"socketIndex", socketIndex,
		"type", metadata.Type,
		"retryTime", metadata.RecommendedRetryTime,
	)
}

// connectLoop dials until the socket connects, with a fresh client id and
// session id per attempt, then runs the dispatch loop.
func (p *Pool) connectLoop(s *SocketInstance) {
	defer p.wg.Done()

	delay := p.cfg.ReconnectBaseDelay
	for {
		select {
		case <-s.done:
			return
		default:
		}

		client, err := p.dial(s)
		if err == nil {
			s.markConnected()
			if p.m != nil {
				p.m.SocketsConnected.Inc()
			}
			p.wg.Add(1)
			go p.dispatch(s, client)
			return
		}

		p.logger.Warn("socket connect failed",
			"instanceNumber", s.instanceNumber,
			"socketIndex", s.index,
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-s.done:
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, p.cfg.ReconnectMaxDelay)
	}
}

// dial resolves the gateway URL once and establishes one connection attempt.
func (p *Pool) dial(s *SocketInstance) (transport.Client, error) {
	p.mu.Lock()
	url := p.url
	p.mu.Unlock()
	if url == "" {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
		resolved, err := p.resolver.ResolveURL(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("resolve gateway url: %w", err)
		}
		p.mu.Lock()
		p.url = resolved
		url = resolved
		p.mu.Unlock()
	}

	// The server shards by client id, so every attempt presents a new one.
	clientID := packet.RandomClientID()
	sessionID := packet.RandomID()

	cfg := p.cfg.Transport
	cfg.URL = url
	cfg.Token = p.cfg.Token
	cfg.ClientID = clientID

	client := p.newTransport(cfg, s.logger)
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.client = client
	s.clientID = clientID
	s.sessionID = sessionID
	s.mu.Unlock()
	return client, nil
}

// dispatch is the socket's single-threaded read loop: it classifies every
// frame as a response, a processing error or a synchronization packet.
func (p *Pool) dispatch(s *SocketInstance, client transport.Client) {
	defer p.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case err := <-client.Errors():
			p.handleDisconnect(s, err)
			return
		case frame, ok := <-client.Frames():
			if !ok {
				return
			}
			p.handleFrame(s, frame)
		}
	}
}

func (p *Pool) handleFrame(s *SocketInstance, frame transport.Frame) {
	raw, err := packet.DecodeMap(frame.Data)
	if err != nil {
		p.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	if _, isError := raw["error"]; isError {
		p.handleProcessingError(s, frame.Data, raw)
		return
	}

	typ, _ := raw["type"].(string)
	if typ == "response" {
		p.handleResponse(s, raw)
		return
	}

	packet.ConvertISOTimeFields(raw)
	pkt := packet.FromMap(raw, frame.ReceivedAt)
	if p.m != nil {
		p.m.PacketsReceived.WithLabelValues(pkt.Type).Inc()
	}
	if pkt.SynchronizationID != "" {
		s.throttler.UpdateSynchronizationID(pkt.SynchronizationID)
	}

	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.HandleSynchronization(s.instanceNumber, s.index, pkt)
	}
}

func (p *Pool) handleResponse(s *SocketInstance, raw map[string]any) {
	packet.ConvertISOTimeFields(raw)
	resp := packet.ResponseFromMap(raw)

	requestType, ok := s.resolvePending(resp.RequestID, rpcResult{resp: resp})
	if !ok {
		s.logger.Debug("response without a pending request", "requestId", resp.RequestID)
		return
	}

	if resp.Timestamps != nil {
		resp.Timestamps["clientProcessingFinished"] = p.now()
		p.mu.Lock()
		sink := p.sink
		p.mu.Unlock()
		if sink != nil {
			sink.OnResponseTimestamps(resp.AccountID, requestType, resp.Timestamps)
		}
	}
}

func (p *Pool) handleProcessingError(s *SocketInstance, data []byte, raw map[string]any) {
	var ef errs.ErrorFrame
	// Re-marshal through the decoded map so string-wrapped frames parse too.
	buf, err := json.Marshal(raw)
	if err != nil || json.Unmarshal(buf, &ef) != nil {
		p.logger.Warn("dropping malformed processing error", "frame", string(data))
		return
	}

	e := errs.Convert(&ef)
	if _, ok := s.resolvePending(ef.RequestID, rpcResult{err: e}); !ok {
		s.logger.Debug("processing error without a pending request",
			"requestId", ef.RequestID, "error", e)
	}

	if e.Kind == errs.Unauthorized {
		p.logger.Error("token rejected by the gateway, closing pool", "error", e)
		go p.Close()
	}
}

// handleDisconnect fails in-flight requests, clears synchronization slots
// and starts the reconnect loop.
func (p *Pool) handleDisconnect(s *SocketInstance, cause error) {
	p.logger.Warn("socket disconnected",
		"instanceNumber", s.instanceNumber,
		"socketIndex", s.index,
		"error", cause,
	)
	if p.m != nil {
		p.m.SocketsConnected.Dec()
	}
	s.resetConnectGate()
	s.failAllPending(errs.New(errs.NotConnected, "connection lost"))
	s.throttler.OnDisconnect()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	s.mu.Lock()
	if s.isReconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.isReconnecting = true
	s.mu.Unlock()
	p.wg.Add(1)
	go p.reconnectLoop(s)
}

// Reconnect forces a socket instance to drop its connection and dial again.
// Concurrent calls for the same socket coalesce.
func (p *Pool) Reconnect(ctx context.Context, instanceNumber, socketIndex int) {
	p.mu.Lock()
	s := p.socketLocked(instanceNumber, socketIndex)
	p.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.isReconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.isReconnecting = true
	client := s.client
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	s.resetConnectGate()
	s.failAllPending(errs.New(errs.NotConnected, "socket is reconnecting"))
	s.throttler.OnDisconnect()

	p.wg.Add(1)
	go p.reconnectLoop(s)
}

// reconnectLoop re-dials with backoff and notifies the sink with the
// accounts that rode on the socket once it is back. Callers must have set
// isReconnecting before spawning it.
func (p *Pool) reconnectLoop(s *SocketInstance) {
	defer p.wg.Done()
	defer func() {
		s.mu.Lock()
		s.isReconnecting = false
		s.mu.Unlock()
	}()

	if p.m != nil {
		p.m.Reconnects.Inc()
	}

	delay := p.cfg.ReconnectBaseDelay
	for {
		select {
		case <-s.done:
			return
		default:
		}

		client, err := p.dial(s)
		if err == nil {
			s.markConnected()
			if p.m != nil {
				p.m.SocketsConnected.Inc()
			}
			p.wg.Add(1)
			go p.dispatch(s, client)

			accountIDs := p.AccountIDs(s.instanceNumber, s.index)
			p.mu.Lock()
			sink := p.sink
			p.mu.Unlock()
			if sink != nil {
				sink.OnSocketReconnected(context.Background(), s.instanceNumber, s.index, accountIDs)
			}
			p.logger.Info("socket reconnected",
				"instanceNumber", s.instanceNumber,
				"socketIndex", s.index,
				"accounts", len(accountIDs),
			)
			return
		}

		p.logger.Warn("socket reconnect failed",
			"instanceNumber", s.instanceNumber,
			"socketIndex", s.index,
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-s.done:
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, p.cfg.ReconnectMaxDelay)
	}
}

// IsSynchronizationActive reports whether the synchronization id belongs to
// the socket's active set.
func (p *Pool) IsSynchronizationActive(instanceNumber, socketIndex int, syncID string) bool {
	p.mu.Lock()
	s := p.socketLocked(instanceNumber, socketIndex)
	p.mu.Unlock()
	return s != nil && s.throttler.IsActive(syncID)
}

// RemoveSynchronizationID releases the throttler slot held by the id on
// whichever socket owns it.
func (p *Pool) RemoveSynchronizationID(syncID string) {
	p.mu.Lock()
	var sockets []*SocketInstance
	for _, group := range p.instances {
		sockets = append(sockets, group...)
	}
	p.mu.Unlock()
	for _, s := range sockets {
		s.throttler.RemoveSynchronizationID(syncID)
	}
}

// RemoveSynchronizationIDByParameters releases the slot held for an account
// replica.
func (p *Pool) RemoveSynchronizationIDByParameters(accountID string, instanceNumber int, host string) {
	p.mu.Lock()
	idx, ok := p.byAccount[instanceNumber][accountID]
	var s *SocketInstance
	if ok {
		s = p.socketLocked(instanceNumber, idx)
	}
	p.mu.Unlock()
	if s != nil {
		s.throttler.RemoveIDByParameters(accountID, instanceNumber, host)
	}
}

// Close tears the pool down: transports closed, in-flight requests failed,
// throttlers stopped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var sockets []*SocketInstance
	for _, group := range p.instances {
		sockets = append(sockets, group...)
	}
	p.byAccount = make(map[int]map[string]int)
	p.mu.Unlock()

	for _, s := range sockets {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.done)
		}
		client := s.client
		s.mu.Unlock()
		if client != nil {
			client.Close()
		}
		s.failAllPending(ErrConnectionClosed)
		s.throttler.Stop()
	}
	p.logger.Info("socket pool closed", "sockets", len(sockets))
}

// throttlerSend builds the send function one socket's throttler uses to
// write a synchronize request once a slot opens.
func (p *Pool) throttlerSend(s *SocketInstance) throttler.SendFunc {
	return func(ctx context.Context, accountID string, request map[string]any) error {
		_, err := p.makeRequest(ctx, s, accountID, request, p.cfg.RequestTimeout)
		return err
	}
}

// Package router dispatches ordered synchronization events to account
// listeners. Events are queued per account and drained sequentially so
// listeners observe each account's state changes in stream order.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metaapi/metaapi-go/internal/listener"
	"github.com/metaapi/metaapi-go/internal/metrics"
	"github.com/metaapi/metaapi-go/internal/orderer"
	"github.com/metaapi/metaapi-go/internal/packet"
)

// Connection is the slice of the socket pool the router needs. The pool
// implements it.
type Connection interface {
	IsSynchronizationActive(instanceNumber, socketIndex int, syncID string) bool
	SocketIndex(instanceNumber int, accountID string) (int, bool)
	SocketSessionID(instanceNumber, socketIndex int) string
	RPCRequest(ctx context.Context, accountID string, request map[string]any, timeout time.Duration) (*packet.Response, error)
	RemoveSynchronizationID(syncID string)
	RemoveSynchronizationIDByParameters(accountID string, instanceNumber int, host string)
}

// Supervisor is the slice of the subscription supervisor the router drives.
type Supervisor interface {
	IsSubscriptionActive(accountID string) bool
	IsAccountSubscribing(accountID string, instanceNumber int) bool
	IsDisconnectedRetryMode(accountID string, instanceNumber int) bool
	ScheduleSubscribe(ctx context.Context, accountID string, instanceNumber int, isDisconnectedRetryMode bool)
	CancelSubscribe(accountID string, instanceNumber int)
	OnTimeout(ctx context.Context, accountID string, instanceNumber int)
	OnDisconnected(ctx context.Context, accountID string, instanceNumber int)
	OnReconnected(ctx context.Context, instanceNumber, socketIndex int, accountIDs []string)
}

// Config tunes the router.
type Config struct {
	// OrderingTimeout bounds how long a sequence gap may stall a stream.
	OrderingTimeout time.Duration
	// StatusTimeout declares a replica dead when no status arrives for it.
	StatusTimeout time.Duration
	// EventWarningThreshold logs a warning when one event's listener
	// fan-out takes longer than this.
	EventWarningThreshold time.Duration
	// UnsubscribeThrottling bounds how often the router unsubscribes an
	// account that streams without an active subscription.
	UnsubscribeThrottling time.Duration
	// QueueCapacity is the initial per-account queue capacity.
	QueueCapacity int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OrderingTimeout:       60 * time.Second,
		StatusTimeout:         60 * time.Second,
		EventWarningThreshold: time.Second,
		UnsubscribeThrottling: 10 * time.Second,
		QueueCapacity:         1000,
	}
}

type event struct {
	pkt            *packet.Packet
	instanceNumber int
	socketIndex    int
}

// syncFlags remembers which state sections one synchronization run carries,
// so the router knows at which packet the run completes.
type syncFlags struct {
	positionsUpdated bool
	ordersUpdated    bool
}

// Router implements the pool's event sink: it restores packet order, fans
// events out to listeners and feeds stream health back into the supervisor.
type Router struct {
	cfg        Config
	logger     *slog.Logger
	m          *metrics.Metrics
	conn       Connection
	supervisor Supervisor
	registry   *listener.Registry
	orderer    *orderer.Orderer
	packetLog  PacketLogger

	mu              sync.Mutex
	queues          map[string]*Queue[event]
	connectedHosts  map[string]time.Time // instanceID -> last status
	flags           map[string]*syncFlags
	lastUnsubscribe map[string]time.Time
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// PacketLogger records raw inbound packets before dispatch.
type PacketLogger interface {
	WritePacket(pkt *packet.Packet)
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.m = m }
}

// WithPacketLogger records every inbound packet to the given logger.
func WithPacketLogger(pl PacketLogger) Option {
	return func(r *Router) { r.packetLog = pl }
}

// New creates an event router.
func New(cfg Config, conn Connection, supervisor Supervisor, registry *listener.Registry, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:             cfg,
		logger:          logger,
		conn:            conn,
		supervisor:      supervisor,
		registry:        registry,
		queues:          make(map[string]*Queue[event]),
		connectedHosts:  make(map[string]time.Time),
		flags:           make(map[string]*syncFlags),
		lastUnsubscribe: make(map[string]time.Time),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.orderer = orderer.New(cfg.OrderingTimeout, r.onGap, logger)
	r.orderer.SetDeliver(func(pkts []*packet.Packet) {
		for _, pkt := range pkts {
			r.dispatch(pkt)
		}
	})
	return r
}

// Start launches the gap scan and the status watchdog.
func (r *Router) Start() {
	r.orderer.Start()
	r.wg.Add(1)
	go r.watchdogLoop()
	r.logger.Info("event router started",
		"statusTimeout", r.cfg.StatusTimeout,
		"orderingTimeout", r.cfg.OrderingTimeout,
	)
}

// Stop drains nothing: queued events are dropped and drainers wound down.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queues := make([]*Queue[event], 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	r.cancel()
	r.orderer.Stop()
	for _, q := range queues {
		q.Close()
	}
	r.wg.Wait()
	r.logger.Info("event router stopped")
}

// ConnectedHosts returns the replica keys that currently report status.
func (r *Router) ConnectedHosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]string, 0, len(r.connectedHosts))
	for host := range r.connectedHosts {
		hosts = append(hosts, host)
	}
	return hosts
}

// HandleSynchronization enqueues one inbound packet for the account's
// drainer. Packets of a stale synchronization run are neutered first so they
// still advance the sequence counter.
func (r *Router) HandleSynchronization(instanceNumber, socketIndex int, pkt *packet.Packet) {
	if r.packetLog != nil {
		r.packetLog.WritePacket(pkt)
	}
	if pkt.SynchronizationID != "" && pkt.Type != "synchronizationStarted" &&
		!r.conn.IsSynchronizationActive(instanceNumber, socketIndex, pkt.SynchronizationID) {
		pkt.MarkNoop()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	q, ok := r.queues[pkt.AccountID]
	if !ok {
		q = NewQueue[event](r.cfg.QueueCapacity)
		r.queues[pkt.AccountID] = q
		r.wg.Add(1)
		go r.drain(q)
	}
	r.mu.Unlock()

	q.Push(event{pkt: pkt, instanceNumber: instanceNumber, socketIndex: socketIndex})
	if r.m != nil {
		r.m.EventQueueDepth.Set(float64(r.queueDepth()))
	}
}

func (r *Router) queueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	depth := 0
	for _, q := range r.queues {
		depth += q.Len()
	}
	return depth
}

// QueueStats sums the counters of every per-account queue.
func (r *Router) QueueStats() QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total QueueStats
	for _, q := range r.queues {
		s := q.Stats()
		total.Count += s.Count
		total.Capacity += s.Capacity
		total.TotalEnqueued += s.TotalEnqueued
		total.TotalDrained += s.TotalDrained
		total.ResizeCount += s.ResizeCount
	}
	return total
}

// OnSocketReconnected implements the pool sink: ordering state of the moved
// accounts is purged, the supervisor resubscribes them, and reconnect
// listeners fire.
func (r *Router) OnSocketReconnected(ctx context.Context, instanceNumber, socketIndex int, accountIDs []string) {
	r.orderer.OnReconnected(accountIDs)

	r.mu.Lock()
	for host := range r.connectedHosts {
		for _, accountID := range accountIDs {
			if len(host) > len(accountID) && host[:len(accountID)] == accountID && host[len(accountID)] == ':' {
				delete(r.connectedHosts, host)
			}
		}
	}
	r.mu.Unlock()

	r.supervisor.OnReconnected(ctx, instanceNumber, socketIndex, accountIDs)

	for _, accountID := range accountIDs {
		listeners := r.registry.Reconnect(accountID)
		if len(listeners) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, l := range listeners {
			l := l
			g.Go(func() error {
				if err := l.OnReconnected(gctx); err != nil {
					r.logger.Warn("reconnect listener failed",
						"accountId", accountID, "error", err)
				}
				return nil
			})
		}
		g.Wait()
	}
}

// OnResponseTimestamps implements the pool sink for latency measurements.
func (r *Router) OnResponseTimestamps(accountID, requestType string, timestamps map[string]any) {
	listeners := r.registry.Latency()
	if len(listeners) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(r.ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			var err error
			if requestType == "trade" {
				err = l.OnTrade(gctx, accountID, timestamps)
			} else {
				err = l.OnResponse(gctx, accountID, requestType, timestamps)
			}
			if err != nil {
				r.logger.Warn("latency listener failed", "accountId", accountID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (r *Router) drain(q *Queue[event]) {
	defer r.wg.Done()
	for {
		ev, ok := q.Pop()
		if !ok {
			return
		}
		for _, pkt := range r.orderer.RestoreOrder(ev.pkt) {
			r.dispatch(pkt)
		}
	}
}

// onGap is the orderer's gap handler: the stream lost packets for longer
// than the ordering timeout, so the subscription restarts.
func (r *Router) onGap(accountID string, instanceIndex int, expected, actual int64, pkt *packet.Packet, receivedAt time.Time) {
	if r.m != nil {
		r.m.SequenceGaps.Inc()
	}
	if r.supervisor.IsSubscriptionActive(accountID) {
		go r.supervisor.ScheduleSubscribe(r.ctx, accountID, instanceIndex, false)
	}
}

// dispatch routes one ordered packet to its handler. Runs on the account's
// drainer goroutine.
func (r *Router) dispatch(pkt *packet.Packet) {
	if pkt.Type == packet.TypeNoop {
		return
	}
	// A disconnect is teardown and must reach its handler even after the
	// subscribe intent is gone; anything else streaming without a
	// subscription asks the server to stop.
	if pkt.Type != "disconnected" && !r.supervisor.IsSubscriptionActive(pkt.AccountID) {
		r.throttledUnsubscribe(pkt.AccountID)
		return
	}

	start := r.now()
	switch pkt.Type {
	case "authenticated":
		r.handleAuthenticated(pkt)
	case "disconnected":
		r.handleDisconnected(pkt)
	case "status":
		r.handleStatus(pkt)
	case "keepalive":
		r.touchHost(pkt.InstanceID())
	case "synchronizationStarted":
		r.handleSynchronizationStarted(pkt)
	case "accountInformation":
		r.handleAccountInformation(pkt)
	case "positions":
		r.handlePositions(pkt)
	case "orders":
		r.handleOrders(pkt)
	case "update":
		r.handleUpdate(pkt)
	case "historyOrders":
		r.handleHistoryOrders(pkt)
	case "deals":
		r.handleDeals(pkt)
	case "orderSynchronizationFinished":
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnHistoryOrdersSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
		})
	case "dealSynchronizationFinished":
		r.conn.RemoveSynchronizationID(pkt.SynchronizationID)
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnDealsSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
		})
	case "specifications":
		r.handleSpecifications(pkt)
	case "prices":
		r.handlePrices(pkt)
	case "downgradeSubscription":
		r.handleDowngrade(pkt)
	default:
		r.logger.Debug("skipping unknown packet type", "type", pkt.Type, "accountId", pkt.AccountID)
	}

	if elapsed := r.now().Sub(start); elapsed > r.cfg.EventWarningThreshold {
		r.logger.Warn("event processing took too long",
			"type", pkt.Type,
			"accountId", pkt.AccountID,
			"elapsed", elapsed,
		)
	}
}

// throttledUnsubscribe asks the server to stop streaming an account nobody
// subscribed to, at most once per throttling interval.
func (r *Router) throttledUnsubscribe(accountID string) {
	r.mu.Lock()
	last, seen := r.lastUnsubscribe[accountID]
	now := r.now()
	if seen && now.Sub(last) < r.cfg.UnsubscribeThrottling {
		r.mu.Unlock()
		return
	}
	r.lastUnsubscribe[accountID] = now
	r.mu.Unlock()

	go func() {
		_, err := r.conn.RPCRequest(r.ctx, accountID, map[string]any{"type": "unsubscribe"}, 0)
		if err != nil {
			r.logger.Debug("throttled unsubscribe failed", "accountId", accountID, "error", err)
		}
	}()
}

func (r *Router) touchHost(instanceID string) {
	r.mu.Lock()
	if _, ok := r.connectedHosts[instanceID]; ok {
		r.connectedHosts[instanceID] = r.now()
	}
	r.mu.Unlock()
}

func (r *Router) handleAuthenticated(pkt *packet.Packet) {
	// Stale frames from a previous connection run carry the old session id.
	if pkt.SessionID != "" {
		if socketIndex, ok := r.conn.SocketIndex(pkt.InstanceIndex, pkt.AccountID); ok {
			if current := r.conn.SocketSessionID(pkt.InstanceIndex, socketIndex); current != "" && current != pkt.SessionID {
				r.logger.Debug("ignoring authenticated packet from a stale session",
					"accountId", pkt.AccountID, "sessionId", pkt.SessionID)
				return
			}
		}
	}

	r.mu.Lock()
	r.connectedHosts[pkt.InstanceID()] = r.now()
	r.mu.Unlock()

	// The replica is streaming now, so its retry loop has done its job.
	r.supervisor.CancelSubscribe(pkt.AccountID, pkt.InstanceIndex)

	replicas := 1
	if v, ok := pkt.Data["replicas"].(float64); ok {
		replicas = int(v)
	}
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnConnected(ctx, pkt.InstanceIndexKey(), replicas)
	})
}

func (r *Router) handleDisconnected(pkt *packet.Packet) {
	instanceID := pkt.InstanceID()
	r.mu.Lock()
	delete(r.connectedHosts, instanceID)
	prefix := pkt.SubscriptionKey() + ":"
	onlyActive := true
	for host := range r.connectedHosts {
		if strings.HasPrefix(host, prefix) {
			onlyActive = false
			break
		}
	}
	r.mu.Unlock()

	host := pkt.Host
	if host == "" {
		host = "0"
	}
	r.conn.RemoveSynchronizationIDByParameters(pkt.AccountID, pkt.InstanceIndex, host)
	r.orderer.OnStreamClosed(instanceID)

	// While another replica still streams, the account stays up: only the
	// departing stream closes. The account-level disconnect fires when the
	// last replica goes.
	if onlyActive {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnDisconnected(ctx, pkt.InstanceIndexKey())
		})
	}
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnStreamClosed(ctx, pkt.InstanceIndexKey())
	})

	if onlyActive {
		go r.supervisor.OnDisconnected(r.ctx, pkt.AccountID, pkt.InstanceIndex)
	}
}

func (r *Router) handleStatus(pkt *packet.Packet) {
	instanceID := pkt.InstanceID()
	r.mu.Lock()
	_, known := r.connectedHosts[instanceID]
	if known {
		r.connectedHosts[instanceID] = r.now()
	}
	r.mu.Unlock()

	if !known {
		// A status stream without a preceding authenticated packet means
		// the server still considers an old session alive. Resubscribe
		// unless a fresh explicit subscribe is already running.
		if _, assigned := r.conn.SocketIndex(pkt.InstanceIndex, pkt.AccountID); !assigned {
			return
		}
		if r.supervisor.IsDisconnectedRetryMode(pkt.AccountID, pkt.InstanceIndex) ||
			!r.supervisor.IsAccountSubscribing(pkt.AccountID, -1) {
			r.supervisor.CancelSubscribe(pkt.AccountID, pkt.InstanceIndex)
			go r.supervisor.ScheduleSubscribe(r.ctx, pkt.AccountID, pkt.InstanceIndex, true)
		}
		return
	}

	if connected, ok := pkt.Data["connected"].(bool); ok {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnBrokerConnectionStatusChanged(ctx, pkt.InstanceIndexKey(), connected)
		})
	}
	if hs, ok := pkt.Data["healthStatus"].(map[string]any); ok {
		status := listener.HealthStatus{}
		status.RestAPIHealthy, _ = hs["restApiHealthy"].(bool)
		status.CopyFactorySubscriberHealthy, _ = hs["copyFactorySubscriberHealthy"].(bool)
		status.CopyFactoryProviderHealthy, _ = hs["copyFactoryProviderHealthy"].(bool)
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnHealthStatus(ctx, pkt.InstanceIndexKey(), status)
		})
	}
}

func (r *Router) handleSynchronizationStarted(pkt *packet.Packet) {
	specifications := boolOr(pkt.Data["specificationsUpdated"], true)
	positions := boolOr(pkt.Data["positionsUpdated"], true)
	orders := boolOr(pkt.Data["ordersUpdated"], true)

	r.mu.Lock()
	r.flags[pkt.SynchronizationID] = &syncFlags{positionsUpdated: positions, ordersUpdated: orders}
	r.mu.Unlock()
	if r.m != nil {
		r.m.ActiveSynchronizations.Inc()
	}

	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnSynchronizationStarted(ctx, pkt.InstanceIndexKey(), specifications, positions, orders, pkt.SynchronizationID)
	})
}

func (r *Router) handleAccountInformation(pkt *packet.Packet) {
	if info, ok := pkt.Data["accountInformation"].(map[string]any); ok {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnAccountInformationUpdated(ctx, pkt.InstanceIndexKey(), info)
		})
	}

	// A run that carries neither positions nor orders completes here.
	flags := r.lookupFlags(pkt.SynchronizationID)
	if flags == nil {
		return
	}
	if !flags.positionsUpdated {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnPositionsSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
		})
		if !flags.ordersUpdated {
			r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
				return l.OnPendingOrdersSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
			})
			r.clearFlags(pkt.SynchronizationID)
		}
	}
}

func (r *Router) handlePositions(pkt *packet.Packet) {
	positions := mapSlice(pkt.Data["positions"])
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnPositionsReplaced(ctx, pkt.InstanceIndexKey(), positions)
	})
	if pkt.SynchronizationID == "" {
		return
	}
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnPositionsSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
	})

	// A run without orders completes at the positions packet.
	if flags := r.lookupFlags(pkt.SynchronizationID); flags != nil && !flags.ordersUpdated {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnPendingOrdersSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
		})
		r.clearFlags(pkt.SynchronizationID)
	}
}

func (r *Router) handleOrders(pkt *packet.Packet) {
	orders := mapSlice(pkt.Data["orders"])
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnPendingOrdersReplaced(ctx, pkt.InstanceIndexKey(), orders)
	})
	if pkt.SynchronizationID == "" {
		return
	}
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnPendingOrdersSynchronized(ctx, pkt.InstanceIndexKey(), pkt.SynchronizationID)
	})
	r.clearFlags(pkt.SynchronizationID)
}

func (r *Router) handleUpdate(pkt *packet.Packet) {
	key := pkt.InstanceIndexKey()
	if info, ok := pkt.Data["accountInformation"].(map[string]any); ok {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnAccountInformationUpdated(ctx, key, info)
		})
	}
	updatedPositions := mapSlice(pkt.Data["updatedPositions"])
	removedPositionIDs := stringSlice(pkt.Data["removedPositionIds"])
	if len(updatedPositions) > 0 || len(removedPositionIDs) > 0 {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnPositionsUpdated(ctx, key, updatedPositions, removedPositionIDs)
		})
	}
	updatedOrders := mapSlice(pkt.Data["updatedOrders"])
	completedOrderIDs := stringSlice(pkt.Data["completedOrderIds"])
	if len(updatedOrders) > 0 || len(completedOrderIDs) > 0 {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnPendingOrdersUpdated(ctx, key, updatedOrders, completedOrderIDs)
		})
	}
	for _, order := range mapSlice(pkt.Data["historyOrders"]) {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnHistoryOrderAdded(ctx, key, order)
		})
	}
	for _, deal := range mapSlice(pkt.Data["deals"]) {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnDealAdded(ctx, key, deal)
		})
	}

	if ts, ok := pkt.Data["timestamps"].(map[string]any); ok {
		ts["clientProcessingFinished"] = r.now()
		for _, l := range r.registry.Latency() {
			if err := l.OnUpdate(r.ctx, pkt.AccountID, ts); err != nil {
				r.logger.Warn("latency listener failed", "accountId", pkt.AccountID, "error", err)
			}
		}
	}
}

func (r *Router) handleHistoryOrders(pkt *packet.Packet) {
	key := pkt.InstanceIndexKey()
	for _, order := range mapSlice(pkt.Data["historyOrders"]) {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnHistoryOrderAdded(ctx, key, order)
		})
	}
}

func (r *Router) handleDeals(pkt *packet.Packet) {
	key := pkt.InstanceIndexKey()
	for _, deal := range mapSlice(pkt.Data["deals"]) {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnDealAdded(ctx, key, deal)
		})
	}
}

func (r *Router) handleSpecifications(pkt *packet.Packet) {
	key := pkt.InstanceIndexKey()
	specifications := mapSlice(pkt.Data["specifications"])
	removedSymbols := stringSlice(pkt.Data["removedSymbols"])
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnSymbolSpecificationsUpdated(ctx, key, specifications, removedSymbols)
	})
	for _, spec := range specifications {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnSymbolSpecificationUpdated(ctx, key, spec)
		})
	}
	for _, symbol := range removedSymbols {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnSymbolSpecificationRemoved(ctx, key, symbol)
		})
	}
}

func (r *Router) handlePrices(pkt *packet.Packet) {
	key := pkt.InstanceIndexKey()
	prices := mapSlice(pkt.Data["prices"])
	candles := mapSlice(pkt.Data["candles"])
	ticks := mapSlice(pkt.Data["ticks"])
	books := mapSlice(pkt.Data["books"])
	equity := floatOr(pkt.Data["equity"])
	margin := floatOr(pkt.Data["margin"])
	freeMargin := floatOr(pkt.Data["freeMargin"])
	marginLevel := floatOr(pkt.Data["marginLevel"])
	exchangeRate := floatOr(pkt.Data["accountCurrencyExchangeRate"])

	if len(prices) > 0 {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnSymbolPricesUpdated(ctx, key, prices, equity, margin, freeMargin, marginLevel, exchangeRate)
		})
		for _, price := range prices {
			r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
				return l.OnSymbolPriceUpdated(ctx, key, price)
			})
		}
	}
	if len(candles) > 0 {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnCandlesUpdated(ctx, key, candles, equity, margin, freeMargin, marginLevel, exchangeRate)
		})
	}
	if len(ticks) > 0 {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnTicksUpdated(ctx, key, ticks, equity, margin, freeMargin, marginLevel, exchangeRate)
		})
	}
	if len(books) > 0 {
		r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
			return l.OnBooksUpdated(ctx, key, books, equity, margin, freeMargin, marginLevel, exchangeRate)
		})
	}

	for _, price := range prices {
		ts, ok := price["timestamps"].(map[string]any)
		if !ok {
			continue
		}
		ts["clientProcessingFinished"] = r.now()
		symbol, _ := price["symbol"].(string)
		for _, l := range r.registry.Latency() {
			if err := l.OnSymbolPrice(r.ctx, pkt.AccountID, symbol, ts); err != nil {
				r.logger.Warn("latency listener failed", "accountId", pkt.AccountID, "error", err)
			}
		}
	}
}

func (r *Router) handleDowngrade(pkt *packet.Packet) {
	symbol, _ := pkt.Data["symbol"].(string)
	updates := mapSlice(pkt.Data["updates"])
	unsubscriptions := mapSlice(pkt.Data["unsubscriptions"])
	r.fanOut(pkt, func(ctx context.Context, l listener.Synchronization) error {
		return l.OnSubscriptionDowngraded(ctx, pkt.InstanceIndexKey(), symbol, updates, unsubscriptions)
	})
}

// fanOut invokes one callback on every synchronization listener of the
// account concurrently. A failing listener is logged and never affects the
// others.
func (r *Router) fanOut(pkt *packet.Packet, call func(context.Context, listener.Synchronization) error) {
	r.fanOutAccount(pkt.AccountID, pkt.Type, call)
}

func (r *Router) fanOutAccount(accountID, packetType string, call func(context.Context, listener.Synchronization) error) {
	listeners := r.registry.Synchronization(accountID)
	if len(listeners) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(r.ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := call(gctx, l); err != nil {
				r.logger.Warn("synchronization listener failed",
					"accountId", accountID,
					"type", packetType,
					"error", err,
				)
			}
			return nil
		})
	}
	g.Wait()
}

func (r *Router) lookupFlags(syncID string) *syncFlags {
	if syncID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[syncID]
}

func (r *Router) clearFlags(syncID string) {
	r.mu.Lock()
	_, ok := r.flags[syncID]
	delete(r.flags, syncID)
	r.mu.Unlock()
	if ok && r.m != nil {
		r.m.ActiveSynchronizations.Dec()
	}
}

// watchdogLoop expires replicas whose status stream went silent and hands
// them to the supervisor for resubscription.
func (r *Router) watchdogLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.expireSilentHosts()
		}
	}
}

func (r *Router) expireSilentHosts() {
	now := r.now()
	type expired struct {
		accountID      string
		instanceNumber int
		instanceIndex  string
		onlyActive     bool
	}
	var timedOut []expired

	r.mu.Lock()
	for host, last := range r.connectedHosts {
		if now.Sub(last) < r.cfg.StatusTimeout {
			continue
		}
		delete(r.connectedHosts, host)
		accountID, instanceNumber, hostName, ok := splitInstanceID(host)
		if !ok {
			continue
		}
		e := expired{
			accountID:      accountID,
			instanceNumber: instanceNumber,
			instanceIndex:  fmt.Sprintf("%d:%s", instanceNumber, hostName),
			onlyActive:     true,
		}
		prefix := fmt.Sprintf("%s:%d:", accountID, instanceNumber)
		for other := range r.connectedHosts {
			if strings.HasPrefix(other, prefix) {
				e.onlyActive = false
				break
			}
		}
		timedOut = append(timedOut, e)
	}
	r.mu.Unlock()

	for _, e := range timedOut {
		r.logger.Warn("status stream timed out",
			"accountId", e.accountID, "instanceNumber", e.instanceNumber)
		if e.onlyActive {
			r.fanOutAccount(e.accountID, "status", func(ctx context.Context, l listener.Synchronization) error {
				return l.OnDisconnected(ctx, e.instanceIndex)
			})
		}
		r.supervisor.OnTimeout(r.ctx, e.accountID, e.instanceNumber)
	}
}

// splitInstanceID parses accountId:instanceNumber:host.
func splitInstanceID(instanceID string) (accountID string, instanceNumber int, host string, ok bool) {
	parts := strings.SplitN(instanceID, ":", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], n, parts[2], true
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func floatOr(v any) float64 {
	f, _ := v.(float64)
	return f
}

func mapSlice(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

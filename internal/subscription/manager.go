// Package subscription supervises per-account subscribe retry loops and the
// rate-limit locks the gateway imposes on them.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
)

const (
	initialRetryInterval = 3 * time.Second
	maxRetryInterval     = 300 * time.Second
)

// Gateway is the slice of the socket pool the supervisor drives. The pool
// implements it.
type Gateway interface {
	// SubscribeAccount sends a subscribe request for one account replica.
	SubscribeAccount(ctx context.Context, accountID string, instanceNumber int) error
	// SocketIndex reports which socket instance serves the account, if any.
	SocketIndex(instanceNumber int, accountID string) (int, bool)
	// RemoveAccount drops the account's socket assignment.
	RemoveAccount(instanceNumber int, accountID string)
	// LockSocketInstance applies a server-issued subscription lock.
	LockSocketInstance(ctx context.Context, instanceNumber, socketIndex int, accountID string, metadata *errs.TooManyRequestsMetadata)
	// IsConnected reports whether a socket instance is connected.
	IsConnected(instanceNumber, socketIndex int) bool
}

type job struct {
	shouldRetry             bool
	isDisconnectedRetryMode bool
	// wake releases the current backoff sleep early. Nil between sleeps.
	wake chan struct{}
	// cancel aborts the in-flight subscribe attempt.
	cancel context.CancelFunc
}

// Manager owns one retry loop per account replica and remembers which
// accounts have an active subscription intent.
type Manager struct {
	gateway Gateway
	logger  *slog.Logger

	mu                  sync.Mutex
	subscriptions       map[string]*job // accountId:instanceNumber
	subscriptionState   map[string]bool // accountId -> subscribe intent
	awaitingResubscribe map[string]bool

	sleep         func(ctx context.Context, d time.Duration) bool
	retryInterval time.Duration
}

// NewManager creates a subscription supervisor over the given socket pool.
func NewManager(gateway Gateway, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gateway:             gateway,
		logger:              logger,
		subscriptions:       make(map[string]*job),
		subscriptionState:   make(map[string]bool),
		awaitingResubscribe: make(map[string]bool),
		sleep:               sleepCtx,
		retryInterval:       initialRetryInterval,
	}
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

func instanceID(accountID string, instanceNumber int) string {
	return fmt.Sprintf("%s:%d", accountID, instanceNumber)
}

// IsAccountSubscribing reports whether any retry loop runs for the account,
// or for one specific replica when instanceNumber is >= 0.
func (m *Manager) IsAccountSubscribing(accountID string, instanceNumber int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instanceNumber >= 0 {
		_, ok := m.subscriptions[instanceID(accountID, instanceNumber)]
		return ok
	}
	for key := range m.subscriptions {
		if strings.HasPrefix(key, accountID+":") {
			return true
		}
	}
	return false
}

// IsDisconnectedRetryMode reports whether the replica's loop was started by a
// disconnect rather than an explicit subscribe.
func (m *Manager) IsDisconnectedRetryMode(accountID string, instanceNumber int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.subscriptions[instanceID(accountID, instanceNumber)]; ok {
		return j.isDisconnectedRetryMode
	}
	return false
}

// IsSubscriptionActive reports whether the account still wants a stream.
func (m *Manager) IsSubscriptionActive(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptionState[accountID]
}

// Subscribe performs a single subscribe attempt and records the account's
// subscribe intent.
func (m *Manager) Subscribe(ctx context.Context, accountID string, instanceNumber int) error {
	m.mu.Lock()
	m.subscriptionState[accountID] = true
	m.mu.Unlock()
	return m.gateway.SubscribeAccount(ctx, accountID, instanceNumber)
}

// ScheduleSubscribe starts the retry loop for an account replica. It blocks
// until the subscription succeeds or is cancelled; callers that only want to
// kick it off run it in a goroutine. A second call for the same replica while
// a loop is running returns immediately.
func (m *Manager) ScheduleSubscribe(ctx context.Context, accountID string, instanceNumber int, isDisconnectedRetryMode bool) {
	key := instanceID(accountID, instanceNumber)
	m.mu.Lock()
	if _, ok := m.subscriptions[key]; ok {
		m.mu.Unlock()
		return
	}
	j := &job{shouldRetry: true, isDisconnectedRetryMode: isDisconnectedRetryMode}
	m.subscriptions[key] = j
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subscriptions, key)
		m.mu.Unlock()
	}()

	interval := m.retryInterval
	for {
		m.attemptSubscribe(ctx, j, accountID, instanceNumber, interval)

		m.mu.Lock()
		retry := j.shouldRetry
		var wake chan struct{}
		if retry {
			wake = make(chan struct{})
			j.wake = wake
		}
		m.mu.Unlock()
		if !retry || ctx.Err() != nil {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-wake:
			t.Stop()
		case <-t.C:
		}
		m.mu.Lock()
		j.wake = nil
		retry = j.shouldRetry
		m.mu.Unlock()
		if !retry {
			return
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

// attemptSubscribe runs one subscribe attempt and absorbs its failure modes.
// Rate-limit errors either lock the socket instance or wait out the
// recommended retry time. retryInterval is the loop's next natural backoff.
func (m *Manager) attemptSubscribe(ctx context.Context, j *job, accountID string, instanceNumber int, retryInterval time.Duration) {
	attemptCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	j.cancel = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		j.cancel = nil
		m.mu.Unlock()
	}()

	err := m.Subscribe(attemptCtx, accountID, instanceNumber)
	if err == nil || !errs.Is(err, errs.TooManyRequests) {
		if err != nil {
			m.logger.Debug("subscribe attempt failed",
				"accountId", accountID, "instanceNumber", instanceNumber, "error", err)
		}
		return
	}

	metadata := errs.MetadataOf(err)
	if metadata == nil {
		return
	}
	socketIndex, assigned := m.gateway.SocketIndex(instanceNumber, accountID)
	switch metadata.Type {
	case errs.LimitSubscriptionsPerUserPerServer, errs.LimitSubscriptionsPerServer:
		// The account moves off this socket; the next attempt reassigns it
		// while the lock keeps new accounts away.
		m.gateway.RemoveAccount(instanceNumber, accountID)
		if assigned {
			m.gateway.LockSocketInstance(ctx, instanceNumber, socketIndex, accountID, metadata)
		}
		// When the server pushes the retry further out than the natural
		// backoff, honor the later time.
		if wait := time.Until(metadata.RecommendedRetryTime); wait > retryInterval {
			m.sleep(ctx, wait-retryInterval)
		}
	case errs.LimitSubscriptionsPerUser:
		// A user-level limit locks the whole pool, not one socket. The
		// assignment stays; new placements block until the lock releases.
		if assigned {
			m.gateway.LockSocketInstance(ctx, instanceNumber, socketIndex, accountID, metadata)
		}
		if !metadata.RecommendedRetryTime.IsZero() {
			if wait := time.Until(metadata.RecommendedRetryTime); wait > 0 {
				m.sleep(ctx, wait)
			}
		}
	default:
		m.logger.Warn("unexpected rate limit type on subscribe",
			"accountId", accountID, "type", metadata.Type)
	}
}

// CancelSubscribe stops one replica's retry loop.
func (m *Manager) CancelSubscribe(accountID string, instanceNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(instanceID(accountID, instanceNumber))
}

func (m *Manager) cancelLocked(key string) {
	j, ok := m.subscriptions[key]
	if !ok {
		return
	}
	j.shouldRetry = false
	if j.wake != nil {
		close(j.wake)
		j.wake = nil
	}
	if j.cancel != nil {
		j.cancel()
	}
}

// CancelAccount stops every retry loop of the account and clears its
// subscribe intent.
func (m *Manager) CancelAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptionState, accountID)
	for key := range m.subscriptions {
		if strings.HasPrefix(key, accountID+":") {
			m.cancelLocked(key)
		}
	}
}

// OnTimeout restarts subscription after a status watchdog timeout, provided
// the account is still assigned to a connected socket.
func (m *Manager) OnTimeout(ctx context.Context, accountID string, instanceNumber int) {
	socketIndex, ok := m.gateway.SocketIndex(instanceNumber, accountID)
	if !ok || !m.gateway.IsConnected(instanceNumber, socketIndex) {
		return
	}
	go m.ScheduleSubscribe(ctx, accountID, instanceNumber, true)
}

// OnDisconnected restarts subscription after a server-sent disconnect. The
// uniform 1-5s delay spreads the resubscribe stampede across accounts.
func (m *Manager) OnDisconnected(ctx context.Context, accountID string, instanceNumber int) {
	delay := time.Duration(float64(time.Second) * (1 + 4*rand.Float64()))
	if !m.sleep(ctx, delay) {
		return
	}
	if _, ok := m.gateway.SocketIndex(instanceNumber, accountID); !ok {
		return
	}
	go m.ScheduleSubscribe(ctx, accountID, instanceNumber, true)
}

// OnReconnected handles a socket reconnect: loops of accounts on the
// reconnected socket are cancelled, then each listed account is resubscribed
// once its previous loops have fully wound down.
func (m *Manager) OnReconnected(ctx context.Context, instanceNumber, socketIndex int, reconnectAccountIDs []string) {
	m.mu.Lock()
	for key := range m.subscriptions {
		accountID := key[:strings.LastIndex(key, ":")]
		if idx, ok := m.gateway.SocketIndex(instanceNumber, accountID); ok && idx == socketIndex {
			m.cancelLocked(key)
		}
	}
	m.mu.Unlock()

	for _, accountID := range reconnectAccountIDs {
		m.mu.Lock()
		if m.awaitingResubscribe[accountID] {
			m.mu.Unlock()
			continue
		}
		m.awaitingResubscribe[accountID] = true
		m.mu.Unlock()

		go func(accountID string) {
			for m.IsAccountSubscribing(accountID, -1) {
				if !m.sleep(ctx, time.Second) {
					return
				}
			}
			m.mu.Lock()
			delete(m.awaitingResubscribe, accountID)
			m.mu.Unlock()
			m.ScheduleSubscribe(ctx, accountID, 0, false)
		}(accountID)
	}
}

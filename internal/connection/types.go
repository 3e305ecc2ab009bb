package connection

import (
	"context"
	"errors"
	"time"

	"github.com/metaapi/metaapi-go/internal/packet"
	"github.com/metaapi/metaapi-go/internal/throttler"
	"github.com/metaapi/metaapi-go/internal/transport"
)

// Errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrPoolClosed       = errors.New("socket pool closed")
)

// RetryOptions tunes the RPC retry loop and the post-lock cooldown.
type RetryOptions struct {
	Retries           int
	MinDelay          time.Duration
	MaxDelay          time.Duration
	SubscribeCooldown time.Duration
}

// Config configures the socket pool.
type Config struct {
	Token       string
	Application string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Retry RetryOptions

	MaxAccountsPerInstance int
	ReconnectBaseDelay     time.Duration
	ReconnectMaxDelay      time.Duration

	Transport transport.Config  // URL, Token and ClientID are filled per connect
	Throttler throttler.Options // per-socket synchronization throttling
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Application:            "MetaApi",
		ConnectTimeout:         60 * time.Second,
		RequestTimeout:         60 * time.Second,
		Retry:                  RetryOptions{Retries: 5, MinDelay: time.Second, MaxDelay: 30 * time.Second, SubscribeCooldown: 600 * time.Second},
		MaxAccountsPerInstance: 100,
		ReconnectBaseDelay:     time.Second,
		ReconnectMaxDelay:      60 * time.Second,
		Transport:              transport.DefaultConfig(),
		Throttler:              throttler.DefaultOptions(),
	}
}

// SubscribeLock records a server-issued rate limit on subscriptions. The
// pool-wide lock uses RecommendedRetryTime, LockedAtAccounts and
// LockedAtTime; per-socket locks additionally carry the lock type.
type SubscribeLock struct {
	Type                 string
	RecommendedRetryTime time.Time
	LockedAtAccounts     int
	LockedAtTime         time.Time
}

// EventSink receives everything the pool cannot handle by itself. The event
// router implements it.
type EventSink interface {
	// HandleSynchronization is invoked for every inbound synchronization
	// packet on the socket's read loop.
	HandleSynchronization(instanceNumber, socketIndex int, pkt *packet.Packet)

	// OnSocketReconnected is invoked after a socket instance reconnects,
	// with the accounts that were assigned to it.
	OnSocketReconnected(ctx context.Context, instanceNumber, socketIndex int, accountIDs []string)

	// OnResponseTimestamps is invoked for RPC responses carrying timing
	// measurements, after clientProcessingFinished is stamped.
	OnResponseTimestamps(accountID, requestType string, timestamps map[string]any)
}

// URLResolver yields the gateway base URL. The gateway package implements it.
type URLResolver interface {
	ResolveURL(ctx context.Context) (string, error)
}

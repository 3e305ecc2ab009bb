// Package metaapi is a streaming client for MetaTrader accounts. It keeps a
// pool of multiplexed websocket connections to the trading gateway, restores
// event order per account and fans account state out to listeners.
package metaapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/metaapi/metaapi-go/internal/config"
	"github.com/metaapi/metaapi-go/internal/connection"
	"github.com/metaapi/metaapi-go/internal/gateway"
	"github.com/metaapi/metaapi-go/internal/listener"
	"github.com/metaapi/metaapi-go/internal/metrics"
	"github.com/metaapi/metaapi-go/internal/packetlog"
	"github.com/metaapi/metaapi-go/internal/router"
	"github.com/metaapi/metaapi-go/internal/subscription"
	"github.com/metaapi/metaapi-go/internal/throttler"
)

// Re-exported listener types so callers do not import internal packages.
type (
	// SynchronizationListener receives account state events.
	SynchronizationListener = listener.Synchronization
	// BaseSynchronizationListener is a no-op SynchronizationListener to embed.
	BaseSynchronizationListener = listener.BaseSynchronization
	// LatencyListener receives client-side timing measurements.
	LatencyListener = listener.Latency
	// BaseLatencyListener is a no-op LatencyListener to embed.
	BaseLatencyListener = listener.BaseLatency
	// ReconnectListener is notified after its account's socket reconnects.
	ReconnectListener = listener.Reconnect
	// HealthStatus is the server-reported health of one account replica.
	HealthStatus = listener.HealthStatus
)

// Config is the root client configuration.
type Config = config.ClientConfig

// Account is the provisioning record of one trading account.
type Account = gateway.Account

// AccountsFilter narrows an account listing.
type AccountsFilter = gateway.GetAccountsOptions

// QueueStats summarizes the client's event queues.
type QueueStats = router.QueueStats

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.LoadAndValidate(path)
}

// DefaultConfig returns a configuration with defaults applied, ready to use
// with just an auth token.
func DefaultConfig(token string) *Config {
	return config.Default(token)
}

// Client is the entry point: one instance serves many accounts over a shared
// socket pool.
type Client struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	m      *metrics.Metrics

	resolver   *gateway.Resolver
	accounts   *gateway.AccountClient
	pool       *connection.Pool
	supervisor *subscription.Manager
	registry   *listener.Registry
	router     *router.Router
	packetLog  *packetlog.Logger

	metricsServer *http.Server

	mu     sync.Mutex
	closed bool
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// NewClient validates the configuration and assembles the client. No
// connection is opened until the first account subscribes.
func NewClient(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		c.m = metrics.New()
	}

	c.resolver = gateway.NewResolver(
		cfg.Gateway.Domain,
		cfg.Auth.Region,
		cfg.Auth.Token,
		cfg.Gateway.UseSharedClientAPI,
		gateway.WithLogger(logger),
	)
	c.accounts = gateway.NewAccountClient(
		cfg.Gateway.Domain,
		cfg.Auth.Token,
		gateway.WithAccountLogger(logger),
	)

	poolCfg := connection.DefaultConfig()
	poolCfg.Token = cfg.Auth.Token
	poolCfg.Application = cfg.Auth.Application
	poolCfg.ConnectTimeout = cfg.Gateway.ConnectTimeout
	poolCfg.RequestTimeout = cfg.Gateway.RequestTimeout
	poolCfg.Retry = connection.RetryOptions{
		Retries:           cfg.Retry.Retries,
		MinDelay:          cfg.Retry.MinDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		SubscribeCooldown: cfg.Retry.SubscribeCooldown,
	}
	poolCfg.MaxAccountsPerInstance = cfg.Connections.MaxAccountsPerInstance
	poolCfg.ReconnectBaseDelay = cfg.Connections.ReconnectBaseDelay
	poolCfg.ReconnectMaxDelay = cfg.Connections.ReconnectMaxDelay
	poolCfg.Transport.PingInterval = cfg.Connections.PingInterval
	poolCfg.Throttler = throttler.Options{
		MaxConcurrentSynchronizations: cfg.Synchronization.MaxConcurrentSynchronizations,
		QueueTimeout:                  cfg.Synchronization.QueueTimeout,
		SynchronizationTimeout:        throttler.DefaultOptions().SynchronizationTimeout,
	}

	var poolOpts []connection.PoolOption
	if c.m != nil {
		poolOpts = append(poolOpts, connection.WithMetrics(c.m))
	}
	c.pool = connection.NewPool(poolCfg, c.resolver, logger, poolOpts...)
	c.supervisor = subscription.NewManager(c.pool, logger)
	c.registry = listener.NewRegistry()

	routerCfg := router.Config{
		OrderingTimeout:       cfg.Synchronization.PacketOrderingTimeout,
		StatusTimeout:         cfg.Synchronization.StatusTimeout,
		EventWarningThreshold: cfg.Synchronization.EventProcessingTimeoutWarning,
		UnsubscribeThrottling: cfg.Synchronization.UnsubscribeThrottlingInterval,
		QueueCapacity:         router.DefaultConfig().QueueCapacity,
	}
	routerOpts := []router.Option{}
	if c.m != nil {
		routerOpts = append(routerOpts, router.WithMetrics(c.m))
	}
	if cfg.PacketLogger.Enabled {
		c.packetLog = packetlog.New(packetlog.Options{
			Directory:              cfg.PacketLogger.Directory,
			FileNumberLimit:        cfg.PacketLogger.FileNumberLimit,
			LogFileSizeInHours:     cfg.PacketLogger.LogFileSizeInHours,
			CompressSpecifications: cfg.PacketLogger.CompressSpecifications,
			CompressPrices:         cfg.PacketLogger.CompressPrices,
		}, logger)
		routerOpts = append(routerOpts, router.WithPacketLogger(c.packetLog))
	}
	c.router = router.New(routerCfg, c.pool, c.supervisor, c.registry, logger, routerOpts...)
	c.pool.SetSink(c.router)

	c.router.Start()
	if c.packetLog != nil {
		c.packetLog.Start()
	}
	if c.m != nil {
		c.startMetricsServer()
	}

	logger.Info("streaming client assembled",
		"domain", cfg.Gateway.Domain,
		"application", cfg.Auth.Application,
	)
	return c, nil
}

func (c *Client) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle(c.cfg.Metrics.Path, c.m.Handler())
	c.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Metrics.Port),
		Handler: mux,
	}
	go func() {
		if err := c.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// GetAccount fetches the provisioning record of one account.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return c.accounts.GetAccount(ctx, accountID)
}

// GetAccounts lists the user's accounts, filtered by the options.
func (c *Client) GetAccounts(ctx context.Context, opts AccountsFilter) ([]Account, error) {
	return c.accounts.GetAccounts(ctx, opts)
}

// DeployAccount schedules the account's terminal for deployment.
func (c *Client) DeployAccount(ctx context.Context, accountID string) error {
	return c.accounts.DeployAccount(ctx, accountID)
}

// UndeployAccount schedules the account's terminal for undeployment.
func (c *Client) UndeployAccount(ctx context.Context, accountID string) error {
	return c.accounts.UndeployAccount(ctx, accountID)
}

// RedeployAccount restarts the account's terminal.
func (c *Client) RedeployAccount(ctx context.Context, accountID string) error {
	return c.accounts.RedeployAccount(ctx, accountID)
}

// WaitDeployed polls the account until its terminal is deployed or the
// context expires.
func (c *Client) WaitDeployed(ctx context.Context, accountID string) (*Account, error) {
	return c.accounts.WaitDeployed(ctx, accountID, 5*time.Second)
}

// Subscribe starts streaming the account. The first call opens a socket if
// none has capacity. Subscription retries are supervised in the background;
// the returned error reflects the initial attempt only.
func (c *Client) Subscribe(ctx context.Context, accountID string) error {
	return c.supervisor.Subscribe(ctx, accountID, 0)
}

// EnsureSubscribed starts streaming the account and keeps retrying with
// backoff in the background until the subscription succeeds.
func (c *Client) EnsureSubscribed(ctx context.Context, accountID string) {
	if err := c.Subscribe(ctx, accountID); err != nil {
		go c.supervisor.ScheduleSubscribe(ctx, accountID, 0, false)
	}
}

// Unsubscribe stops streaming the account and releases its resources.
func (c *Client) Unsubscribe(ctx context.Context, accountID string) error {
	c.supervisor.CancelAccount(accountID)
	c.pool.RemoveSynchronizationIDByParameters(accountID, 0, "0")
	_, err := c.pool.RPCRequest(ctx, accountID, map[string]any{"type": "unsubscribe"}, 0)
	c.pool.RemoveAccount(0, accountID)
	return err
}

// Reconnect forces the server to drop and re-establish the account's stream.
func (c *Client) Reconnect(ctx context.Context, accountID string) error {
	_, err := c.pool.RPCRequest(ctx, accountID, map[string]any{"type": "reconnect"}, 0)
	return err
}

// AddSynchronizationListener registers a state listener for the account.
func (c *Client) AddSynchronizationListener(accountID string, l SynchronizationListener) {
	c.registry.AddSynchronization(accountID, l)
}

// RemoveSynchronizationListener removes a previously registered listener.
func (c *Client) RemoveSynchronizationListener(accountID string, l SynchronizationListener) {
	c.registry.RemoveSynchronization(accountID, l)
}

// AddLatencyListener registers a timing listener for all accounts.
func (c *Client) AddLatencyListener(l LatencyListener) {
	c.registry.AddLatency(l)
}

// RemoveLatencyListener removes a previously registered latency listener.
func (c *Client) RemoveLatencyListener(l LatencyListener) {
	c.registry.RemoveLatency(l)
}

// AddReconnectListener registers a reconnect listener for the account.
func (c *Client) AddReconnectListener(accountID string, l ReconnectListener) {
	c.registry.AddReconnect(accountID, l)
}

// RemoveReconnectListener removes a previously registered reconnect listener.
func (c *Client) RemoveReconnectListener(accountID string, l ReconnectListener) {
	c.registry.RemoveReconnect(accountID, l)
}

// ConnectedHosts returns the replica keys that currently report status.
func (c *Client) ConnectedHosts() []string {
	return c.router.ConnectedHosts()
}

// EventQueueStats sums the event queue counters across all accounts.
func (c *Client) EventQueueStats() QueueStats {
	return c.router.QueueStats()
}

// ReadPacketLogs returns the packet journal of one account, oldest first.
// Returns an empty slice when packet logging is disabled.
func (c *Client) ReadPacketLogs(accountID string) ([]string, error) {
	if c.packetLog == nil {
		return nil, nil
	}
	return c.packetLog.ReadLogs(accountID)
}

// Close tears the client down: sockets, router, packet journal and the
// metrics endpoint.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.pool.Close()
	c.router.Stop()
	if c.packetLog != nil {
		c.packetLog.Stop()
	}
	c.registry.RemoveAll()
	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.metricsServer.Shutdown(ctx)
	}
	c.logger.Info("streaming client closed")
	return nil
}

package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultApplication            = "MetaApi"
	DefaultDomain                 = "agiliumtrade.agiliumtrade.ai"
	DefaultConnectTimeout         = 60 * time.Second
	DefaultRequestTimeout         = 60 * time.Second
	DefaultRetries                = 5
	DefaultMinRetryDelay          = 1 * time.Second
	DefaultMaxRetryDelay          = 30 * time.Second
	DefaultSubscribeCooldown      = 600 * time.Second
	DefaultMaxAccountsPerInstance = 100
	DefaultPingInterval           = 15 * time.Second
	DefaultReconnectBaseDelay     = 1 * time.Second
	DefaultReconnectMaxDelay      = 60 * time.Second
	DefaultPacketOrderingTimeout  = 60 * time.Second
	DefaultMaxConcurrentSyncs     = 10
	DefaultSyncQueueTimeout       = 5 * time.Minute
	DefaultStatusTimeout          = 60 * time.Second
	DefaultUnsubscribeThrottling  = 10 * time.Second
	DefaultLongEventWarning       = 1 * time.Second
	DefaultPacketLogDirectory     = ".metaapi/logs"
	DefaultFileNumberLimit        = 12
	DefaultLogFileSizeInHours     = 4
	DefaultMetricsPort            = 9090
	DefaultMetricsPath            = "/metrics"
)

func (c *ClientConfig) applyDefaults() {
	// Auth defaults
	if c.Auth.Application == "" {
		c.Auth.Application = DefaultApplication
	}

	// Gateway defaults
	if c.Gateway.Domain == "" {
		c.Gateway.Domain = DefaultDomain
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = DefaultRequestTimeout
	}

	// Retry defaults
	if c.Retry.Retries == 0 {
		c.Retry.Retries = DefaultRetries
	}
	if c.Retry.MinDelay == 0 {
		c.Retry.MinDelay = DefaultMinRetryDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultMaxRetryDelay
	}
	if c.Retry.SubscribeCooldown == 0 {
		c.Retry.SubscribeCooldown = DefaultSubscribeCooldown
	}

	// Connections defaults
	if c.Connections.MaxAccountsPerInstance == 0 {
		c.Connections.MaxAccountsPerInstance = DefaultMaxAccountsPerInstance
	}
	if c.Connections.PingInterval == 0 {
		c.Connections.PingInterval = DefaultPingInterval
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Synchronization defaults
	if c.Synchronization.PacketOrderingTimeout == 0 {
		c.Synchronization.PacketOrderingTimeout = DefaultPacketOrderingTimeout
	}
	if c.Synchronization.MaxConcurrentSynchronizations == 0 {
		c.Synchronization.MaxConcurrentSynchronizations = DefaultMaxConcurrentSyncs
	}
	if c.Synchronization.QueueTimeout == 0 {
		c.Synchronization.QueueTimeout = DefaultSyncQueueTimeout
	}
	if c.Synchronization.StatusTimeout == 0 {
		c.Synchronization.StatusTimeout = DefaultStatusTimeout
	}
	if c.Synchronization.UnsubscribeThrottlingInterval == 0 {
		c.Synchronization.UnsubscribeThrottlingInterval = DefaultUnsubscribeThrottling
	}
	if c.Synchronization.EventProcessingTimeoutWarning == 0 {
		c.Synchronization.EventProcessingTimeoutWarning = DefaultLongEventWarning
	}

	// Packet logger defaults
	if c.PacketLogger.Directory == "" {
		c.PacketLogger.Directory = DefaultPacketLogDirectory
	}
	if c.PacketLogger.FileNumberLimit == 0 {
		c.PacketLogger.FileNumberLimit = DefaultFileNumberLimit
	}
	if c.PacketLogger.LogFileSizeInHours == 0 {
		c.PacketLogger.LogFileSizeInHours = DefaultLogFileSizeInHours
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

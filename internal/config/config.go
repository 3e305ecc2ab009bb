package config

import "time"

// ClientConfig is the root configuration for a streaming client instance.
type ClientConfig struct {
	Auth            AuthConfig            `yaml:"auth"`
	Gateway         GatewayConfig         `yaml:"gateway"`
	Retry           RetryConfig           `yaml:"retry"`
	Connections     ConnectionsConfig     `yaml:"connections"`
	Synchronization SynchronizationConfig `yaml:"synchronization"`
	PacketLogger    PacketLoggerConfig    `yaml:"packet_logger"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// AuthConfig identifies the API user.
type AuthConfig struct {
	Token       string `yaml:"token"`
	Application string `yaml:"application"`
	Region      string `yaml:"region"`
}

// GatewayConfig holds client API endpoint settings.
type GatewayConfig struct {
	Domain             string        `yaml:"domain"`
	UseSharedClientAPI bool          `yaml:"use_shared_client_api"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// RetryConfig tunes RPC retries and subscription rate-limit handling.
type RetryConfig struct {
	Retries           int           `yaml:"retries"`
	MinDelay          time.Duration `yaml:"min_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	SubscribeCooldown time.Duration `yaml:"subscribe_cooldown"`
}

// ConnectionsConfig holds socket pool settings.
type ConnectionsConfig struct {
	MaxAccountsPerInstance int           `yaml:"max_accounts_per_instance"`
	PingInterval           time.Duration `yaml:"ping_interval"`
	ReconnectBaseDelay     time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay      time.Duration `yaml:"reconnect_max_delay"`
}

// SynchronizationConfig holds packet ordering and throttling settings.
type SynchronizationConfig struct {
	PacketOrderingTimeout         time.Duration `yaml:"packet_ordering_timeout"`
	MaxConcurrentSynchronizations int           `yaml:"max_concurrent_synchronizations"`
	QueueTimeout                  time.Duration `yaml:"queue_timeout"`
	StatusTimeout                 time.Duration `yaml:"status_timeout"`
	UnsubscribeThrottlingInterval time.Duration `yaml:"unsubscribe_throttling_interval"`
	EventProcessingTimeoutWarning time.Duration `yaml:"event_processing_timeout_warning"`
}

// PacketLoggerConfig holds on-disk packet journal settings.
type PacketLoggerConfig struct {
	Enabled                bool   `yaml:"enabled"`
	Directory              string `yaml:"directory"`
	FileNumberLimit        int    `yaml:"file_number_limit"`
	LogFileSizeInHours     int    `yaml:"log_file_size_in_hours"`
	CompressSpecifications bool   `yaml:"compress_specifications"`
	CompressPrices         bool   `yaml:"compress_prices"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

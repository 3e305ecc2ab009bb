package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *ClientConfig) Validate() error {
	if c.Auth.Token == "" {
		return errors.New("auth.token is required")
	}

	if c.Gateway.RequestTimeout < 0 {
		return errors.New("gateway.request_timeout must be >= 0")
	}
	if c.Gateway.ConnectTimeout < 0 {
		return errors.New("gateway.connect_timeout must be >= 0")
	}

	if c.Retry.Retries < 0 {
		return errors.New("retry.retries must be >= 0")
	}
	if c.Retry.MinDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.min_delay %s exceeds retry.max_delay %s", c.Retry.MinDelay, c.Retry.MaxDelay)
	}

	if c.Connections.MaxAccountsPerInstance < 1 {
		return errors.New("connections.max_accounts_per_instance must be >= 1")
	}
	if c.Connections.ReconnectBaseDelay > c.Connections.ReconnectMaxDelay {
		return errors.New("connections.reconnect_base_delay exceeds connections.reconnect_max_delay")
	}

	if c.Synchronization.MaxConcurrentSynchronizations < 1 {
		return errors.New("synchronization.max_concurrent_synchronizations must be >= 1")
	}

	if c.PacketLogger.Enabled {
		if c.PacketLogger.FileNumberLimit < 1 {
			return errors.New("packet_logger.file_number_limit must be >= 1")
		}
		if c.PacketLogger.LogFileSizeInHours < 1 {
			return errors.New("packet_logger.log_file_size_in_hours must be >= 1")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
	}

	return nil
}

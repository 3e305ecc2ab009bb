// streamtest connects one MetaTrader account to the streaming gateway and
// prints account events to the console.
// Usage: go run ./cmd/streamtest --config configs/client.example.yaml --account <id>
//
// Without --config the auth token is read from the METAAPI_TOKEN environment
// variable and defaults are used for everything else.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	metaapi "github.com/metaapi/metaapi-go"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	accountID := flag.String("account", "", "account id to stream")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if *accountID == "" {
		logger.Error("--account is required")
		os.Exit(1)
	}

	// Load config
	var cfg *metaapi.Config
	if *configPath != "" {
		var err error
		cfg, err = metaapi.LoadConfig(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	} else {
		token := os.Getenv("METAAPI_TOKEN")
		if token == "" {
			logger.Error("set METAAPI_TOKEN or pass --config")
			os.Exit(1)
		}
		cfg = metaapi.DefaultConfig(token)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client, err := metaapi.NewClient(cfg, metaapi.WithLogger(logger))
	if err != nil {
		logger.Error("failed to assemble client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// Make sure the terminal is running before subscribing.
	account, err := client.GetAccount(ctx, *accountID)
	if err != nil {
		logger.Error("failed to fetch account", "error", err)
		os.Exit(1)
	}
	logger.Info("account found",
		"name", account.Name,
		"state", account.State,
		"region", account.Region,
	)
	if account.State != "DEPLOYED" {
		logger.Info("deploying account terminal...")
		if err := client.DeployAccount(ctx, *accountID); err != nil {
			logger.Error("failed to deploy account", "error", err)
			os.Exit(1)
		}
		if _, err := client.WaitDeployed(ctx, *accountID); err != nil {
			logger.Error("account did not deploy", "error", err)
			os.Exit(1)
		}
	}

	client.AddSynchronizationListener(*accountID, &printListener{verbose: *verbose})
	client.AddReconnectListener(*accountID, &reconnectLogger{logger: logger})

	logger.Info("subscribing", "account", *accountID)
	client.EnsureSubscribed(ctx, *accountID)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				qs := client.EventQueueStats()
				logger.Info("stats",
					"connected_hosts", client.ConnectedHosts(),
					"queued_events", qs.Count,
					"delivered_events", qs.TotalDrained,
					"queue_resizes", qs.ResizeCount,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")
	if err := client.Close(); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// printListener dumps account events to stdout.
type printListener struct {
	metaapi.BaseSynchronizationListener
	verbose bool
}

func (l *printListener) OnConnected(ctx context.Context, instanceIndex string, replicas int) error {
	fmt.Printf("[CONNECTED] instance=%s replicas=%d\n", instanceIndex, replicas)
	return nil
}

func (l *printListener) OnDisconnected(ctx context.Context, instanceIndex string) error {
	fmt.Printf("[DISCONNECTED] instance=%s\n", instanceIndex)
	return nil
}

func (l *printListener) OnBrokerConnectionStatusChanged(ctx context.Context, instanceIndex string, connected bool) error {
	fmt.Printf("[BROKER] instance=%s connected=%t\n", instanceIndex, connected)
	return nil
}

func (l *printListener) OnAccountInformationUpdated(ctx context.Context, instanceIndex string, info map[string]any) error {
	if l.verbose {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Printf("[ACCOUNT] %s\n", data)
	} else {
		fmt.Printf("[ACCOUNT] balance=%v equity=%v currency=%v\n",
			info["balance"], info["equity"], info["currency"])
	}
	return nil
}

func (l *printListener) OnPositionsReplaced(ctx context.Context, instanceIndex string, positions []map[string]any) error {
	fmt.Printf("[POSITIONS] count=%d\n", len(positions))
	return nil
}

func (l *printListener) OnPositionsUpdated(ctx context.Context, instanceIndex string, positions []map[string]any, removedPositionIDs []string) error {
	for _, p := range positions {
		fmt.Printf("[POSITION] id=%v symbol=%v volume=%v profit=%v\n",
			p["id"], p["symbol"], p["volume"], p["profit"])
	}
	for _, id := range removedPositionIDs {
		fmt.Printf("[POSITION REMOVED] id=%s\n", id)
	}
	return nil
}

func (l *printListener) OnPendingOrdersUpdated(ctx context.Context, instanceIndex string, orders []map[string]any, completedOrderIDs []string) error {
	for _, o := range orders {
		fmt.Printf("[ORDER] id=%v symbol=%v type=%v state=%v\n",
			o["id"], o["symbol"], o["type"], o["state"])
	}
	for _, id := range completedOrderIDs {
		fmt.Printf("[ORDER COMPLETED] id=%s\n", id)
	}
	return nil
}

func (l *printListener) OnDealAdded(ctx context.Context, instanceIndex string, deal map[string]any) error {
	fmt.Printf("[DEAL] id=%v symbol=%v type=%v profit=%v\n",
		deal["id"], deal["symbol"], deal["type"], deal["profit"])
	return nil
}

func (l *printListener) OnSymbolPriceUpdated(ctx context.Context, instanceIndex string, price map[string]any) error {
	if l.verbose {
		data, _ := json.MarshalIndent(price, "", "  ")
		fmt.Printf("[PRICE] %s\n", data)
	} else {
		fmt.Printf("[PRICE] symbol=%v bid=%v ask=%v\n",
			price["symbol"], price["bid"], price["ask"])
	}
	return nil
}

func (l *printListener) OnDealsSynchronized(ctx context.Context, instanceIndex, synchronizationID string) error {
	fmt.Printf("[SYNCHRONIZED] instance=%s id=%s\n", instanceIndex, synchronizationID)
	return nil
}

// reconnectLogger reports socket reconnects.
type reconnectLogger struct {
	logger *slog.Logger
}

func (r *reconnectLogger) OnReconnected(ctx context.Context) error {
	r.logger.Info("socket reconnected")
	return nil
}

// Package listener defines the callback interfaces notified by the event
// router and the registries that hold them.
package listener

import "context"

// HealthStatus is the server-reported health of one account replica.
type HealthStatus struct {
	RestAPIHealthy               bool
	CopyFactorySubscriberHealthy bool
	CopyFactoryProviderHealthy   bool
}

// Synchronization receives account state events for one account. The router
// invokes the methods sequentially per account, in restored packet order.
// instanceIndex identifies the replica as "instanceNumber:host".
type Synchronization interface {
	OnConnected(ctx context.Context, instanceIndex string, replicas int) error
	OnDisconnected(ctx context.Context, instanceIndex string) error
	OnBrokerConnectionStatusChanged(ctx context.Context, instanceIndex string, connected bool) error
	OnHealthStatus(ctx context.Context, instanceIndex string, status HealthStatus) error
	OnSynchronizationStarted(ctx context.Context, instanceIndex string, specificationsUpdated, positionsUpdated, ordersUpdated bool, synchronizationID string) error
	OnAccountInformationUpdated(ctx context.Context, instanceIndex string, accountInformation map[string]any) error
	OnPositionsReplaced(ctx context.Context, instanceIndex string, positions []map[string]any) error
	OnPositionsSynchronized(ctx context.Context, instanceIndex, synchronizationID string) error
	OnPositionsUpdated(ctx context.Context, instanceIndex string, positions []map[string]any, removedPositionIDs []string) error
	OnPendingOrdersReplaced(ctx context.Context, instanceIndex string, orders []map[string]any) error
	OnPendingOrdersSynchronized(ctx context.Context, instanceIndex, synchronizationID string) error
	OnPendingOrdersUpdated(ctx context.Context, instanceIndex string, orders []map[string]any, completedOrderIDs []string) error
	OnHistoryOrderAdded(ctx context.Context, instanceIndex string, historyOrder map[string]any) error
	OnHistoryOrdersSynchronized(ctx context.Context, instanceIndex, synchronizationID string) error
	OnDealAdded(ctx context.Context, instanceIndex string, deal map[string]any) error
	OnDealsSynchronized(ctx context.Context, instanceIndex, synchronizationID string) error
	OnSymbolSpecificationsUpdated(ctx context.Context, instanceIndex string, specifications []map[string]any, removedSymbols []string) error
	OnSymbolSpecificationUpdated(ctx context.Context, instanceIndex string, specification map[string]any) error
	OnSymbolSpecificationRemoved(ctx context.Context, instanceIndex, symbol string) error
	OnSymbolPricesUpdated(ctx context.Context, instanceIndex string, prices []map[string]any, equity, margin, freeMargin, marginLevel, accountCurrencyExchangeRate float64) error
	OnSymbolPriceUpdated(ctx context.Context, instanceIndex string, price map[string]any) error
	OnCandlesUpdated(ctx context.Context, instanceIndex string, candles []map[string]any, equity, margin, freeMargin, marginLevel, accountCurrencyExchangeRate float64) error
	OnTicksUpdated(ctx context.Context, instanceIndex string, ticks []map[string]any, equity, margin, freeMargin, marginLevel, accountCurrencyExchangeRate float64) error
	OnBooksUpdated(ctx context.Context, instanceIndex string, books []map[string]any, equity, margin, freeMargin, marginLevel, accountCurrencyExchangeRate float64) error
	OnSubscriptionDowngraded(ctx context.Context, instanceIndex, symbol string, updates, unsubscriptions []map[string]any) error
	OnStreamClosed(ctx context.Context, instanceIndex string) error
}

// BaseSynchronization is a no-op Synchronization. Embed it and override the
// callbacks of interest.
type BaseSynchronization struct{}

var _ Synchronization = BaseSynchronization{}

func (BaseSynchronization) OnConnected(context.Context, string, int) error { return nil }
func (BaseSynchronization) OnDisconnected(context.Context, string) error   { return nil }
func (BaseSynchronization) OnBrokerConnectionStatusChanged(context.Context, string, bool) error {
	return nil
}
func (BaseSynchronization) OnHealthStatus(context.Context, string, HealthStatus) error { return nil }
func (BaseSynchronization) OnSynchronizationStarted(context.Context, string, bool, bool, bool, string) error {
	return nil
}
func (BaseSynchronization) OnAccountInformationUpdated(context.Context, string, map[string]any) error {
	return nil
}
func (BaseSynchronization) OnPositionsReplaced(context.Context, string, []map[string]any) error {
	return nil
}
func (BaseSynchronization) OnPositionsSynchronized(context.Context, string, string) error { return nil }
func (BaseSynchronization) OnPositionsUpdated(context.Context, string, []map[string]any, []string) error {
	return nil
}
func (BaseSynchronization) OnPendingOrdersReplaced(context.Context, string, []map[string]any) error {
	return nil
}
func (BaseSynchronization) OnPendingOrdersSynchronized(context.Context, string, string) error {
	return nil
}
func (BaseSynchronization) OnPendingOrdersUpdated(context.Context, string, []map[string]any, []string) error {
	return nil
}
func (BaseSynchronization) OnHistoryOrderAdded(context.Context, string, map[string]any) error {
	return nil
}
func (BaseSynchronization) OnHistoryOrdersSynchronized(context.Context, string, string) error {
	return nil
}
func (BaseSynchronization) OnDealAdded(context.Context, string, map[string]any) error   { return nil }
func (BaseSynchronization) OnDealsSynchronized(context.Context, string, string) error   { return nil }
func (BaseSynchronization) OnSymbolSpecificationsUpdated(context.Context, string, []map[string]any, []string) error {
	return nil
}
func (BaseSynchronization) OnSymbolSpecificationUpdated(context.Context, string, map[string]any) error {
	return nil
}
func (BaseSynchronization) OnSymbolSpecificationRemoved(context.Context, string, string) error {
	return nil
}
func (BaseSynchronization) OnSymbolPricesUpdated(context.Context, string, []map[string]any, float64, float64, float64, float64, float64) error {
	return nil
}
func (BaseSynchronization) OnSymbolPriceUpdated(context.Context, string, map[string]any) error {
	return nil
}
func (BaseSynchronization) OnCandlesUpdated(context.Context, string, []map[string]any, float64, float64, float64, float64, float64) error {
	return nil
}
func (BaseSynchronization) OnTicksUpdated(context.Context, string, []map[string]any, float64, float64, float64, float64, float64) error {
	return nil
}
func (BaseSynchronization) OnBooksUpdated(context.Context, string, []map[string]any, float64, float64, float64, float64, float64) error {
	return nil
}
func (BaseSynchronization) OnSubscriptionDowngraded(context.Context, string, string, []map[string]any, []map[string]any) error {
	return nil
}
func (BaseSynchronization) OnStreamClosed(context.Context, string) error { return nil }

// Latency receives client-side timing measurements. Timestamp maps carry
// time.Time values keyed by measurement point, e.g. clientProcessingStarted.
type Latency interface {
	OnResponse(ctx context.Context, accountID, requestType string, timestamps map[string]any) error
	OnTrade(ctx context.Context, accountID string, timestamps map[string]any) error
	OnUpdate(ctx context.Context, accountID string, timestamps map[string]any) error
	OnSymbolPrice(ctx context.Context, accountID, symbol string, timestamps map[string]any) error
}

// BaseLatency is a no-op Latency.
type BaseLatency struct{}

var _ Latency = BaseLatency{}

func (BaseLatency) OnResponse(context.Context, string, string, map[string]any) error { return nil }
func (BaseLatency) OnTrade(context.Context, string, map[string]any) error            { return nil }
func (BaseLatency) OnUpdate(context.Context, string, map[string]any) error           { return nil }
func (BaseLatency) OnSymbolPrice(context.Context, string, string, map[string]any) error {
	return nil
}

// Reconnect is notified after the socket serving its account reconnects.
// Implementations must be comparable; the registry deduplicates by identity.
type Reconnect interface {
	OnReconnected(ctx context.Context) error
}

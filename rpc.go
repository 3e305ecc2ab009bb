package metaapi

import (
	"context"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
	"github.com/metaapi/metaapi-go/internal/packet"
)

// rpc sends one request and returns the raw response payload.
func (c *Client) rpc(ctx context.Context, accountID string, request map[string]any) (map[string]any, error) {
	resp, err := c.pool.RPCRequest(ctx, accountID, request, 0)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Data, nil
}

// GetAccountInformation returns the account's balance, equity and broker
// settings.
func (c *Client) GetAccountInformation(ctx context.Context, accountID string) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getAccountInformation"})
	if err != nil {
		return nil, err
	}
	info, _ := data["accountInformation"].(map[string]any)
	return info, nil
}

// GetPositions returns the account's open positions.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getPositions"})
	if err != nil {
		return nil, err
	}
	return mapSlice(data["positions"]), nil
}

// GetPosition returns one open position by id.
func (c *Client) GetPosition(ctx context.Context, accountID, positionID string) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getPosition", "positionId": positionID})
	if err != nil {
		return nil, err
	}
	position, _ := data["position"].(map[string]any)
	return position, nil
}

// GetOrders returns the account's pending orders.
func (c *Client) GetOrders(ctx context.Context, accountID string) ([]map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getOrders"})
	if err != nil {
		return nil, err
	}
	return mapSlice(data["orders"]), nil
}

// GetOrder returns one pending order by id.
func (c *Client) GetOrder(ctx context.Context, accountID, orderID string) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getOrder", "orderId": orderID})
	if err != nil {
		return nil, err
	}
	order, _ := data["order"].(map[string]any)
	return order, nil
}

// HistoryPage is one page of history query results.
type HistoryPage struct {
	HistoryOrders []map[string]any
	Deals         []map[string]any
	Synchronizing bool
}

func historyPage(data map[string]any) HistoryPage {
	synchronizing, _ := data["synchronizing"].(bool)
	return HistoryPage{
		HistoryOrders: mapSlice(data["historyOrders"]),
		Deals:         mapSlice(data["deals"]),
		Synchronizing: synchronizing,
	}
}

// GetHistoryOrdersByTicket returns completed orders with the given ticket.
func (c *Client) GetHistoryOrdersByTicket(ctx context.Context, accountID, ticket string) (HistoryPage, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getHistoryOrdersByTicket", "ticket": ticket})
	if err != nil {
		return HistoryPage{}, err
	}
	return historyPage(data), nil
}

// GetHistoryOrdersByPosition returns completed orders of the given position.
func (c *Client) GetHistoryOrdersByPosition(ctx context.Context, accountID, positionID string) (HistoryPage, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getHistoryOrdersByPosition", "positionId": positionID})
	if err != nil {
		return HistoryPage{}, err
	}
	return historyPage(data), nil
}

// GetHistoryOrdersByTimeRange returns completed orders in a time window.
func (c *Client) GetHistoryOrdersByTimeRange(ctx context.Context, accountID string, start, end time.Time, offset, limit int) (HistoryPage, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{
		"type":      "getHistoryOrdersByTimeRange",
		"startTime": start,
		"endTime":   end,
		"offset":    offset,
		"limit":     limit,
	})
	if err != nil {
		return HistoryPage{}, err
	}
	return historyPage(data), nil
}

// GetDealsByTicket returns deals with the given ticket.
func (c *Client) GetDealsByTicket(ctx context.Context, accountID, ticket string) (HistoryPage, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getDealsByTicket", "ticket": ticket})
	if err != nil {
		return HistoryPage{}, err
	}
	return historyPage(data), nil
}

// GetDealsByPosition returns deals of the given position.
func (c *Client) GetDealsByPosition(ctx context.Context, accountID, positionID string) (HistoryPage, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getDealsByPosition", "positionId": positionID})
	if err != nil {
		return HistoryPage{}, err
	}
	return historyPage(data), nil
}

// GetDealsByTimeRange returns deals in a time window.
func (c *Client) GetDealsByTimeRange(ctx context.Context, accountID string, start, end time.Time, offset, limit int) (HistoryPage, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{
		"type":      "getDealsByTimeRange",
		"startTime": start,
		"endTime":   end,
		"offset":    offset,
		"limit":     limit,
	})
	if err != nil {
		return HistoryPage{}, err
	}
	return historyPage(data), nil
}

// RemoveHistory clears the account's order and deal history on the server.
func (c *Client) RemoveHistory(ctx context.Context, accountID, application string) error {
	request := map[string]any{"type": "removeHistory"}
	if application != "" {
		request["application"] = application
	}
	_, err := c.rpc(ctx, accountID, request)
	return err
}

// RemoveApplication clears all server-side state of the application.
func (c *Client) RemoveApplication(ctx context.Context, accountID string) error {
	_, err := c.rpc(ctx, accountID, map[string]any{"type": "removeApplication"})
	return err
}

// Broker return codes that count as a successful trade.
var tradeSuccessCodes = map[string]struct{}{
	"ERR_NO_ERROR":               {},
	"TRADE_RETCODE_PLACED":       {},
	"TRADE_RETCODE_DONE":         {},
	"TRADE_RETCODE_DONE_PARTIAL": {},
	"TRADE_RETCODE_NO_CHANGES":   {},
}

// Trade executes a trade action. Trade requests are never retried. A broker
// rejection returns a Trade taxonomy error carrying the numeric and string
// return codes.
func (c *Client) Trade(ctx context.Context, accountID string, trade map[string]any) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "trade", "trade": trade})
	if err != nil {
		return nil, err
	}
	response, _ := data["response"].(map[string]any)
	stringCode, _ := response["stringCode"].(string)
	if _, ok := tradeSuccessCodes[stringCode]; !ok {
		message, _ := response["message"].(string)
		numericCode := 0
		if f, ok := response["numericCode"].(float64); ok {
			numericCode = int(f)
		}
		return nil, &errs.Error{
			Kind:        errs.Trade,
			Message:     message,
			NumericCode: numericCode,
			StringCode:  stringCode,
		}
	}
	return response, nil
}

// SynchronizeOptions narrows what a synchronization run transfers.
type SynchronizeOptions struct {
	InstanceNumber int
	Host           string
	// StartingHistoryOrderTime resumes history transfer after this point.
	StartingHistoryOrderTime time.Time
	// StartingDealTime resumes deal transfer after this point.
	StartingDealTime time.Time
	// Hashes of locally cached state; the server skips sections whose hash
	// matches.
	SpecificationsMD5 string
	PositionsMD5      string
	OrdersMD5         string
}

// Synchronize starts a terminal state synchronization run and returns its
// synchronization id. The run is subject to the concurrent synchronization
// limit; queued runs start as slots free up.
func (c *Client) Synchronize(ctx context.Context, accountID string, opts SynchronizeOptions) (string, error) {
	syncID := packet.RandomID()
	request := map[string]any{
		"type":              "synchronize",
		"requestId":         syncID,
		"instanceIndex":     opts.InstanceNumber,
		"synchronizationId": syncID,
	}
	if opts.Host != "" {
		request["host"] = opts.Host
	}
	if !opts.StartingHistoryOrderTime.IsZero() {
		request["startingHistoryOrderTime"] = opts.StartingHistoryOrderTime
	}
	if !opts.StartingDealTime.IsZero() {
		request["startingDealTime"] = opts.StartingDealTime
	}
	if opts.SpecificationsMD5 != "" {
		request["specificationsMd5"] = opts.SpecificationsMD5
	}
	if opts.PositionsMD5 != "" {
		request["positionsMd5"] = opts.PositionsMD5
	}
	if opts.OrdersMD5 != "" {
		request["ordersMd5"] = opts.OrdersMD5
	}
	if _, err := c.rpc(ctx, accountID, request); err != nil {
		return "", err
	}
	return syncID, nil
}

// WaitSynchronized blocks server-side until the account's terminal state is
// synchronized or the timeout elapses.
func (c *Client) WaitSynchronized(ctx context.Context, accountID, applicationPattern string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	request := map[string]any{
		"type":             "waitSynchronized",
		"timeoutInSeconds": int(timeout / time.Second),
	}
	if applicationPattern != "" {
		request["applicationPattern"] = applicationPattern
	}
	_, err := c.pool.RPCRequest(ctx, accountID, request, timeout+time.Minute)
	return err
}

// MarketDataSubscription describes one market data feed of a symbol, e.g.
// {"type": "quotes"} or {"type": "candles", "timeframe": "1m"}.
type MarketDataSubscription = map[string]any

// SubscribeToMarketData subscribes to streaming market data of a symbol.
func (c *Client) SubscribeToMarketData(ctx context.Context, accountID, symbol string, subscriptions []MarketDataSubscription) error {
	request := map[string]any{
		"type":   "subscribeToMarketData",
		"symbol": symbol,
	}
	if len(subscriptions) > 0 {
		request["subscriptions"] = subscriptions
	}
	_, err := c.rpc(ctx, accountID, request)
	return err
}

// RefreshMarketDataSubscriptions reasserts the account's market data feeds,
// typically after a reconnect.
func (c *Client) RefreshMarketDataSubscriptions(ctx context.Context, accountID string, subscriptions []map[string]any) error {
	_, err := c.rpc(ctx, accountID, map[string]any{
		"type":          "refreshMarketDataSubscriptions",
		"subscriptions": subscriptions,
	})
	return err
}

// UnsubscribeFromMarketData stops streaming market data of a symbol.
func (c *Client) UnsubscribeFromMarketData(ctx context.Context, accountID, symbol string, subscriptions []MarketDataSubscription) error {
	request := map[string]any{
		"type":   "unsubscribeFromMarketData",
		"symbol": symbol,
	}
	if len(subscriptions) > 0 {
		request["subscriptions"] = subscriptions
	}
	_, err := c.rpc(ctx, accountID, request)
	return err
}

// GetSymbols returns the symbols available to the account.
func (c *Client) GetSymbols(ctx context.Context, accountID string) ([]string, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getSymbols"})
	if err != nil {
		return nil, err
	}
	return stringSlice(data["symbols"]), nil
}

// GetSymbolSpecification returns the trading specification of a symbol.
func (c *Client) GetSymbolSpecification(ctx context.Context, accountID, symbol string) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{"type": "getSymbolSpecification", "symbol": symbol})
	if err != nil {
		return nil, err
	}
	specification, _ := data["specification"].(map[string]any)
	return specification, nil
}

// GetSymbolPrice returns the latest price of a symbol.
func (c *Client) GetSymbolPrice(ctx context.Context, accountID, symbol string, keepSubscription bool) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{
		"type":             "getSymbolPrice",
		"symbol":           symbol,
		"keepSubscription": keepSubscription,
	})
	if err != nil {
		return nil, err
	}
	price, _ := data["price"].(map[string]any)
	return price, nil
}

// GetCandle returns the latest candle of a symbol and timeframe.
func (c *Client) GetCandle(ctx context.Context, accountID, symbol, timeframe string, keepSubscription bool) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{
		"type":             "getCandle",
		"symbol":           symbol,
		"timeframe":        timeframe,
		"keepSubscription": keepSubscription,
	})
	if err != nil {
		return nil, err
	}
	candle, _ := data["candle"].(map[string]any)
	return candle, nil
}

// GetTick returns the latest tick of a symbol.
func (c *Client) GetTick(ctx context.Context, accountID, symbol string, keepSubscription bool) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{
		"type":             "getTick",
		"symbol":           symbol,
		"keepSubscription": keepSubscription,
	})
	if err != nil {
		return nil, err
	}
	tick, _ := data["tick"].(map[string]any)
	return tick, nil
}

// GetBook returns the order book of a symbol.
func (c *Client) GetBook(ctx context.Context, accountID, symbol string, keepSubscription bool) (map[string]any, error) {
	data, err := c.rpc(ctx, accountID, map[string]any{
		"type":             "getBook",
		"symbol":           symbol,
		"keepSubscription": keepSubscription,
	})
	if err != nil {
		return nil, err
	}
	book, _ := data["book"].(map[string]any)
	return book, nil
}

// SaveUptime reports client uptime statistics to the server.
func (c *Client) SaveUptime(ctx context.Context, accountID string, uptime map[string]any) error {
	_, err := c.rpc(ctx, accountID, map[string]any{"type": "saveUptime", "uptime": uptime})
	return err
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

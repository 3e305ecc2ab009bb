// Package connection owns the socket pool: websocket instances, account
// placement under subscribe locks, request/response multiplexing with
// retries, and reconnect handling.
package connection

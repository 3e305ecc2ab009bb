package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metaapi/metaapi-go/internal/errs"
	"github.com/metaapi/metaapi-go/internal/packet"
)

// RPCRequest sends a request on the socket serving the account and waits for
// the correlated response. A zero timeout uses the configured request
// timeout. Trade and subscribe requests are never retried; synchronize
// requests go through the throttler and resolve with a nil response.
func (p *Pool) RPCRequest(ctx context.Context, accountID string, request map[string]any, timeout time.Duration) (*packet.Response, error) {
	if timeout <= 0 {
		timeout = p.cfg.RequestTimeout
	}
	requestType, _ := request["type"].(string)
	instanceNumber := 0
	if v, ok := request["instanceIndex"]; ok {
		switch n := v.(type) {
		case int:
			instanceNumber = n
		case float64:
			instanceNumber = int(n)
		}
	}

	s, err := p.Assign(ctx, instanceNumber, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.WaitConnected(ctx, p.cfg.ConnectTimeout); err != nil {
		return nil, err
	}

	switch requestType {
	case "synchronize":
		if err := s.throttler.ScheduleSynchronize(ctx, accountID, request); err != nil {
			p.countRPC(requestType, err)
			return nil, err
		}
		p.countRPC(requestType, nil)
		return nil, nil
	case "trade", "subscribe":
		if requestType == "subscribe" {
			request["sessionId"] = s.SessionID()
		}
		resp, err := p.makeRequest(ctx, s, accountID, request, timeout)
		p.countRPC(requestType, err)
		return resp, err
	}

	resp, err := p.requestWithRetries(ctx, s, accountID, instanceNumber, request, timeout)
	p.countRPC(requestType, err)
	return resp, err
}

// requestWithRetries runs the retry loop for ordinary requests. Between
// attempts it verifies the account still rides on the same socket; a lost or
// moved assignment surfaces the error to the caller instead of retrying on a
// socket that no longer serves the account.
func (p *Pool) requestWithRetries(ctx context.Context, s *SocketInstance, accountID string, instanceNumber int, request map[string]any, timeout time.Duration) (*packet.Response, error) {
	retry := p.cfg.Retry
	retryCounter := 0
	for {
		resp, err := p.makeRequest(ctx, s, accountID, request, timeout)
		if err == nil {
			return resp, nil
		}

		if errs.Is(err, errs.TooManyRequests) {
			md := errs.MetadataOf(err)
			if md == nil {
				return nil, err
			}
			// Retry only if the remaining backoff budget reaches past the
			// server's recommended retry time.
			var cumulative time.Duration
			for i := retryCounter + 1; i <= retry.Retries; i++ {
				cumulative += backoffDelay(i, retry)
			}
			retryTime := md.RecommendedRetryTime
			if !p.now().Add(cumulative).After(retryTime) || retryCounter >= retry.Retries {
				return nil, err
			}
			if wait := retryTime.Sub(p.now()); wait > 0 {
				if p.m != nil {
					p.m.RPCRetries.Inc()
				}
				if !p.sleep(ctx, wait) {
					return nil, ctx.Err()
				}
			}
			retryCounter++
		} else if errs.IsRetryable(err) && retryCounter < retry.Retries {
			if p.m != nil {
				p.m.RPCRetries.Inc()
			}
			if !p.sleep(ctx, backoffDelay(retryCounter, retry)) {
				return nil, ctx.Err()
			}
			retryCounter++
		} else {
			return nil, err
		}

		if idx, ok := p.SocketIndex(instanceNumber, accountID); !ok || idx != s.index {
			return nil, err
		}
	}
}

// backoffDelay is the exponential delay for one retry step, capped at the
// configured maximum.
func backoffDelay(step int, retry RetryOptions) time.Duration {
	return min(retry.MinDelay<<step, retry.MaxDelay)
}

// makeRequest performs a single request attempt: allocate a request id,
// stamp the client timestamps, send and wait.
func (p *Pool) makeRequest(ctx context.Context, s *SocketInstance, accountID string, request map[string]any, timeout time.Duration) (*packet.Response, error) {
	requestID, _ := request["requestId"].(string)
	if requestID == "" {
		requestID = packet.RandomID()
		request["requestId"] = requestID
	}
	request["accountId"] = accountID
	if _, ok := request["application"]; !ok && p.cfg.Application != "" {
		request["application"] = p.cfg.Application
	}
	if ts, ok := request["timestamps"].(map[string]any); ok {
		ts["clientProcessingStarted"] = p.now()
	} else {
		request["timestamps"] = map[string]any{"clientProcessingStarted": p.now()}
	}

	packet.FormatRequestDates(request)
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	requestType, _ := request["type"].(string)
	ch := s.registerPending(requestID, requestType)
	if err := s.send(data); err != nil {
		s.removePending(requestID)
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.removePending(requestID)
		return nil, ctx.Err()
	case <-t.C:
		s.removePending(requestID)
		if p.m != nil {
			p.m.RPCTimeouts.Inc()
		}
		return nil, errs.NewTimeout("%s request %s timed out after %s", requestType, requestID, timeout)
	case res := <-ch:
		return res.resp, res.err
	}
}

func (p *Pool) countRPC(requestType string, err error) {
	if p.m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if requestType == "" {
		requestType = "unknown"
	}
	p.m.RPCRequests.WithLabelValues(requestType, outcome).Inc()
}

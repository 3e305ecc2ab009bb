// Package packet defines wire envelopes shared by the socket pool and the
// event router, plus id and timestamp helpers.
package packet

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeNoop marks a packet that only advances sequence numbers and carries no
// payload for listeners.
const TypeNoop = "noop"

// Packet is an inbound synchronization event. Payload fields beyond the
// common header stay in Data so unknown event types still flow through the
// orderer.
type Packet struct {
	Type              string
	AccountID         string
	InstanceIndex     int
	Host              string
	SequenceNumber    int64
	HasSequenceNumber bool
	SequenceTimestamp int64
	SynchronizationID string
	SessionID         string
	ReceivedAt        time.Time

	// Data is the fully decoded frame, time fields already converted.
	Data map[string]any
}

// InstanceID is the full replica key: accountId:instanceNumber:host.
func (p *Packet) InstanceID() string {
	host := p.Host
	if host == "" {
		host = "0"
	}
	return fmt.Sprintf("%s:%d:%s", p.AccountID, p.InstanceIndex, host)
}

// InstanceIndexKey is instanceNumber:host, the replica key scoped to one
// account, as reported to listeners.
func (p *Packet) InstanceIndexKey() string {
	host := p.Host
	if host == "" {
		host = "0"
	}
	return fmt.Sprintf("%d:%s", p.InstanceIndex, host)
}

// SubscriptionKey is accountId:instanceNumber, the supervisor loop key.
func (p *Packet) SubscriptionKey() string {
	return fmt.Sprintf("%s:%d", p.AccountID, p.InstanceIndex)
}

// DecodeMap parses a wire frame into its raw map form. The payload may
// arrive either as a JSON object or as a pre-serialized string of one.
func DecodeMap(data []byte) (map[string]any, error) {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		// Try the string-wrapped form.
		var s string
		if err2 := json.Unmarshal(data, &s); err2 != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		if err2 := json.Unmarshal([]byte(s), &raw); err2 != nil {
			return nil, fmt.Errorf("decode frame: %w", err2)
		}
	}
	return raw, nil
}

// FromMap builds a Packet from an already decoded frame.
func FromMap(raw map[string]any, receivedAt time.Time) *Packet {
	p := &Packet{Data: raw, ReceivedAt: receivedAt}
	p.Type, _ = raw["type"].(string)
	p.AccountID, _ = raw["accountId"].(string)
	p.Host, _ = raw["host"].(string)
	p.SynchronizationID, _ = raw["synchronizationId"].(string)
	p.SessionID, _ = raw["sessionId"].(string)
	if v, ok := numeric(raw["instanceIndex"]); ok {
		p.InstanceIndex = int(v)
	}
	if v, ok := numeric(raw["sequenceNumber"]); ok {
		p.SequenceNumber = v
		p.HasSequenceNumber = true
	}
	if v, ok := numeric(raw["sequenceTimestamp"]); ok {
		p.SequenceTimestamp = v
	}
	return p
}

// MarkNoop rewrites the packet so the orderer still advances but no listener
// is invoked.
func (p *Packet) MarkNoop() {
	p.Type = TypeNoop
	p.Data["type"] = TypeNoop
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Response is an inbound RPC response envelope.
type Response struct {
	Type       string
	AccountID  string
	RequestID  string
	Timestamps map[string]any
	Data       map[string]any
}

// ResponseFromMap builds a Response from an already decoded frame.
func ResponseFromMap(raw map[string]any) *Response {
	r := &Response{Data: raw}
	r.Type, _ = raw["type"].(string)
	r.AccountID, _ = raw["accountId"].(string)
	r.RequestID, _ = raw["requestId"].(string)
	if ts, ok := raw["timestamps"].(map[string]any); ok {
		r.Timestamps = ts
	}
	return r
}

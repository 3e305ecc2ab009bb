package packet

import (
	"strings"
	"time"
)

// FormatDate renders a time as the ISO-8601 UTC string the gateway expects.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseDate parses an ISO-8601 timestamp in any of the precisions the
// gateway emits.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.000",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// isTimeField reports whether a field name holds an ISO timestamp. Broker
// times are local to the broker timezone and must stay strings; timeframe is
// a candle interval name.
func isTimeField(name string) bool {
	if strings.Contains(name, "brokerTime") || strings.Contains(name, "BrokerTime") ||
		strings.Contains(name, "timeframe") {
		return false
	}
	return strings.Contains(name, "time") || strings.Contains(name, "Time")
}

// ConvertISOTimeFields walks a decoded JSON value and replaces timestamp
// strings with time.Time in place: any string field whose name looks like a
// time field, every entry of a "timestamps" object, and per-price timestamps
// of a prices packet.
func ConvertISOTimeFields(v any) {
	m, ok := v.(map[string]any)
	if !ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				ConvertISOTimeFields(item)
			}
		}
		return
	}
	for field, value := range m {
		switch val := value.(type) {
		case string:
			if isTimeField(field) {
				if t, ok := ParseDate(val); ok {
					m[field] = t
				}
			}
		case []any:
			for _, item := range val {
				ConvertISOTimeFields(item)
			}
		case map[string]any:
			ConvertISOTimeFields(val)
		}
	}
	if ts, ok := m["timestamps"].(map[string]any); ok {
		convertTimestamps(ts)
	}
	if m["type"] == "prices" {
		if prices, ok := m["prices"].([]any); ok {
			for _, p := range prices {
				if price, ok := p.(map[string]any); ok {
					if ts, ok := price["timestamps"].(map[string]any); ok {
						convertTimestamps(ts)
					}
				}
			}
		}
	}
}

func convertTimestamps(ts map[string]any) {
	for field, value := range ts {
		if s, ok := value.(string); ok {
			if t, ok := ParseDate(s); ok {
				ts[field] = t
			}
		}
	}
}

// FormatRequestDates walks an outbound request payload and replaces
// time.Time values with their wire representation.
func FormatRequestDates(v any) {
	switch val := v.(type) {
	case map[string]any:
		for field, value := range val {
			if t, ok := value.(time.Time); ok {
				val[field] = FormatDate(t)
				continue
			}
			FormatRequestDates(value)
		}
	case []any:
		for _, item := range val {
			FormatRequestDates(item)
		}
	}
}

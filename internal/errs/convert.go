package errs

import (
	"encoding/json"
	"time"
)

// ErrorFrame is the wire shape of a processingError event.
type ErrorFrame struct {
	RequestID   string          `json:"requestId"`
	Error       string          `json:"error"`
	Message     string          `json:"message"`
	Details     any             `json:"details,omitempty"`
	NumericCode int             `json:"numericCode,omitempty"`
	StringCode  string          `json:"stringCode,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type wireMetadata struct {
	Type                 string `json:"type"`
	RecommendedRetryTime string `json:"recommendedRetryTime"`
	MaxAccounts          int    `json:"maxAccountsPerUser"`
}

// Convert classifies a processingError frame into a taxonomy error.
// Unknown error names map to Internal.
func Convert(frame *ErrorFrame) *Error {
	e := &Error{Message: frame.Message}
	switch frame.Error {
	case "ValidationError":
		e.Kind = Validation
		e.Details = frame.Details
	case "NotFoundError":
		e.Kind = NotFound
	case "NotSynchronizedError":
		e.Kind = NotSynchronized
	case "TimeoutError":
		e.Kind = Timeout
	case "NotAuthenticatedError":
		e.Kind = NotConnected
	case "TradeError":
		e.Kind = Trade
		e.NumericCode = frame.NumericCode
		e.StringCode = frame.StringCode
	case "UnauthorizedError":
		e.Kind = Unauthorized
	case "TooManyRequestsError":
		e.Kind = TooManyRequests
		e.Metadata = parseMetadata(frame.Metadata)
	default:
		e.Kind = Internal
	}
	return e
}

func parseMetadata(raw json.RawMessage) *TooManyRequestsMetadata {
	if len(raw) == 0 {
		return &TooManyRequestsMetadata{}
	}
	var wire wireMetadata
	if err := json.Unmarshal(raw, &wire); err != nil {
		return &TooManyRequestsMetadata{}
	}
	md := &TooManyRequestsMetadata{Type: wire.Type, MaxAccounts: wire.MaxAccounts}
	if t, err := time.Parse(time.RFC3339, wire.RecommendedRetryTime); err == nil {
		md.RecommendedRetryTime = t
	}
	return md
}

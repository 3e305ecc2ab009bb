// Package errs defines the error taxonomy for server error frames.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a server-reported failure.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	NotSynchronized
	Timeout
	NotConnected
	Trade
	Unauthorized
	TooManyRequests
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case NotFound:
		return "NotFoundError"
	case NotSynchronized:
		return "NotSynchronizedError"
	case Timeout:
		return "TimeoutError"
	case NotConnected:
		return "NotAuthenticatedError"
	case Trade:
		return "TradeError"
	case Unauthorized:
		return "UnauthorizedError"
	case TooManyRequests:
		return "TooManyRequestsError"
	default:
		return "InternalError"
	}
}

// TooManyRequestsMetadata carries the server's rate-limit hints.
type TooManyRequestsMetadata struct {
	Type                 string    `json:"type"`
	RecommendedRetryTime time.Time `json:"recommendedRetryTime"`
	MaxAccounts          int       `json:"maxAccountsPerUser,omitempty"`
}

// Rate limit types reported in TooManyRequestsMetadata.Type.
const (
	LimitSubscriptionsPerUser          = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER"
	LimitSubscriptionsPerServer        = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_SERVER"
	LimitSubscriptionsPerUserPerServer = "LIMIT_ACCOUNT_SUBSCRIPTIONS_PER_USER_PER_SERVER"
)

// Error is a classified failure reported by the gateway.
type Error struct {
	Kind    Kind
	Message string
	Details any

	// Trade errors only.
	NumericCode int
	StringCode  string

	// TooManyRequests errors only.
	Metadata *TooManyRequestsMetadata
}

func (e *Error) Error() string {
	if e.Kind == Trade {
		return fmt.Sprintf("%s: %s (%d/%s)", e.Kind, e.Message, e.NumericCode, e.StringCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the kind of err, or Internal when err is not a taxonomy error.
// The second return reports whether err belongs to the taxonomy at all.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Internal, false
}

// Is reports whether err is a taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err should be retried with exponential backoff.
// TooManyRequests has its own retry arithmetic and is deliberately excluded.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case NotSynchronized, Timeout, NotConnected, Internal:
		return true
	}
	return false
}

// MetadataOf extracts rate-limit metadata from a TooManyRequests error.
func MetadataOf(err error) *TooManyRequestsMetadata {
	var e *Error
	if errors.As(err, &e) && e.Kind == TooManyRequests {
		return e.Metadata
	}
	return nil
}

// New creates a taxonomy error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewTimeout creates a Timeout error with a formatted message.
func NewTimeout(format string, args ...any) *Error {
	return &Error{Kind: Timeout, Message: fmt.Sprintf(format, args...)}
}

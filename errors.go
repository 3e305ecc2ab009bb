package metaapi

import "github.com/metaapi/metaapi-go/internal/errs"

// Error is a classified failure reported by the gateway.
type Error = errs.Error

// ErrorKind classifies a gateway failure.
type ErrorKind = errs.Kind

// Gateway error kinds.
const (
	ErrInternal        = errs.Internal
	ErrValidation      = errs.Validation
	ErrNotFound        = errs.NotFound
	ErrNotSynchronized = errs.NotSynchronized
	ErrTimeout         = errs.Timeout
	ErrNotConnected    = errs.NotConnected
	ErrTrade           = errs.Trade
	ErrUnauthorized    = errs.Unauthorized
	ErrTooManyRequests = errs.TooManyRequests
)

// ErrorKindOf returns the kind of err. The second return reports whether err
// is a gateway taxonomy error at all.
func ErrorKindOf(err error) (ErrorKind, bool) {
	return errs.KindOf(err)
}

// IsErrorKind reports whether err is a gateway error of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	return errs.Is(err, kind)
}

// IsRetryable reports whether the client retries err internally with
// exponential backoff.
func IsRetryable(err error) bool {
	return errs.IsRetryable(err)
}

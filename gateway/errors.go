package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrDeclined           = errors.New("payment declined")
	ErrRetriesExhausted   = errors.New("gateway retries exhausted")
	ErrUnknownGateway     = errors.New("unknown gateway")
	ErrRefundNotSupported = errors.New("refund not supported by gateway")
	ErrInvalidWebhook     = errors.New("invalid webhook")
)

// DeclinedError is a terminal refusal. It is never retried.
type DeclinedError struct {
	Gateway string
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: payment declined (%s): %s", e.Gateway, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: payment declined: %s", e.Gateway, e.Message)
}

// Is makes errors.Is(err, ErrDeclined) hold for every DeclinedError.
func (e *DeclinedError) Is(target error) bool { return target == ErrDeclined }

// TransientError wraps a network, timeout or processor-side failure that
// may succeed on retry.
type TransientError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: transient failure: %v", e.Gateway, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsDeclined reports whether err is a terminal decline.
func IsDeclined(err error) bool { return errors.Is(err, ErrDeclined) }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

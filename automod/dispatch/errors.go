package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prismai/automod/automod/ledger"
)

// Closed set of enforcement failure kinds, as reported in audit records.
type ErrorKind string

const (
	KindConnectorTimeout          ErrorKind = "connector-timeout"
	KindConnectorPermissionDenied ErrorKind = "connector-permission-denied"
	KindConnectorRateLimited      ErrorKind = "connector-rate-limited"
	KindConnectorFailure          ErrorKind = "connector-failure"
	KindLedgerUnavailable         ErrorKind = "ledger-unavailable"
	KindInvalidAction             ErrorKind = "invalid-action"
)

var ErrInvalidAction = errors.New("invalid enforcement action")

// Error returned by connectors to classify a failed platform call.
type ConnectorError struct {
	Kind ErrorKind
	// Server-provided wait before retrying, for rate limits. Zero if unknown.
	RetryAfter time.Duration
	Err        error
}

func (e *ConnectorError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

func PermissionDenied(err error) error {
	return &ConnectorError{Kind: KindConnectorPermissionDenied, Err: err}
}

func RateLimited(retryAfter time.Duration, err error) error {
	return &ConnectorError{Kind: KindConnectorRateLimited, RetryAfter: retryAfter, Err: err}
}

func Timeout(err error) error {
	return &ConnectorError{Kind: KindConnectorTimeout, Err: err}
}

// Classifies an error into an ErrorKind. Unclassified connector errors are generic failures; a nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ConnectorError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindConnectorTimeout
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return KindLedgerUnavailable
	case errors.Is(err, ErrInvalidAction):
		return KindInvalidAction
	}
	return KindConnectorFailure
}

func retryAfter(err error) time.Duration {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

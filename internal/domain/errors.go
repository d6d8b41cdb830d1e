package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "fetch", "decode")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies failures returned by the price feed, the ledger and
// the alert evaluator.
type ErrorKind string

const (
	KindUpstreamUnavailable ErrorKind = "UPSTREAM_UNAVAILABLE"
	KindPriceNotFound       ErrorKind = "PRICE_NOT_FOUND"
	KindNoHolding           ErrorKind = "NO_HOLDING"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindBuyFailed           ErrorKind = "BUY_FAILED"
	KindSellFailed          ErrorKind = "SELL_FAILED"
	KindSnapshotFailed      ErrorKind = "SNAPSHOT_FAILED"
	KindAlertNotFound       ErrorKind = "ALERT_NOT_FOUND"
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindInvalidInput        ErrorKind = "INVALID_INPUT"
	KindStorageFailed       ErrorKind = "STORAGE_FAILED"
)

// IsPrecondition reports whether the kind describes a caller mistake rather
// than a system fault. Those are surfaced as-is and never retried.
func (k ErrorKind) IsPrecondition() bool {
	switch k {
	case KindNoHolding, KindInsufficientBalance, KindAlertNotFound, KindUnauthorized, KindInvalidInput, KindPriceNotFound:
		return true
	}
	return false
}

// Error is the structured failure of a core operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNoHolding)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an error of the given kind around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrPriceNotFound       = &Error{Kind: KindPriceNotFound}
	ErrNoHolding           = &Error{Kind: KindNoHolding}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrBuyFailed           = &Error{Kind: KindBuyFailed}
	ErrSellFailed          = &Error{Kind: KindSellFailed}
	ErrSnapshotFailed      = &Error{Kind: KindSnapshotFailed}
	ErrAlertNotFound       = &Error{Kind: KindAlertNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrStorageFailed       = &Error{Kind: KindStorageFailed}

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

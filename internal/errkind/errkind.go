// Package errkind defines the error taxonomy used across the engine.
//
// Instead of an exception hierarchy, every failure carries a Kind plus an
// optional typed payload. Callers match on Kind; the API layer serializes
// {kind, message, payload} to clients.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and client recovery.
type Kind string

const (
	Validation            Kind = "VALIDATION_ERROR"
	Configuration         Kind = "CONFIGURATION_ERROR"
	BrokerTransient       Kind = "BROKER_TRANSIENT_ERROR"
	BrokerPermanent       Kind = "BROKER_PERMANENT_ERROR"
	RateLimit             Kind = "RATE_LIMIT_ERROR"
	DepthUnavailable      Kind = "DEPTH_UNAVAILABLE_ERROR"
	InsufficientLiquidity Kind = "INSUFFICIENT_LIQUIDITY_ERROR"
	WideSpread            Kind = "WIDE_SPREAD_ERROR"
	HighImpact            Kind = "HIGH_IMPACT_ERROR"
	MarginShortfall       Kind = "MARGIN_SHORTFALL_ERROR"
	MarginIncreased       Kind = "MARGIN_INCREASED_ERROR"
	OrphanedOrders        Kind = "ORPHANED_ORDERS_ERROR"
	RiskLimitBreach       Kind = "RISK_LIMIT_BREACH_ERROR"
	GreeksRisk            Kind = "GREEKS_RISK_ERROR"
	DuplicateOrder        Kind = "DUPLICATE_ORDER_ERROR"
	Persistence           Kind = "PERSISTENCE_ERROR"
)

// Error is the concrete error type carried through the engine.
type Error struct {
	Kind    Kind
	Message string
	Payload map[string]interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithPayload attaches a typed payload for client recovery (shortfall amount,
// deadline, spread pct, etc).
func (e *Error) WithPayload(payload map[string]interface{}) *Error {
	e.Payload = payload
	return e
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind is safe to retry with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case BrokerTransient, RateLimit, Persistence:
		return true
	}
	return false
}

// PayloadOf returns the payload of err, or nil.
func PayloadOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Payload
	}
	return nil
}

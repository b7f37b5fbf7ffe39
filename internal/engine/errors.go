package engine

import (
	"errors"
	"fmt"
)

// Kind identifies why an engine operation was refused. Every validation
// failure carries exactly one kind; the HTTP shell maps kinds to status
// codes and user-facing messages without parsing error strings.
type Kind string

const (
	KindInvalidQuantity       Kind = "invalid_quantity"
	KindInvalidSide           Kind = "invalid_side"
	KindInstrumentInactive    Kind = "instrument_inactive"
	KindTradingClosed         Kind = "trading_closed"
	KindSellingNotYetAllowed  Kind = "selling_not_yet_allowed"
	KindPriceUnavailable      Kind = "price_unavailable"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientHoldings  Kind = "insufficient_holdings"
	KindTeamNotFound          Kind = "team_not_found"
	KindConcurrentRoundChange Kind = "concurrent_round_change"
	KindStorageFailure        Kind = "storage_failure"
)

// Retriable reports whether the caller may retry the operation unchanged.
// Validation failures are final; storage failures and exhausted optimistic
// retries are transient.
func (k Kind) Retriable() bool {
	return k == KindStorageFailure || k == KindConcurrentRoundChange
}

// Error is a refused engine operation. It wraps an optional cause so
// storage errors stay inspectable with errors.Is/As.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// reject creates a validation failure with the given kind.
func reject(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// storageErr wraps a failed persistence call as a retriable failure.
func storageErr(op string, cause error) *Error {
	return &Error{Kind: KindStorageFailure, msg: op, cause: cause}
}

// KindOf extracts the failure kind from an error chain, or "" when the
// error did not originate in the engine.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

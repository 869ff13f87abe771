// Package revert defines the failure taxonomy shared by the Yar contracts.
// Every contract error carries a short machine-readable reason string, the
// same string a caller would see in a reverted transaction.
package revert

import "errors"

// Kind classifies a revert.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed or mismatched input: wrong chain id,
	// amount mismatch, expired signature, unregistered peer.
	KindValidation
	// KindStateMachine covers duplicate or out-of-order lifecycle calls.
	KindStateMachine
	// KindInsufficientFunds covers balances, allowances and custody that
	// cannot cover the requested amount.
	KindInsufficientFunds
	// KindDelivery covers a failing call at the delivery target.
	KindDelivery
	// KindUnauthorized covers callers without the required capability.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateMachine:
		return "state_machine"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindDelivery:
		return "delivery"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is a classified revert.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// New returns a revert sentinel. Sentinels are compared by identity with
// errors.Is.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// KindOf returns the kind of the first revert in err's chain.
func KindOf(err error) Kind {
	var r *Error
	if errors.As(err, &r) {
		return r.Kind
	}
	return KindUnknown
}

// Reason returns the reason string of the first revert in err's chain, or
// err.Error() when err carries no revert.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var r *Error
	if errors.As(err, &r) {
		return r.Reason
	}
	return err.Error()
}

// Is reports whether err is a revert with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

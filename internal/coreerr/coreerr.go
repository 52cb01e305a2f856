// Package coreerr defines the closed set of domain error kinds that every
// component surfaces to callers. Callers branch on Kind, never on message
// text.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of domain-level failure categories.
type Kind string

const (
	NotFound             Kind = "not_found"
	AgentExists          Kind = "agent_exists"
	AddressReuse         Kind = "address_reuse"
	BadAddress           Kind = "bad_address"
	BadKey               Kind = "bad_key"
	DecryptFailed        Kind = "decrypt_failed"
	ExportDenied         Kind = "export_denied"
	RateLimited          Kind = "rate_limited"
	ConfirmationRequired Kind = "confirmation_required"
	ConfirmationMismatch Kind = "confirmation_mismatch"
	InsufficientFunds    Kind = "insufficient_funds"
	ChainUnreachable     Kind = "chain_unreachable"
	RPCRejected          Kind = "rpc_rejected"
	BroadcastAborted     Kind = "broadcast_aborted"
	StrategyNotFound     Kind = "strategy_not_found"
	StrategyBadState     Kind = "strategy_bad_state"
)

// CoreError is the concrete error type every component returns for a
// domain-level failure. The message is safe to surface to a caller: it
// never carries key material, ciphertext, or confirmation codes.
type CoreError struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *CoreError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.cause
}

// New builds a CoreError with no wrapped cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap builds a CoreError that wraps an underlying error. The underlying
// error's text is still reachable via errors.Unwrap/errors.Is, but callers
// should not assume it is safe to show to end users.
func Wrap(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, cause: cause}
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is a CoreError, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

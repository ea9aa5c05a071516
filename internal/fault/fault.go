// Package fault classifies every error the settlement engine can return.
//
// Each sentinel belongs to exactly one Kind. Callers match the sentinel with
// errors.Is and the category with KindOf.
package fault

import (
	"errors"
)

// Kind is the category of a rejected operation.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation means the input was malformed. No state was mutated.
	KindValidation
	// KindTiming means a commit-reveal timing or matching rule was violated.
	KindTiming
	// KindSettlement means a batch or escrow invariant would be violated.
	KindSettlement
	// KindAuthorization means the caller is not allowed to vote or propose.
	KindAuthorization
	// KindNotFound means the referenced entity does not exist.
	KindNotFound
	// KindFatal means the audit guarantee is broken. Not recoverable.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTiming:
		return "timing"
	case KindSettlement:
		return "settlement"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a categorized sentinel.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

// Input validation.
var (
	ErrInvalidParams = newError(KindValidation, "invalid_params", "invalid launch parameters")
	ErrInvalidOrder  = newError(KindValidation, "invalid_order", "invalid order")
	ErrInvalidSupply = newError(KindValidation, "invalid_supply", "available supply must be positive")
	ErrInvalidEscrow = newError(KindValidation, "invalid_escrow", "invalid escrow schedule")
	ErrInvalidAmount = newError(KindValidation, "invalid_amount", "amount must be positive")
)

// Protocol timing.
var (
	ErrRevealTooEarly  = newError(KindTiming, "reveal_too_early", "reveal too early: delay not elapsed")
	ErrRevealExpired   = newError(KindTiming, "reveal_expired", "reveal deadline has passed")
	ErrAlreadyRevealed = newError(KindTiming, "already_revealed", "commitment already revealed")
	ErrRevealMismatch  = newError(KindTiming, "reveal_mismatch", "revealed parameters do not match commitment")
)

// Settlement invariants.
var (
	ErrAlreadySettled     = newError(KindSettlement, "already_settled", "batch already settled")
	ErrEmptyBatch         = newError(KindSettlement, "empty_batch", "batch has no orders")
	ErrBatchClosed        = newError(KindSettlement, "batch_closed", "batch is closed")
	ErrBatchSealed        = newError(KindSettlement, "batch_sealed", "orders are sealed until settlement")
	ErrOverVestedRelease  = newError(KindSettlement, "over_vested_release", "release exceeds vested amount")
	ErrInsufficientQuorum = newError(KindSettlement, "insufficient_quorum", "approvals below quorum")
	ErrAlreadyExecuted    = newError(KindSettlement, "already_executed", "proposal already executed")
	ErrNotPending         = newError(KindSettlement, "not_pending", "proposal is not pending")
	ErrNotRevealed        = newError(KindSettlement, "not_revealed", "launch parameters not revealed")
)

// Authorization.
var (
	ErrUnknownSigner     = newError(KindAuthorization, "unknown_signer", "signer not recognized")
	ErrDuplicateApproval = newError(KindAuthorization, "duplicate_approval", "signer already voted")
)

// Lookups.
var (
	ErrUnknownCommitment = newError(KindNotFound, "unknown_commitment", "commitment not found")
	ErrUnknownBatch      = newError(KindNotFound, "unknown_batch", "batch not found")
	ErrUnknownEscrow     = newError(KindNotFound, "unknown_escrow", "escrow not found")
	ErrUnknownProposal   = newError(KindNotFound, "unknown_proposal", "proposal not found")
)

// ErrStorageExhausted is returned when the audit trail cannot persist an event.
var ErrStorageExhausted = newError(KindFatal, "storage_exhausted", "audit storage exhausted")

// KindOf returns the category of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first *Error in err's chain.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsFatal reports whether err breaks the audit guarantee.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

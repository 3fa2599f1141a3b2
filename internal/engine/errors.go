package engine

import "errors"

// The four failure categories every operation can surface. Callers can
// classify any engine error with errors.Is against these sentinels; the
// wrapped message carries the specific condition.
var (
	// ErrPrecondition: caller identity does not match the required role,
	// or the deal is not in a state that admits the operation.
	ErrPrecondition = errors.New("precondition failed")

	// ErrValidation: malformed or contradictory deal terms. Raised only
	// at initialization.
	ErrValidation = errors.New("invalid deal terms")

	// ErrProof: a forced-path secret does not hash to the committed digest.
	ErrProof = errors.New("invalid proof")

	// ErrTransfer: the asset ledger reported transfer failure. The
	// enclosing operation is aborted with no status change.
	ErrTransfer = errors.New("asset transfer failed")
)

// ErrDealNotFound is returned when an operation references an unknown deal.
var ErrDealNotFound = errors.New("deal not found")

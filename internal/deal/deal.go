package deal

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a deal. The state machine has exactly
// four edges, all out of StatusInitialized; Executed and Cancelled are
// terminal.
type Status uint8

const (
	StatusInitialized Status = iota
	StatusExecuted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus maps the wire/database representation back to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "initialized":
		return StatusInitialized, true
	case "executed":
		return StatusExecuted, true
	case "cancelled":
		return StatusCancelled, true
	default:
		return StatusInitialized, false
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// CanTransitionTo reports whether the edge s -> next exists in the state
// machine. There are no self-loops and no edges between terminal states.
func (s Status) CanTransitionTo(next Status) bool {
	if s != StatusInitialized {
		return false
	}
	return next == StatusExecuted || next == StatusCancelled
}

// Deal holds the terms of one delivery-versus-payment exchange. All fields
// except Status and Version are fixed at creation and never change; a deal
// is never deleted — terminal deals persist as audit records.
type Deal struct {
	ID       uuid.UUID
	Arranger uuid.UUID
	Seller   uuid.UUID
	Buyer    uuid.UUID

	// Price is informational only: the payment leg settles off-ledger
	// through the rail identified by ExternalRef.
	Price       string
	ExternalRef []byte

	// SHA-256 commitments. Revealing a preimage of ExecutionKeyHash lets
	// the buyer force execution; a preimage of CancellationKeyHash lets
	// the seller force cancellation.
	ExecutionKeyHash    [32]byte
	CancellationKeyHash [32]byte

	AssetSymbol string
	AssetAmount int64

	Status    Status
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EscrowAccount returns the ledger account that custodies the asset leg
// for this deal. Each deal owns a dedicated account derived from its ID,
// so escrowed funds are never commingled across deals.
func (d *Deal) EscrowAccount() uuid.UUID {
	return d.ID
}

// Clone returns a deep copy so callers can read deal state without
// racing the engine's single writer.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.ExternalRef != nil {
		clone.ExternalRef = append([]byte(nil), d.ExternalRef...)
	}
	return &clone
}

var zeroDigest [32]byte

// ZeroDigest reports whether h is the all-zero digest. A zero commitment
// would make the corresponding forced path unprovable, so it is rejected
// at initialization.
func ZeroDigest(h [32]byte) bool {
	return h == zeroDigest
}

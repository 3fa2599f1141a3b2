package event

import (
	"time"

	"github.com/google/uuid"
)

// RecordType discriminator for settlement records
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDealInitialized
	RecordTypeDepositReceived
	RecordTypeCooperativeExecution
	RecordTypeForcedExecution
	RecordTypeCooperativeCancellation
	RecordTypeForcedCancellation
)

// Envelope wraps every record in the settlement log. Records are
// append-only and never retracted: they are the externally observable
// audit trail of the engine.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Deal this record belongs to
	DealID uuid.UUID

	// Record type discriminator
	RecordType RecordType

	// Time the engine applied the transition
	Timestamp time.Time

	// JSON-encoded record-specific data
	Payload []byte

	// SHA-256 of engine state AFTER applying this record
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is the interface all settlement record payloads implement.
type Record interface {
	RecordType() RecordType
	DealID() uuid.UUID
}

func (rt RecordType) String() string {
	switch rt {
	case RecordTypeDealInitialized:
		return "DealInitialized"
	case RecordTypeDepositReceived:
		return "DepositReceived"
	case RecordTypeCooperativeExecution:
		return "CooperativeExecution"
	case RecordTypeForcedExecution:
		return "ForcedExecution"
	case RecordTypeCooperativeCancellation:
		return "CooperativeCancellation"
	case RecordTypeForcedCancellation:
		return "ForcedCancellation"
	default:
		return "Unknown"
	}
}

package event

import "github.com/google/uuid"

// DealInitialized is emitted exactly once per deal, at creation. It
// carries the full deal terms; no funds move at initialization.
type DealInitialized struct {
	Deal        uuid.UUID `json:"deal_id"`
	Arranger    uuid.UUID `json:"arranger"`
	Seller      uuid.UUID `json:"seller"`
	Buyer       uuid.UUID `json:"buyer"`
	Price       string    `json:"price"`
	AssetSymbol string    `json:"asset_symbol"`
	AssetAmount int64     `json:"asset_amount"`
	ExternalRef []byte    `json:"external_ref"`
}

func (r *DealInitialized) RecordType() RecordType { return RecordTypeDealInitialized }
func (r *DealInitialized) DealID() uuid.UUID      { return r.Deal }

// DepositReceived is emitted when the seller funds the deal's escrow
// account. Transitions require the escrow to be funded.
type DepositReceived struct {
	Deal   uuid.UUID `json:"deal_id"`
	Seller uuid.UUID `json:"seller"`
	Amount int64     `json:"amount"`
}

func (r *DepositReceived) RecordType() RecordType { return RecordTypeDepositReceived }
func (r *DepositReceived) DealID() uuid.UUID      { return r.Deal }

// CooperativeExecution: seller completed the deal, asset paid to buyer.
type CooperativeExecution struct {
	Deal   uuid.UUID `json:"deal_id"`
	Seller uuid.UUID `json:"seller"`
	Buyer  uuid.UUID `json:"buyer"`
}

func (r *CooperativeExecution) RecordType() RecordType { return RecordTypeCooperativeExecution }
func (r *CooperativeExecution) DealID() uuid.UUID      { return r.Deal }

// ForcedExecution: buyer proved the execution secret, asset paid to buyer.
type ForcedExecution struct {
	Deal   uuid.UUID `json:"deal_id"`
	Buyer  uuid.UUID `json:"buyer"`
	Seller uuid.UUID `json:"seller"`
}

func (r *ForcedExecution) RecordType() RecordType { return RecordTypeForcedExecution }
func (r *ForcedExecution) DealID() uuid.UUID      { return r.Deal }

// CooperativeCancellation: buyer unwound the deal, asset returned to seller.
type CooperativeCancellation struct {
	Deal   uuid.UUID `json:"deal_id"`
	Buyer  uuid.UUID `json:"buyer"`
	Seller uuid.UUID `json:"seller"`
}

func (r *CooperativeCancellation) RecordType() RecordType { return RecordTypeCooperativeCancellation }
func (r *CooperativeCancellation) DealID() uuid.UUID      { return r.Deal }

// ForcedCancellation: seller proved the cancellation secret, asset
// returned to seller.
type ForcedCancellation struct {
	Deal   uuid.UUID `json:"deal_id"`
	Seller uuid.UUID `json:"seller"`
	Buyer  uuid.UUID `json:"buyer"`
}

func (r *ForcedCancellation) RecordType() RecordType { return RecordTypeForcedCancellation }
func (r *ForcedCancellation) DealID() uuid.UUID      { return r.Deal }

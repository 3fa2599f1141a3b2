package query

import (
	"encoding/json"
	"time"
)

// DealResponse is the readable state of a deal for API queries. It
// exposes every queryable field of the deal: status, price, external
// reference, both key digests, asset, amount, and all three identities.
type DealResponse struct {
	DealID              string    `json:"deal_id"`
	Arranger            string    `json:"arranger"`
	Seller              string    `json:"seller"`
	Buyer               string    `json:"buyer"`
	Price               string    `json:"price"`
	ExternalRef         []byte    `json:"external_ref,omitempty"`
	ExecutionKeyHash    []byte    `json:"execution_key_hash"`
	CancellationKeyHash []byte    `json:"cancellation_key_hash"`
	AssetSymbol         string    `json:"asset_symbol"`
	AssetAmount         int64     `json:"asset_amount"`
	Status              string    `json:"status"`
	Version             int64     `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// RecordResponse is one settlement log entry for API queries.
type RecordResponse struct {
	Sequence   int64           `json:"sequence"`
	DealID     string          `json:"deal_id"`
	RecordType string          `json:"record_type"`
	Payload    json.RawMessage `json:"payload"`
	StateHash  []byte          `json:"state_hash"`
	PrevHash   []byte          `json:"prev_hash"`
	Timestamp  time.Time       `json:"timestamp"`
}

package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a queried deal does not exist.
var ErrNotFound = errors.New("deal not found")

// Service provides read-only access to the durable settlement state in
// Postgres. The in-memory engine is authoritative for live transitions;
// these queries serve dashboards, audits, and reconciliation.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetDeal returns the persisted state of one deal.
func (s *Service) GetDeal(ctx context.Context, dealID uuid.UUID) (*DealResponse, error) {
	var d DealResponse
	err := s.db.QueryRowContext(ctx, `
		SELECT deal_id, arranger, seller, buyer, price, external_ref,
		       execution_key_hash, cancellation_key_hash,
		       asset_symbol, asset_amount, status, version, created_at, updated_at
		FROM settlement.deals
		WHERE deal_id = $1
	`, dealID).Scan(
		&d.DealID, &d.Arranger, &d.Seller, &d.Buyer, &d.Price, &d.ExternalRef,
		&d.ExecutionKeyHash, &d.CancellationKeyHash,
		&d.AssetSymbol, &d.AssetAmount, &d.Status, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dealID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeals returns persisted deals, optionally filtered by status,
// newest first.
func (s *Service) ListDeals(ctx context.Context, status *string, limit int) ([]DealResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT deal_id, arranger, seller, buyer, price, external_ref,
		       execution_key_hash, cancellation_key_hash,
		       asset_symbol, asset_amount, status, version, created_at, updated_at
		FROM settlement.deals
	`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, *status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []DealResponse
	for rows.Next() {
		var d DealResponse
		if err := rows.Scan(
			&d.DealID, &d.Arranger, &d.Seller, &d.Buyer, &d.Price, &d.ExternalRef,
			&d.ExecutionKeyHash, &d.CancellationKeyHash,
			&d.AssetSymbol, &d.AssetAmount, &d.Status, &d.Version, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// ListDealRecords returns the settlement log entries for one deal in
// sequence order.
func (s *Service) ListDealRecords(ctx context.Context, dealID uuid.UUID) ([]RecordResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, deal_id, record_type, payload, state_hash, prev_hash, timestamp
		FROM settlement.records
		WHERE deal_id = $1
		ORDER BY sequence
	`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RecordResponse
	for rows.Next() {
		var r RecordResponse
		if err := rows.Scan(
			&r.Sequence, &r.DealID, &r.RecordType, &r.Payload,
			&r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

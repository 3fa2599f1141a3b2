package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RecordLogWriter writes settlement records to Postgres using multi-row
// INSERT with ON CONFLICT DO NOTHING, so replays after a crash are
// idempotent.
type RecordLogWriter struct {
	db *sql.DB
}

// RecordRow represents a row in settlement.records
type RecordRow struct {
	Sequence   int64
	DealID     string
	RecordType string
	Payload    []byte // JSON-encoded record payload
	StateHash  []byte
	PrevHash   []byte
	Timestamp  time.Time
}

// DealRow represents a row in settlement.deals
type DealRow struct {
	DealID              string
	Arranger            string
	Seller              string
	Buyer               string
	Price               string
	ExternalRef         []byte
	ExecutionKeyHash    []byte
	CancellationKeyHash []byte
	AssetSymbol         string
	AssetAmount         int64
	Status              string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BalanceRow represents a row in settlement.balances
type BalanceRow struct {
	AssetSymbol string
	Account     string
	Balance     int64
}

func NewRecordLogWriter(db *sql.DB) *RecordLogWriter {
	return &RecordLogWriter{db: db}
}

// WriteRecordBatch writes a batch of settlement records inside tx.
func (w *RecordLogWriter) WriteRecordBatch(ctx context.Context, tx *sql.Tx, records []RecordRow) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.records
		(sequence, deal_id, record_type, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*7)

	for i, r := range records {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.Sequence, r.DealID, r.RecordType, r.Payload,
			r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertDeals writes the latest state of each deal inside tx. The deals
// table is the durable read model: one row per deal, updated on every
// status change, kept forever as an audit record.
func (w *RecordLogWriter) UpsertDeals(ctx context.Context, tx *sql.Tx, deals []DealRow) error {
	for _, d := range deals {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.deals
				(deal_id, arranger, seller, buyer, price, external_ref,
				 execution_key_hash, cancellation_key_hash,
				 asset_symbol, asset_amount, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (deal_id) DO UPDATE SET
				status = EXCLUDED.status,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at
			WHERE settlement.deals.version < EXCLUDED.version
		`,
			d.DealID, d.Arranger, d.Seller, d.Buyer, d.Price, d.ExternalRef,
			d.ExecutionKeyHash, d.CancellationKeyHash,
			d.AssetSymbol, d.AssetAmount, d.Status, d.Version, d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert deal %s: %w", d.DealID, err)
		}
	}
	return nil
}

// UpsertBalances writes point-in-time account balances inside tx. They
// ride in the same transaction as the records that produced them, so
// the durable ledger state never diverges from the settlement log.
func (w *RecordLogWriter) UpsertBalances(ctx context.Context, tx *sql.Tx, balances []BalanceRow) error {
	for _, b := range balances {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlement.balances (asset_symbol, account, balance, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (asset_symbol, account) DO UPDATE SET
				balance = EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at
		`, b.AssetSymbol, b.Account, b.Balance)
		if err != nil {
			return fmt.Errorf("upsert balance %s/%s: %w", b.AssetSymbol, b.Account, err)
		}
	}
	return nil
}

// LoadBalances reads every persisted account balance. Used on startup
// to rebuild the in-process asset ledgers before recovery.
func (w *RecordLogWriter) LoadBalances(ctx context.Context) ([]BalanceRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT asset_symbol, account, balance FROM settlement.balances
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceRow
	for rows.Next() {
		var b BalanceRow
		if err := rows.Scan(&b.AssetSymbol, &b.Account, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// MaxSequence returns the highest record sequence written, and the state
// hash at that sequence. Used on startup to resume the chain.
func (w *RecordLogWriter) MaxSequence(ctx context.Context) (int64, []byte, error) {
	var seq sql.NullInt64
	var hash []byte
	err := w.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM settlement.records
		ORDER BY sequence DESC LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return -1, nil, nil
	}
	if err != nil {
		return -1, nil, err
	}
	return seq.Int64, hash, nil
}

// LoadDeals reads every persisted deal. Used on startup to restore the
// engine's in-memory state.
func (w *RecordLogWriter) LoadDeals(ctx context.Context) ([]DealRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT deal_id, arranger, seller, buyer, price, external_ref,
		       execution_key_hash, cancellation_key_hash,
		       asset_symbol, asset_amount, status, version, created_at, updated_at
		FROM settlement.deals
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []DealRow
	for rows.Next() {
		var d DealRow
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

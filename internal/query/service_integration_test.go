package query_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"DvpSettle/internal/persistence"
	"DvpSettle/internal/query"
	"DvpSettle/internal/testutil"
)

// --- Test helpers ---

func seedDeal(t *testing.T, db *sql.DB, dealID uuid.UUID, status string, version int64) {
	t.Helper()

	now := time.Now().UTC()
	writer := persistence.NewRecordLogWriter(db)
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	err = writer.UpsertDeals(context.Background(), tx, []persistence.DealRow{{
		DealID:              dealID.String(),
		Arranger:            uuid.NewString(),
		Seller:              uuid.NewString(),
		Buyer:               uuid.NewString(),
		Price:               "99.50 USD",
		ExternalRef:         []byte("swift:REF123"),
		ExecutionKeyHash:    bytes.Repeat([]byte{0xE1}, 32),
		CancellationKeyHash: bytes.Repeat([]byte{0xC1}, 32),
		AssetSymbol:         "BOND",
		AssetAmount:         100,
		Status:              status,
		Version:             version,
		CreatedAt:           now,
		UpdatedAt:           now,
	}})
	if err != nil {
		t.Fatalf("upsert deal: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedRecords(t *testing.T, db *sql.DB, dealID uuid.UUID, types ...string) {
	t.Helper()

	writer := persistence.NewRecordLogWriter(db)
	rows := make([]persistence.RecordRow, 0, len(types))
	for i, recordType := range types {
		rows = append(rows, persistence.RecordRow{
			Sequence:   int64(i),
			DealID:     dealID.String(),
			RecordType: recordType,
			Payload:    []byte(`{"deal_id":"` + dealID.String() + `"}`),
			StateHash:  bytes.Repeat([]byte{byte(i + 1)}, 32),
			PrevHash:   bytes.Repeat([]byte{byte(i)}, 32),
			Timestamp:  time.Now().UTC(),
		})
	}

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := writer.WriteRecordBatch(context.Background(), tx, rows); err != nil {
		t.Fatalf("write records: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// --- Integration tests (requires Postgres, run with INTEGRATION_TEST=1) ---

func TestGetDeal(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	dealID := uuid.New()
	seedDeal(t, db, dealID, "executed", 2)

	svc := query.NewService(db)
	resp, err := svc.GetDeal(context.Background(), dealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}

	if resp.DealID != dealID.String() {
		t.Errorf("deal id: got %q, want %q", resp.DealID, dealID)
	}
	if resp.Status != "executed" {
		t.Errorf("status: got %q, want executed", resp.Status)
	}
	if resp.Version != 2 {
		t.Errorf("version: got %d, want 2", resp.Version)
	}
	if len(resp.ExecutionKeyHash) != 32 {
		t.Errorf("execution key hash length: got %d, want 32", len(resp.ExecutionKeyHash))
	}
}

func TestGetDeal_NotFound(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	_, err := query.NewService(db).GetDeal(context.Background(), uuid.New())
	if !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListDeals_StatusFilter(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	seedDeal(t, db, uuid.New(), "initialized", 0)
	seedDeal(t, db, uuid.New(), "executed", 2)
	seedDeal(t, db, uuid.New(), "executed", 2)

	svc := query.NewService(db)

	all, err := svc.ListDeals(context.Background(), nil, 100)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all deals: got %d, want 3", len(all))
	}

	status := "executed"
	executed, err := svc.ListDeals(context.Background(), &status, 100)
	if err != nil {
		t.Fatalf("list executed: %v", err)
	}
	if len(executed) != 2 {
		t.Errorf("executed deals: got %d, want 2", len(executed))
	}
	for _, d := range executed {
		if d.Status != "executed" {
			t.Errorf("filtered deal status: got %q, want executed", d.Status)
		}
	}

	limited, err := svc.ListDeals(context.Background(), nil, 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited deals: got %d, want 2", len(limited))
	}
}

func TestListDealRecords_SequenceOrder(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	dealID := uuid.New()
	seedDeal(t, db, dealID, "executed", 2)
	seedRecords(t, db, dealID, "DealInitialized", "DepositReceived", "ForcedExecution")

	records, err := query.NewService(db).ListDealRecords(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("record count: got %d, want 3", len(records))
	}

	for i, r := range records {
		if r.Sequence != int64(i) {
			t.Errorf("record %d sequence: got %d, want %d", i, r.Sequence, i)
		}
	}
	if records[2].RecordType != "ForcedExecution" {
		t.Errorf("last record type: got %q, want forced_execution", records[2].RecordType)
	}
}

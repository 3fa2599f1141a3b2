package persistence_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"DvpSettle/internal/persistence"
	"DvpSettle/internal/testutil"
)

// --- Test helpers ---

func recordRow(seq int64, dealID string, recordType string) persistence.RecordRow {
	return persistence.RecordRow{
		Sequence:   seq,
		DealID:     dealID,
		RecordType: recordType,
		Payload:    []byte(`{"deal_id":"` + dealID + `"}`),
		StateHash:  bytes.Repeat([]byte{byte(seq + 1)}, 32),
		PrevHash:   bytes.Repeat([]byte{byte(seq)}, 32),
		Timestamp:  time.Now().UTC(),
	}
}

func dealRow(dealID string, status string, version int64) persistence.DealRow {
	now := time.Now().UTC()
	return persistence.DealRow{
		DealID:              dealID,
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
	}
}

// --- Integration tests (requires Postgres, run with INTEGRATION_TEST=1) ---

func TestRecordLogWriter_WriteAndReplay(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewRecordLogWriter(db)
	dealID := uuid.NewString()

	records := []persistence.RecordRow{
		recordRow(0, dealID, "DealInitialized"),
		recordRow(1, dealID, "DepositReceived"),
		recordRow(2, dealID, "CooperativeExecution"),
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := writer.WriteRecordBatch(ctx, tx, records); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Replaying the same batch must be a no-op, not an error.
	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin replay tx: %v", err)
	}
	if err := writer.WriteRecordBatch(ctx, tx, records); err != nil {
		t.Fatalf("replay batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit replay: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM settlement.records").Scan(&count); err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 3 {
		t.Errorf("record count after replay: got %d, want 3", count)
	}

	maxSeq, tip, err := writer.MaxSequence(ctx)
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if maxSeq != 2 {
		t.Errorf("max sequence: got %d, want 2", maxSeq)
	}
	if !bytes.Equal(tip, records[2].StateHash) {
		t.Error("chain tip should match the last record's state hash")
	}
}

func TestRecordLogWriter_MaxSequenceEmptyLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	maxSeq, tip, err := persistence.NewRecordLogWriter(db).MaxSequence(context.Background())
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if maxSeq != -1 {
		t.Errorf("max sequence on empty log: got %d, want -1", maxSeq)
	}
	if tip != nil {
		t.Error("chain tip on empty log should be nil")
	}
}

func TestRecordLogWriter_UpsertDealsVersionGuard(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewRecordLogWriter(db)
	dealID := uuid.NewString()

	upsert := func(rows ...persistence.DealRow) {
		t.Helper()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if err := writer.UpsertDeals(ctx, tx, rows); err != nil {
			t.Fatalf("upsert deals: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	base := dealRow(dealID, "initialized", 0)
	upsert(base)

	executed := base
	executed.Status = "executed"
	executed.Version = 2
	upsert(executed)

	// A stale row must not overwrite a newer version.
	stale := base
	stale.Status = "cancelled"
	stale.Version = 1
	upsert(stale)

	deals, err := writer.LoadDeals(ctx)
	if err != nil {
		t.Fatalf("load deals: %v", err)
	}
	if len(deals) != 1 {
		t.Fatalf("deal count: got %d, want 1", len(deals))
	}
	if deals[0].Status != "executed" {
		t.Errorf("status: got %q, want executed (stale write must lose)", deals[0].Status)
	}
	if deals[0].Version != 2 {
		t.Errorf("version: got %d, want 2", deals[0].Version)
	}
}

func TestRecordLogWriter_BalanceRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewRecordLogWriter(db)
	seller := uuid.NewString()
	escrow := uuid.NewString()

	upsert := func(rows ...persistence.BalanceRow) {
		t.Helper()
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if err := writer.UpsertBalances(ctx, tx, rows); err != nil {
			t.Fatalf("upsert balances: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	upsert(
		persistence.BalanceRow{AssetSymbol: "BOND", Account: seller, Balance: 1_000},
		persistence.BalanceRow{AssetSymbol: "BOND", Account: escrow, Balance: 0},
	)

	// Later records overwrite: deposit moved 100 into escrow.
	upsert(
		persistence.BalanceRow{AssetSymbol: "BOND", Account: seller, Balance: 900},
		persistence.BalanceRow{AssetSymbol: "BOND", Account: escrow, Balance: 100},
	)

	balances, err := writer.LoadBalances(ctx)
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("balance count: got %d, want 2", len(balances))
	}

	byAccount := make(map[string]int64, len(balances))
	for _, b := range balances {
		if b.AssetSymbol != "BOND" {
			t.Errorf("asset: got %q, want BOND", b.AssetSymbol)
		}
		byAccount[b.Account] = b.Balance
	}
	if byAccount[seller] != 900 {
		t.Errorf("seller balance: got %d, want 900", byAccount[seller])
	}
	if byAccount[escrow] != 100 {
		t.Errorf("escrow balance: got %d, want 100", byAccount[escrow])
	}
}

func TestWorker_BatchesAndFlushes(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	inputChan := make(chan persistence.EngineOutput, 16)
	worker := persistence.NewWorker(db, inputChan, 2, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	dealID := uuid.NewString()
	for seq := int64(0); seq < 5; seq++ {
		inputChan <- persistence.EngineOutput{
			Record: recordRow(seq, dealID, "DealInitialized"),
			Deal:   dealRow(dealID, "initialized", seq),
			Balances: []persistence.BalanceRow{
				{AssetSymbol: "BOND", Account: dealID, Balance: 100 - seq},
			},
		}
	}

	// Give the worker time to flush both full and timed-out batches.
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	var count int
	if err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM settlement.records").Scan(&count); err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 5 {
		t.Errorf("persisted record count: got %d, want 5", count)
	}

	maxSeq, _, err := worker.GetWriter().MaxSequence(context.Background())
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	if maxSeq != 4 {
		t.Errorf("max sequence: got %d, want 4", maxSeq)
	}

	// Balances flushed in the same transactions, last write wins.
	balances, err := worker.GetWriter().LoadBalances(context.Background())
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("balance count: got %d, want 1", len(balances))
	}
	if balances[0].Balance != 96 {
		t.Errorf("final balance: got %d, want 96", balances[0].Balance)
	}
}

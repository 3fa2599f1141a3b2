package engine

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DvpSettle/internal/deal"
	"DvpSettle/internal/event"
	"DvpSettle/internal/ledger"
	"DvpSettle/internal/observability"
)

// Output is what the engine hands downstream after a successful
// operation: the settlement record plus a snapshot of the mutated deal
// and the balances of the accounts the record touched.
type Output struct {
	Envelope *event.Envelope
	Deal     *deal.Deal

	// Balances are point-in-time, captured after the transition
	// applied. They are persisted in the same transaction as the
	// record, so escrowed funds survive a restart even though the
	// ledger itself is in-process.
	Balances []AccountBalance
}

// AccountBalance is one account's balance at the moment a record was
// emitted.
type AccountBalance struct {
	Asset   string
	Account uuid.UUID
	Balance int64
}

// Engine is the hash-locked delivery-versus-payment settlement engine.
// It owns the deal records exclusively; the only mutation surface is the
// operations below, each gated by an explicit caller identity. All
// operations are serialized — each one runs to completion or not at all.
//
// Atomicity: the ledger transfer runs first and the status flip is
// committed only after the transfer succeeds (two-phase apply). A failed
// transfer leaves the deal untouched.
type Engine struct {
	mu sync.Mutex

	deals   map[uuid.UUID]*deal.Deal
	ledgers *ledger.Registry

	sequence int64
	hasher   *StateHasher

	// persistChan uses BLOCKING sends: the engine stalls until the
	// persistence worker drains, so no record is lost.
	persistChan chan<- Output
	// publishChan uses NON-BLOCKING sends with drop: outbound consumers
	// can recover from the settlement log.
	publishChan chan<- Output

	metrics *observability.Metrics
	logger  zerolog.Logger
	nowFn   func() time.Time
}

func NewEngine(
	ledgers *ledger.Registry,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		deals:       make(map[uuid.UUID]*deal.Deal),
		ledgers:     ledgers,
		hasher:      NewStateHasher(),
		persistChan: persistChan,
		publishChan: publishChan,
		metrics:     metrics,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the time source. Intended for tests that need
// deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// InitializeParams are the deal terms supplied by the arranger.
type InitializeParams struct {
	Seller              uuid.UUID
	Buyer               uuid.UUID
	Price               string
	AssetSymbol         string
	AssetAmount         int64
	ExternalRef         []byte
	ExecutionKeyHash    [32]byte
	CancellationKeyHash [32]byte
}

// Initialize validates the deal terms and creates the deal in the
// initialized state. The caller becomes the arranger. No funds move;
// the seller balance check is a point-in-time solvency check only.
func (e *Engine) Initialize(arranger uuid.UUID, p InitializeParams) (*deal.Deal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.nowFn()

	// Validation order matters: each check is a distinct failure condition.
	if arranger == p.Seller {
		return nil, e.rejectInit("arranger_is_seller",
			fmt.Errorf("%w: arranger and seller must differ", ErrValidation))
	}
	if p.Seller == p.Buyer {
		return nil, e.rejectInit("seller_is_buyer",
			fmt.Errorf("%w: seller and buyer must differ", ErrValidation))
	}
	assetLedger := e.ledgers.Lookup(p.AssetSymbol)
	if assetLedger == nil {
		return nil, e.rejectInit("unknown_asset",
			fmt.Errorf("%w: no ledger for asset %q", ErrValidation, p.AssetSymbol))
	}
	if p.Price == "" {
		return nil, e.rejectInit("empty_price",
			fmt.Errorf("%w: price must be non-empty", ErrValidation))
	}
	if deal.ZeroDigest(p.ExecutionKeyHash) {
		return nil, e.rejectInit("zero_execution_hash",
			fmt.Errorf("%w: execution key hash must be non-zero", ErrValidation))
	}
	if deal.ZeroDigest(p.CancellationKeyHash) {
		return nil, e.rejectInit("zero_cancellation_hash",
			fmt.Errorf("%w: cancellation key hash must be non-zero", ErrValidation))
	}
	if p.AssetAmount <= 0 {
		return nil, e.rejectInit("non_positive_amount",
			fmt.Errorf("%w: asset amount must be positive, got %d", ErrValidation, p.AssetAmount))
	}
	if balance := assetLedger.BalanceOf(p.Seller); balance < p.AssetAmount {
		return nil, e.rejectInit("insufficient_seller_balance",
			fmt.Errorf("%w: seller holds %d %s, deal needs %d",
				ErrValidation, balance, p.AssetSymbol, p.AssetAmount))
	}

	now := e.nowFn()
	d := &deal.Deal{
		ID:                  uuid.New(),
		Arranger:            arranger,
		Seller:              p.Seller,
		Buyer:               p.Buyer,
		Price:               p.Price,
		ExternalRef:         append([]byte(nil), p.ExternalRef...),
		ExecutionKeyHash:    p.ExecutionKeyHash,
		CancellationKeyHash: p.CancellationKeyHash,
		AssetSymbol:         p.AssetSymbol,
		AssetAmount:         p.AssetAmount,
		Status:              deal.StatusInitialized,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	e.deals[d.ID] = d

	e.emit(d, &event.DealInitialized{
		Deal:        d.ID,
		Arranger:    d.Arranger,
		Seller:      d.Seller,
		Buyer:       d.Buyer,
		Price:       d.Price,
		AssetSymbol: d.AssetSymbol,
		AssetAmount: d.AssetAmount,
		ExternalRef: d.ExternalRef,
	})

	e.logger.Info().
		Str("deal_id", d.ID.String()).
		Str("asset", d.AssetSymbol).
		Int64("amount", d.AssetAmount).
		Msg("deal initialized")

	if e.metrics != nil {
		e.metrics.TransitionsApplied.WithLabelValues("initialize").Inc()
		e.metrics.TransitionDuration.WithLabelValues("initialize").Observe(e.nowFn().Sub(start).Seconds())
		e.metrics.DealsOpen.Inc()
	}

	return d.Clone(), nil
}

// Deposit pulls the deal's asset amount from the seller into the deal's
// escrow account. Caller must be the seller and the deal must still be
// initialized. Every transition requires the escrow to be funded, so
// this is the step that makes a deal settleable.
func (e *Engine) Deposit(caller, dealID uuid.UUID) (*deal.Deal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.lookupDeal(dealID, "deposit")
	if err != nil {
		return nil, err
	}
	if caller != d.Seller {
		return nil, e.reject(d, "deposit", "wrong_caller",
			fmt.Errorf("%w: only the seller may fund the escrow", ErrPrecondition))
	}
	if d.Status != deal.StatusInitialized {
		return nil, e.reject(d, "deposit", "wrong_status",
			fmt.Errorf("%w: deal is %s", ErrPrecondition, d.Status))
	}

	assetLedger := e.ledgers.Lookup(d.AssetSymbol)
	if e.funded(d, assetLedger) {
		return nil, e.reject(d, "deposit", "already_funded",
			fmt.Errorf("%w: escrow already funded", ErrPrecondition))
	}

	if err := assetLedger.Transfer(d.Seller, d.EscrowAccount(), d.AssetAmount); err != nil {
		if e.metrics != nil {
			e.metrics.TransferFailures.WithLabelValues(d.AssetSymbol).Inc()
		}
		return nil, e.reject(d, "deposit", "transfer_failed",
			fmt.Errorf("%w: %v", ErrTransfer, err))
	}

	d.Version++
	d.UpdatedAt = e.nowFn()

	e.emit(d, &event.DepositReceived{
		Deal:   d.ID,
		Seller: d.Seller,
		Amount: d.AssetAmount,
	})

	e.logger.Info().
		Str("deal_id", d.ID.String()).
		Int64("amount", d.AssetAmount).
		Msg("escrow funded")

	if e.metrics != nil {
		e.metrics.TransitionsApplied.WithLabelValues("deposit").Inc()
	}

	return d.Clone(), nil
}

// CooperativeExecution completes the deal at the seller's request: the
// escrowed asset is paid out to the buyer.
func (e *Engine) CooperativeExecution(caller, dealID uuid.UUID) (*deal.Deal, error) {
	return e.transition(caller, dealID, transitionSpec{
		operation:  "cooperative_execution",
		role:       roleSeller,
		nextStatus: deal.StatusExecuted,
		record: func(d *deal.Deal) event.Record {
			return &event.CooperativeExecution{Deal: d.ID, Seller: d.Seller, Buyer: d.Buyer}
		},
	})
}

// CooperativeCancellation unwinds the deal at the buyer's request: the
// escrowed asset is returned to the seller.
func (e *Engine) CooperativeCancellation(caller, dealID uuid.UUID) (*deal.Deal, error) {
	return e.transition(caller, dealID, transitionSpec{
		operation:  "cooperative_cancellation",
		role:       roleBuyer,
		nextStatus: deal.StatusCancelled,
		record: func(d *deal.Deal) event.Record {
			return &event.CooperativeCancellation{Deal: d.ID, Buyer: d.Buyer, Seller: d.Seller}
		},
	})
}

// ForceExecution completes the deal unilaterally: the buyer proves
// knowledge of the execution secret and receives the escrowed asset.
func (e *Engine) ForceExecution(caller, dealID uuid.UUID, secret []byte) (*deal.Deal, error) {
	return e.transition(caller, dealID, transitionSpec{
		operation:  "force_execution",
		role:       roleBuyer,
		nextStatus: deal.StatusExecuted,
		secret:     secret,
		keyHash:    func(d *deal.Deal) [32]byte { return d.ExecutionKeyHash },
		record: func(d *deal.Deal) event.Record {
			return &event.ForcedExecution{Deal: d.ID, Buyer: d.Buyer, Seller: d.Seller}
		},
	})
}

// ForceCancellation unwinds the deal unilaterally: the seller proves
// knowledge of the cancellation secret and the escrowed asset returns
// to the seller.
func (e *Engine) ForceCancellation(caller, dealID uuid.UUID, secret []byte) (*deal.Deal, error) {
	return e.transition(caller, dealID, transitionSpec{
		operation:  "force_cancellation",
		role:       roleSeller,
		nextStatus: deal.StatusCancelled,
		secret:     secret,
		keyHash:    func(d *deal.Deal) [32]byte { return d.CancellationKeyHash },
		record: func(d *deal.Deal) event.Record {
			return &event.ForcedCancellation{Deal: d.ID, Seller: d.Seller, Buyer: d.Buyer}
		},
	})
}

type callerRole uint8

const (
	roleSeller callerRole = iota
	roleBuyer
)

type transitionSpec struct {
	operation  string
	role       callerRole
	nextStatus deal.Status

	// Forced paths only: the candidate preimage and the committed digest
	// it must hash to.
	secret  []byte
	keyHash func(d *deal.Deal) [32]byte

	record func(d *deal.Deal) event.Record
}

// transition runs the shared precondition/proof/transfer/commit pipeline
// for all four terminal transitions. Check order is fixed: caller role,
// status, proof (forced paths), escrow funding, then the transfer. The
// status flip happens only after the transfer succeeded.
func (e *Engine) transition(caller, dealID uuid.UUID, spec transitionSpec) (*deal.Deal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.nowFn()

	d, err := e.lookupDeal(dealID, spec.operation)
	if err != nil {
		return nil, err
	}

	requiredCaller := d.Seller
	if spec.role == roleBuyer {
		requiredCaller = d.Buyer
	}
	if caller != requiredCaller {
		return nil, e.reject(d, spec.operation, "wrong_caller",
			fmt.Errorf("%w: caller is not authorized for %s", ErrPrecondition, spec.operation))
	}

	if !d.Status.CanTransitionTo(spec.nextStatus) {
		return nil, e.reject(d, spec.operation, "wrong_status",
			fmt.Errorf("%w: deal is %s", ErrPrecondition, d.Status))
	}

	if spec.keyHash != nil {
		digest := sha256.Sum256(spec.secret)
		if digest != spec.keyHash(d) {
			return nil, e.reject(d, spec.operation, "bad_proof",
				fmt.Errorf("%w: secret does not match committed digest", ErrProof))
		}
	}

	assetLedger := e.ledgers.Lookup(d.AssetSymbol)
	if !e.funded(d, assetLedger) {
		return nil, e.reject(d, spec.operation, "not_funded",
			fmt.Errorf("%w: escrow not funded", ErrPrecondition))
	}

	beneficiary := d.Seller
	if spec.nextStatus == deal.StatusExecuted {
		beneficiary = d.Buyer
	}

	// Two-phase apply: run the transfer first; commit the status only on
	// success. A failed transfer aborts with the deal untouched.
	if err := assetLedger.Transfer(d.EscrowAccount(), beneficiary, d.AssetAmount); err != nil {
		if e.metrics != nil {
			e.metrics.TransferFailures.WithLabelValues(d.AssetSymbol).Inc()
		}
		return nil, e.reject(d, spec.operation, "transfer_failed",
			fmt.Errorf("%w: %v", ErrTransfer, err))
	}

	d.Status = spec.nextStatus
	d.Version++
	d.UpdatedAt = e.nowFn()

	e.emit(d, spec.record(d))

	e.logger.Info().
		Str("deal_id", d.ID.String()).
		Str("operation", spec.operation).
		Str("status", d.Status.String()).
		Msg("deal settled")

	if e.metrics != nil {
		e.metrics.TransitionsApplied.WithLabelValues(spec.operation).Inc()
		e.metrics.TransitionDuration.WithLabelValues(spec.operation).Observe(e.nowFn().Sub(start).Seconds())
		e.metrics.DealsOpen.Dec()
	}

	return d.Clone(), nil
}

// GetDeal returns a copy of the deal's current state.
func (e *Engine) GetDeal(dealID uuid.UUID) (*deal.Deal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.deals[dealID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDealNotFound, dealID)
	}
	return d.Clone(), nil
}

// Funded reports whether the deal's escrow account holds at least the
// deal amount.
func (e *Engine) Funded(dealID uuid.UUID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.deals[dealID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrDealNotFound, dealID)
	}
	return e.funded(d, e.ledgers.Lookup(d.AssetSymbol)), nil
}

func (e *Engine) funded(d *deal.Deal, l ledger.AssetLedger) bool {
	return l.BalanceOf(d.EscrowAccount()) >= d.AssetAmount
}

func (e *Engine) lookupDeal(dealID uuid.UUID, operation string) (*deal.Deal, error) {
	d, ok := e.deals[dealID]
	if !ok {
		if e.metrics != nil {
			e.metrics.TransitionsRejected.WithLabelValues(operation, "not_found").Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrDealNotFound, dealID)
	}
	return d, nil
}

func (e *Engine) reject(d *deal.Deal, operation, reason string, err error) error {
	if e.metrics != nil {
		e.metrics.TransitionsRejected.WithLabelValues(operation, reason).Inc()
	}
	e.logger.Debug().
		Str("deal_id", d.ID.String()).
		Str("operation", operation).
		Str("reason", reason).
		Msg("transition rejected")
	return err
}

func (e *Engine) rejectInit(reason string, err error) error {
	if e.metrics != nil {
		e.metrics.TransitionsRejected.WithLabelValues("initialize", reason).Inc()
	}
	return err
}

// emit builds the envelope for a record, advances the state-hash chain,
// and hands the output downstream. Persist send blocks; publish send
// drops when the channel is full.
func (e *Engine) emit(d *deal.Deal, record event.Record) {
	payload, err := json.Marshal(record)
	if err != nil {
		// Record structs are plain data; marshal cannot fail for them.
		panic(fmt.Sprintf("FATAL: marshal settlement record: %v", err))
	}

	assetLedger := e.ledgers.Lookup(d.AssetSymbol)
	stateDigest := e.computeStateDigest(d, assetLedger)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	output := Output{
		Envelope: &event.Envelope{
			Sequence:   e.sequence,
			DealID:     d.ID,
			RecordType: record.RecordType(),
			Timestamp:  e.nowFn(),
			Payload:    payload,
			StateHash:  stateHash,
			PrevHash:   prevHash,
		},
		Deal: d.Clone(),
		Balances: []AccountBalance{
			{Asset: d.AssetSymbol, Account: d.Seller, Balance: assetLedger.BalanceOf(d.Seller)},
			{Asset: d.AssetSymbol, Account: d.Buyer, Balance: assetLedger.BalanceOf(d.Buyer)},
			{Asset: d.AssetSymbol, Account: d.EscrowAccount(), Balance: assetLedger.BalanceOf(d.EscrowAccount())},
		},
	}

	e.sequence++

	if e.persistChan != nil {
		e.persistChan <- output
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

// computeStateDigest builds canonical bytes over the deal and the party
// balances it touches. Feeds the chained state hash.
func (e *Engine) computeStateDigest(d *deal.Deal, assetLedger ledger.AssetLedger) []byte {
	digest := make([]byte, 0, 16+1+8*4)
	digest = append(digest, d.ID[:]...)
	digest = append(digest, byte(d.Status))
	digest = appendInt64LE(digest, d.Version)
	digest = appendInt64LE(digest, assetLedger.BalanceOf(d.Seller))
	digest = appendInt64LE(digest, assetLedger.BalanceOf(d.Buyer))
	digest = appendInt64LE(digest, assetLedger.BalanceOf(d.EscrowAccount()))
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Recovery ---

// RestoreDeals loads persisted deals into the engine on startup and
// resumes the sequence/hash chain from the durable settlement log.
func (e *Engine) RestoreDeals(deals []*deal.Deal, nextSequence int64, chainTip [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := 0
	for _, d := range deals {
		e.deals[d.ID] = d.Clone()
		if d.Status == deal.StatusInitialized {
			open++
		}
	}
	e.sequence = nextSequence
	if chainTip != ([32]byte{}) {
		e.hasher.SetPrevHash(chainTip)
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.DealsOpen.Set(float64(open))
	}
}

// Sequence returns the next record sequence to be assigned.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"DvpSettle/internal/deal"
	"DvpSettle/internal/engine"
	"DvpSettle/internal/ledger"
	"DvpSettle/internal/observability"
	"DvpSettle/internal/query"
)

// HTTPServer serves the settlement REST API. Transitions go through the
// in-memory engine; reads go through the Postgres-backed query service.
type HTTPServer struct {
	engine  *engine.Engine
	queries *query.Service
	ledgers *ledger.Registry
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger

	httpServer *http.Server
}

func NewHTTPServer(
	addr string,
	eng *engine.Engine,
	queries *query.Service,
	ledgers *ledger.Registry,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *HTTPServer {
	s := &HTTPServer{
		engine:  eng,
		queries: queries,
		ledgers: ledgers,
		health:  health,
		metrics: metrics,
		logger:  logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/deals", s.instrument("create_deal", s.CreateDealHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/deals", s.instrument("list_deals", s.ListDealsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/deals/{id}", s.instrument("get_deal", s.GetDealHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/deals/{id}/records", s.instrument("list_records", s.ListRecordsHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/deals/{id}/deposit", s.instrument("deposit", s.DepositHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/deals/{id}/execute", s.instrument("execute", s.ExecuteHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/deals/{id}/cancel", s.instrument("cancel", s.CancelHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/deals/{id}/force-execute", s.instrument("force_execute", s.ForceExecuteHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/deals/{id}/force-cancel", s.instrument("force_cancel", s.ForceCancelHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/assets/{symbol}/mint", s.instrument("mint", s.MintHandler)).Methods(http.MethodPost)
	r.HandleFunc("/v1/assets/{symbol}/balances/{account}", s.instrument("balance", s.BalanceHandler)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.ReadinessHandler).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Router returns the configured router, used by tests.
func (s *HTTPServer) Router() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// --- Request/response types ---

type createDealRequest struct {
	Arranger            string `json:"arranger"`
	Seller              string `json:"seller"`
	Buyer               string `json:"buyer"`
	Price               string `json:"price"`
	AssetSymbol         string `json:"asset_symbol"`
	AssetAmount         int64  `json:"asset_amount"`
	ExternalRef         string `json:"external_ref"`          // hex
	ExecutionKeyHash    string `json:"execution_key_hash"`    // hex, 32 bytes
	CancellationKeyHash string `json:"cancellation_key_hash"` // hex, 32 bytes
}

type transitionRequest struct {
	Caller string `json:"caller"`
	Secret string `json:"secret,omitempty"`
}

type dealResponse struct {
	DealID      string `json:"deal_id"`
	Status      string `json:"status"`
	AssetSymbol string `json:"asset_symbol"`
	AssetAmount int64  `json:"asset_amount"`
	Version     int64  `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *HTTPServer) CreateDealHandler(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	arranger, err := uuid.Parse(req.Arranger)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid arranger id"})
		return
	}
	seller, err := uuid.Parse(req.Seller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid seller id"})
		return
	}
	buyer, err := uuid.Parse(req.Buyer)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid buyer id"})
		return
	}

	execHash, err := parseDigest(req.ExecutionKeyHash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid execution_key_hash: " + err.Error()})
		return
	}
	cancelHash, err := parseDigest(req.CancellationKeyHash)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid cancellation_key_hash: " + err.Error()})
		return
	}

	externalRef, err := hex.DecodeString(req.ExternalRef)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid external_ref: not hex"})
		return
	}

	d, err := s.engine.Initialize(arranger, engine.InitializeParams{
		Seller:              seller,
		Buyer:               buyer,
		Price:               req.Price,
		AssetSymbol:         req.AssetSymbol,
		AssetAmount:         req.AssetAmount,
		ExternalRef:         externalRef,
		ExecutionKeyHash:    execHash,
		CancellationKeyHash: cancelHash,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dealResponse{
		DealID:      d.ID.String(),
		Status:      d.Status.String(),
		AssetSymbol: d.AssetSymbol,
		AssetAmount: d.AssetAmount,
		Version:     d.Version,
	})
}

func (s *HTTPServer) DepositHandler(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(caller, dealID uuid.UUID, _ []byte) (*deal.Deal, error) {
		return s.engine.Deposit(caller, dealID)
	})
}

func (s *HTTPServer) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(caller, dealID uuid.UUID, _ []byte) (*deal.Deal, error) {
		return s.engine.CooperativeExecution(caller, dealID)
	})
}

func (s *HTTPServer) CancelHandler(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(caller, dealID uuid.UUID, _ []byte) (*deal.Deal, error) {
		return s.engine.CooperativeCancellation(caller, dealID)
	})
}

func (s *HTTPServer) ForceExecuteHandler(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(caller, dealID uuid.UUID, secret []byte) (*deal.Deal, error) {
		return s.engine.ForceExecution(caller, dealID, secret)
	})
}

func (s *HTTPServer) ForceCancelHandler(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, func(caller, dealID uuid.UUID, secret []byte) (*deal.Deal, error) {
		return s.engine.ForceCancellation(caller, dealID, secret)
	})
}

func (s *HTTPServer) GetDealHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}

	resp, err := s.queries.GetDeal(r.Context(), dealID)
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "deal not found"})
			return
		}
		s.logger.Error().Err(err).Msg("get deal query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) ListDealsHandler(w http.ResponseWriter, r *http.Request) {
	var status *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	deals, err := s.queries.ListDeals(r.Context(), status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list deals query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, deals)
}

func (s *HTTPServer) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}

	records, err := s.queries.ListDealRecords(r.Context(), dealID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list records query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type mintRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

// MintHandler credits newly issued units to an account. Issuance sits
// outside the settlement engine; this exists so operators can fund
// seller accounts on the in-process ledger.
func (s *HTTPServer) MintHandler(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	tokenLedger, ok := s.ledgers.Lookup(symbol).(*ledger.TokenLedger)
	if !ok || tokenLedger == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown asset"})
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	account, err := uuid.Parse(req.Account)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return
	}

	if err := tokenLedger.Mint(account, req.Amount); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": account.String(),
		"balance": tokenLedger.BalanceOf(account),
	})
}

// BalanceHandler returns an account's live ledger balance.
func (s *HTTPServer) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	assetLedger := s.ledgers.Lookup(vars["symbol"])
	if assetLedger == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown asset"})
		return
	}

	account, err := uuid.Parse(vars["account"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":   assetLedger.Symbol(),
		"account": account.String(),
		"balance": assetLedger.BalanceOf(account),
	})
}

// --- Helpers ---

func (s *HTTPServer) runTransition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(caller, dealID uuid.UUID, secret []byte) (*deal.Deal, error),
) {
	dealID, ok := parseDealID(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid caller id"})
		return
	}

	d, err := apply(caller, dealID, []byte(req.Secret))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dealResponse{
		DealID:      d.ID.String(),
		Status:      d.Status.String(),
		AssetSymbol: d.AssetSymbol,
		AssetAmount: d.AssetAmount,
		Version:     d.Version,
	})
}

func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrDealNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrProof):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrPrecondition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrTransfer):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		s.logger.Error().Err(err).Msg("unclassified engine error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// instrument wraps a handler with request count and duration metrics.
func (s *HTTPServer) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func parseDealID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	vars := mux.Vars(r)
	dealID, err := uuid.Parse(vars["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid deal id"})
		return uuid.UUID{}, false
	}
	return dealID, true
}

func parseDigest(s string) ([32]byte, error) {
	var digest [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return digest, err
	}
	if len(raw) != 32 {
		return digest, errors.New("digest must be 32 bytes")
	}
	copy(digest[:], raw)
	return digest, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

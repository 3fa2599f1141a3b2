package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInvalidAmount     = errors.New("transfer amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// AssetLedger is the narrow contract the settlement engine consumes.
// Transfer is all-or-nothing: on error no balance has moved.
type AssetLedger interface {
	Symbol() string
	BalanceOf(account uuid.UUID) int64
	Transfer(from, to uuid.UUID, amount int64) error
}

// TokenLedger is an in-process fungible asset ledger. Balances are plain
// int64 amounts in the asset's smallest unit; unknown accounts read as zero.
type TokenLedger struct {
	mu       sync.RWMutex
	symbol   string
	balances map[uuid.UUID]int64
}

func NewTokenLedger(symbol string) *TokenLedger {
	return &TokenLedger{
		symbol:   symbol,
		balances: make(map[uuid.UUID]int64),
	}
}

func (l *TokenLedger) Symbol() string {
	return l.symbol
}

// BalanceOf returns the current balance for an account. Read-only.
func (l *TokenLedger) BalanceOf(account uuid.UUID) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Transfer moves amount from one account to another. Both sides are
// applied under one lock, so a failed transfer leaves no partial effect.
func (l *TokenLedger) Transfer(from, to uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return fmt.Errorf("%w: account %s has %d, need %d",
			ErrInsufficientFunds, from, l.balances[from], amount)
	}

	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Mint credits newly issued units to an account. Issuance sits outside
// the settlement engine; it exists so deployments and tests can fund
// seller accounts.
func (l *TokenLedger) Mint(account uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[account] += amount
	return nil
}

// SetBalance overwrites an account's balance. Recovery only: restores
// persisted balances on startup, before the engine accepts traffic.
func (l *TokenLedger) SetBalance(account uuid.UUID, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = balance
}

// Snapshot returns a copy of all non-zero balances.
func (l *TokenLedger) Snapshot() map[uuid.UUID]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot := make(map[uuid.UUID]int64, len(l.balances))
	for account, balance := range l.balances {
		snapshot[account] = balance
	}
	return snapshot
}

// Registry resolves asset symbols to their ledgers. The set of ledgers is
// fixed at startup; lookups after that are read-only.
type Registry struct {
	mu      sync.RWMutex
	ledgers map[string]AssetLedger
}

func NewRegistry() *Registry {
	return &Registry{
		ledgers: make(map[string]AssetLedger),
	}
}

// Register adds a ledger under its symbol, replacing any previous entry.
func (r *Registry) Register(l AssetLedger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgers[l.Symbol()] = l
}

// Lookup returns the ledger for a symbol, or nil if none is registered.
func (r *Registry) Lookup(symbol string) AssetLedger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledgers[symbol]
}

// Symbols returns the registered asset symbols.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.ledgers))
	for s := range r.ledgers {
		symbols = append(symbols, s)
	}
	return symbols
}

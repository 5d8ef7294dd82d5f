package ledger

import (
	"errors"
	"sync"
)

// Custom errors for ledger operations
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNonPositiveAmount = errors.New("transfer amount must be positive")
)

// Ledger is the process-wide in-memory balance store. Balances are signed
// 64-bit integer cents keyed by user id. Accounts are created lazily on
// first credit and never destroyed.
//
// All operations are linearizable with respect to each other: a transfer
// touches two keys, so the whole map is guarded by a single mutex rather
// than per-account locks. Readers never observe a state where the sum of
// balances deviates from the pre-transfer sum.
type Ledger struct {
	mu       sync.RWMutex
	balances map[int64]int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[int64]int64),
	}
}

// Credit adds amount to uid's balance, creating the account if it does not
// exist. Negative amounts are not rejected. Credit never fails.
func (l *Ledger) Credit(uid, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[uid] += amount
}

// Balance returns the current balance for uid, or ErrAccountNotFound.
func (l *Ledger) Balance(uid int64) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bal, ok := l.balances[uid]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return bal, nil
}

// Transfer atomically moves amount cents from one account to another.
// Both accounts must exist and the source must hold at least amount.
func (l *Ledger) Transfer(from, to, amount int64) error {
	if amount <= 0 {
		return ErrNonPositiveAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal, ok := l.balances[from]
	if !ok {
		return ErrAccountNotFound
	}
	if _, ok := l.balances[to]; !ok {
		return ErrAccountNotFound
	}
	if fromBal < amount {
		return ErrInsufficientFunds
	}

	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

// Snapshot returns a consistent point-in-time copy of all balances.
func (l *Ledger) Snapshot() map[int64]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[int64]int64, len(l.balances))
	for uid, bal := range l.balances {
		out[uid] = bal
	}
	return out
}

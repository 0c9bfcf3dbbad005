package ledger

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch applies all journals in a batch. Balances are computed with
// overflow checks first and written only when every leg fits.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	next := make(map[AccountKey]int64)
	balance := func(key AccountKey) int64 {
		if b, ok := next[key]; ok {
			return b
		}
		return bt.balances[key]
	}
	for _, j := range batch.Journals {
		debit, err := fpmath.CheckedAddSigned(balance(j.DebitAccount), j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s: debit %s: %w", j.JournalID, j.DebitAccount.AccountPath(), err)
		}
		next[j.DebitAccount] = debit
		credit, err := fpmath.CheckedAddSigned(balance(j.CreditAccount), -j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s: credit %s: %w", j.JournalID, j.CreditAccount.AccountPath(), err)
		}
		next[j.CreditAccount] = credit
	}

	for key, b := range next {
		bt.balances[key] = b
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetUserBalance returns a user's wallet balance of asset
func (bt *BalanceTracker) GetUserBalance(userID uuid.UUID, asset string) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, asset))
}

// ValidateNonNegative checks that a debit-restricted account is not negative
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if key.MayGoNegative() {
		return nil
	}
	if balance := bt.balances[key]; balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all accounts per asset. Every journal is balanced,
// so each total must be zero.
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)
	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}
	return totals
}

// Snapshot returns a copy of all non-zero balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	out := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// Restore replaces all balances (snapshot recovery)
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}

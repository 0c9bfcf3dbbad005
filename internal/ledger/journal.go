package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeExternalDeposit JournalType = iota
	JournalTypeCollateralDeposit
	JournalTypeCollateralRelease
	JournalTypeDebtIssue
	JournalTypeDebtRepay
	JournalTypeLiquidationRepay
	JournalTypeLiquidationSeize
	JournalTypeLiquidationSurplus
)

var journalTypeNames = []string{
	"ExternalDeposit",
	"CollateralDeposit",
	"CollateralRelease",
	"DebtIssue",
	"DebtRepay",
	"LiquidationRepay",
	"LiquidationSeize",
	"LiquidationSurplus",
}

func (t JournalType) String() string {
	if int(t) >= 0 && int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return "Unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Derived from the batch and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         string      // Asset being transferred
	Amount        int64       // Base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// journalNamespace scopes derived batch and journal ids so replay reproduces them.
var journalNamespace = uuid.MustParse("4c1a0e36-8f3b-5d7e-9a62-0b8f6c2d1e47")

func BatchIDFor(eventRef string, sequence int64) uuid.UUID {
	return uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("batch:%s:%d", eventRef, sequence)))
}

func JournalIDFor(batchID uuid.UUID, leg int) uuid.UUID {
	return uuid.NewSHA1(batchID, []byte(fmt.Sprintf("leg:%d", leg)))
}

// Validate ensures the batch is well-formed.
// Each journal entry moves a single positive amount from the credit account to
// the debit account, so debits equal credits per entry.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Accounts returns the distinct accounts touched by the batch.
func (b *Batch) Accounts() []AccountKey {
	seen := make(map[AccountKey]bool, len(b.Journals)*2)
	out := make([]AccountKey, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

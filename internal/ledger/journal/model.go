package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
)

// EntryStatus enumerates the journal entry lifecycle.
type EntryStatus string

const (
	StatusDraft    EntryStatus = "DRAFT"
	StatusPosted   EntryStatus = "POSTED"
	StatusReversed EntryStatus = "REVERSED"
)

// JournalEntry captures a header and its ordered lines. Number and PeriodID
// are assigned when the entry leaves Draft.
type JournalEntry struct {
	ID            int64
	Number        *string
	PeriodID      *int64
	Date          time.Time
	ReferenceType string
	ReferenceID   *uuid.UUID
	Description   string
	Status        EntryStatus
	// PostingID identifies one balance application; the balance ledger treats
	// repeats of the same id as a no-op.
	PostingID  uuid.UUID
	ReversalOf *int64
	PostedAt   *time.Time
	PostedBy   *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Lines      []JournalLine
}

// JournalLine stores a debit or credit amount for one account. Exactly one of
// Debit/Credit is non-zero; sign is carried by the populated column.
type JournalLine struct {
	ID          int64
	EntryID     int64
	AccountID   int64
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
	Position    int
	CreatedAt   time.Time
}

// Side reports which column the line populates.
func (l JournalLine) Side() accounts.Side {
	if l.Debit.IsPositive() {
		return accounts.SideDebit
	}
	return accounts.SideCredit
}

// Amount returns the populated column's value.
func (l JournalLine) Amount() decimal.Decimal {
	if l.Debit.IsPositive() {
		return l.Debit
	}
	return l.Credit
}

// FormatEntryNumber renders the per-period sequence deterministically so
// numbers sort by creation order within a period.
func FormatEntryNumber(periodCode string, seq int64) string {
	return fmt.Sprintf("JE-%s-%06d", periodCode, seq)
}

var (
	// ErrNotFound indicates a missing entry.
	ErrNotFound = errors.New("ledger: journal entry not found")
	// ErrEntryNotDraft indicates a mutation on a posted or reversed entry.
	ErrEntryNotDraft = errors.New("ledger: entry is not a draft")
	// ErrNotPosted indicates a reversal of a non-posted entry.
	ErrNotPosted = errors.New("ledger: entry is not posted")
	// ErrUnbalanced indicates debits and credits differ.
	ErrUnbalanced = errors.New("ledger: journal lines must balance")
	// ErrEmptyEntry indicates an entry with no lines.
	ErrEmptyEntry = errors.New("ledger: journal entry has no lines")
	// ErrDuplicateNumber indicates an entry number collision.
	ErrDuplicateNumber = errors.New("ledger: duplicate entry number")
	// ErrConflict indicates retries on a concurrency conflict were exhausted.
	ErrConflict = errors.New("ledger: posting conflict")
	// ErrIntegrityHold indicates an account is quarantined pending rebuild.
	ErrIntegrityHold = errors.New("ledger: account under integrity hold")
	// ErrLineNotFound indicates a missing line on the entry.
	ErrLineNotFound = errors.New("ledger: journal line not found")
)

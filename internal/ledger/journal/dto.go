package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
)

// LineIntent describes one debit or credit intent from an origin module.
type LineIntent struct {
	AccountCode string
	Amount      decimal.Decimal
	Side        accounts.Side
	Description string
}

// Validate checks a single line intent.
func (l LineIntent) Validate() error {
	if l.AccountCode == "" {
		return errors.New("ledger: line account code required")
	}
	if !l.Amount.IsPositive() {
		return errors.New("ledger: line amount must be positive")
	}
	if l.Side != accounts.SideDebit && l.Side != accounts.SideCredit {
		return fmt.Errorf("ledger: unknown side %q", l.Side)
	}
	return nil
}

// DraftInput groups fields required to open a draft entry.
type DraftInput struct {
	Date          time.Time
	ReferenceType string
	ReferenceID   *uuid.UUID
	Description   string
}

// Validate ensures minimum draft criteria.
func (in DraftInput) Validate() error {
	if in.Date.IsZero() {
		return errors.New("ledger: entry date required")
	}
	return nil
}

// PostingRequest is the one-shot surface consumed from origin modules: the
// engine drafts, fills, and posts in a single call.
type PostingRequest struct {
	Date          time.Time
	ReferenceType string
	ReferenceID   *uuid.UUID
	Description   string
	Actor         string
	Lines         []LineIntent
}

// Validate ensures the posting request is coherent before any storage work.
func (in PostingRequest) Validate() error {
	if in.Date.IsZero() {
		return errors.New("ledger: entry date required")
	}
	if in.Actor == "" {
		return errors.New("ledger: actor required")
	}
	if len(in.Lines) == 0 {
		return ErrEmptyEntry
	}
	var debit, credit decimal.Decimal
	for idx, line := range in.Lines {
		if err := line.Validate(); err != nil {
			return fmt.Errorf("line %d: %w", idx, err)
		}
		if line.Side == accounts.SideDebit {
			debit = debit.Add(line.Amount)
		} else {
			credit = credit.Add(line.Amount)
		}
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s vs credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

package balances

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Movement is one line's effect handed over by the journal engine.
type Movement struct {
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Applier mutates cached account balances inside the caller's posting
// transaction. The balance ledger is the only writer of current_balance.
type Applier interface {
	Apply(ctx context.Context, tx pgx.Tx, postingID uuid.UUID, entryID int64, movements []Movement) error
}

type pgApplier struct{}

// NewApplier constructs the pgx-backed Applier.
func NewApplier() Applier {
	return pgApplier{}
}

// Apply adds each movement to its account balance expressed on the account's
// normal side. A posting id that was applied before is a no-op, not an error,
// so retried transactions cannot double-apply.
func (pgApplier) Apply(ctx context.Context, tx pgx.Tx, postingID uuid.UUID, entryID int64, movements []Movement) error {
	cmd, err := tx.Exec(ctx, `INSERT INTO applied_postings (posting_id, entry_id)
VALUES ($1, $2) ON CONFLICT (posting_id) DO NOTHING`, postingID, entryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return nil
	}
	for _, m := range movements {
		cmd, err := tx.Exec(ctx, `UPDATE accounts SET
  current_balance = current_balance + CASE WHEN normal_side = 'DEBIT'
    THEN $2::numeric - $3::numeric ELSE $3::numeric - $2::numeric END,
  version = version + 1,
  updated_at = NOW()
WHERE id = $1`, m.AccountID, m.Debit.StringFixed(2), m.Credit.StringFixed(2))
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return fmt.Errorf("ledger: balance target account %d missing", m.AccountID)
		}
	}
	return nil
}

package balances

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// signedNet computes an account's net movement expressed on its normal side.
const signedNet = `SUM(CASE WHEN ac.normal_side = 'DEBIT' THEN l.debit - l.credit ELSE l.credit - l.debit END)`

// Repository reads derived balance data and manages integrity bookkeeping.
type Repository interface {
	TrialBalanceRows(ctx context.Context, periodID int64) ([]AccountBalance, error)
	OpeningTotal(ctx context.Context, accountIDs []int64) (decimal.Decimal, error)
	SignedMovements(ctx context.Context, accountIDs []int64, asOf time.Time) (decimal.Decimal, error)
	AccountLedger(ctx context.Context, accountID int64, from, to time.Time) ([]LedgerLine, error)
	ReplayMismatches(ctx context.Context) ([]Mismatch, error)
	RecordFault(ctx context.Context, m Mismatch, detail string) error
	OpenFaults(ctx context.Context) ([]Fault, error)
	Rebuild(ctx context.Context) (int64, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) TrialBalanceRows(ctx context.Context, periodID int64) ([]AccountBalance, error) {
	rows, err := r.db.Query(ctx, `SELECT a.id, a.code, a.name, a.type,
  COALESCE(ob.balance, a.opening_balance + COALESCE(pre.net, 0))::text AS opening,
  COALESCE(cur.debit, 0)::text AS debit,
  COALESCE(cur.credit, 0)::text AS credit
FROM accounts a
LEFT JOIN opening_balances ob ON ob.account_id = a.id AND ob.period_id = $1
LEFT JOIN (
  SELECT l.account_id, `+signedNet+` AS net
  FROM journal_lines l
  JOIN journal_entries e ON e.id = l.entry_id
  JOIN accounts ac ON ac.id = l.account_id
  WHERE e.status IN ('POSTED','REVERSED')
    AND e.entry_date < (SELECT start_date FROM periods WHERE id = $1)
  GROUP BY l.account_id
) pre ON pre.account_id = a.id
LEFT JOIN (
  SELECT l.account_id, SUM(l.debit) AS debit, SUM(l.credit) AS credit
  FROM journal_lines l
  JOIN journal_entries e ON e.id = l.entry_id
  WHERE e.status IN ('POSTED','REVERSED') AND e.period_id = $1
  GROUP BY l.account_id
) cur ON cur.account_id = a.id
WHERE a.is_header = FALSE
ORDER BY a.code`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountBalance
	for rows.Next() {
		var ab AccountBalance
		var opening, debit, credit string
		if err := rows.Scan(&ab.AccountID, &ab.Code, &ab.Name, &ab.Type, &opening, &debit, &credit); err != nil {
			return nil, err
		}
		if ab.Opening, err = decimal.NewFromString(opening); err != nil {
			return nil, err
		}
		if ab.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if ab.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		out = append(out, ab)
	}
	return out, rows.Err()
}

func (r *repository) OpeningTotal(ctx context.Context, accountIDs []int64) (decimal.Decimal, error) {
	var total string
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(opening_balance), 0)::text FROM accounts WHERE id = ANY($1)`, accountIDs).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func (r *repository) SignedMovements(ctx context.Context, accountIDs []int64, asOf time.Time) (decimal.Decimal, error) {
	var net string
	err := r.db.QueryRow(ctx, `SELECT COALESCE(`+signedNet+`, 0)::text
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
JOIN accounts ac ON ac.id = l.account_id
WHERE l.account_id = ANY($1) AND e.status IN ('POSTED','REVERSED') AND e.entry_date <= $2`, accountIDs, asOf).Scan(&net)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(net)
}

func (r *repository) AccountLedger(ctx context.Context, accountID int64, from, to time.Time) ([]LedgerLine, error) {
	rows, err := r.db.Query(ctx, `SELECT e.id, e.entry_number, e.entry_date, l.description, l.debit::text, l.credit::text
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.account_id = $1 AND e.status IN ('POSTED','REVERSED')
  AND e.entry_date >= $2 AND e.entry_date <= $3
ORDER BY e.entry_number, l.position`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerLine
	for rows.Next() {
		var line LedgerLine
		var debit, credit string
		if err := rows.Scan(&line.EntryID, &line.EntryNumber, &line.EntryDate, &line.Description, &debit, &credit); err != nil {
			return nil, err
		}
		if line.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if line.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// ReplayMismatches replays every posted line from opening balances and
// reports accounts whose cached balance disagrees.
func (r *repository) ReplayMismatches(ctx context.Context) ([]Mismatch, error) {
	rows, err := r.db.Query(ctx, `SELECT a.id, a.code,
  (a.opening_balance + COALESCE(mov.net, 0))::text AS expected,
  a.current_balance::text AS cached
FROM accounts a
LEFT JOIN (
  SELECT l.account_id, `+signedNet+` AS net
  FROM journal_lines l
  JOIN journal_entries e ON e.id = l.entry_id
  JOIN accounts ac ON ac.id = l.account_id
  WHERE e.status IN ('POSTED','REVERSED')
  GROUP BY l.account_id
) mov ON mov.account_id = a.id
WHERE a.opening_balance + COALESCE(mov.net, 0) <> a.current_balance
ORDER BY a.code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Mismatch
	for rows.Next() {
		var m Mismatch
		var expected, cached string
		if err := rows.Scan(&m.AccountID, &m.Code, &expected, &cached); err != nil {
			return nil, err
		}
		if m.Expected, err = decimal.NewFromString(expected); err != nil {
			return nil, err
		}
		if m.Cached, err = decimal.NewFromString(cached); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *repository) RecordFault(ctx context.Context, m Mismatch, detail string) error {
	_, err := r.db.Exec(ctx, `INSERT INTO integrity_faults (account_id, expected, cached, detail)
VALUES ($1, $2, $3, $4)`, m.AccountID, m.Expected.StringFixed(2), m.Cached.StringFixed(2), detail)
	return err
}

func (r *repository) OpenFaults(ctx context.Context) ([]Fault, error) {
	rows, err := r.db.Query(ctx, `SELECT id, account_id, expected::text, cached::text, detail, detected_at
FROM integrity_faults WHERE cleared_at IS NULL ORDER BY detected_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Fault
	for rows.Next() {
		var f Fault
		var expected, cached string
		if err := rows.Scan(&f.ID, &f.AccountID, &expected, &cached, &f.Detail, &f.DetectedAt); err != nil {
			return nil, err
		}
		if f.Expected, err = decimal.NewFromString(expected); err != nil {
			return nil, err
		}
		if f.Cached, err = decimal.NewFromString(cached); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Rebuild resets every cached balance from journal replay and clears open
// faults, all within one transaction.
func (r *repository) Rebuild(ctx context.Context) (int64, error) {
	var affected int64
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `UPDATE accounts a SET
  current_balance = a.opening_balance + COALESCE((
    SELECT SUM(CASE WHEN a.normal_side = 'DEBIT' THEN l.debit - l.credit ELSE l.credit - l.debit END)
    FROM journal_lines l
    JOIN journal_entries e ON e.id = l.entry_id
    WHERE l.account_id = a.id AND e.status IN ('POSTED','REVERSED')), 0),
  version = a.version + 1,
  updated_at = NOW()`)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE integrity_faults SET cleared_at = NOW() WHERE cleared_at IS NULL`); err != nil {
			return err
		}
		affected = cmd.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

const accountColumns = `id, code, name, type, normal_side, is_header, parent_id, is_active, is_locked,
opening_balance::text, current_balance::text, version, created_at, updated_at`

// Repository persists chart of accounts entries.
type Repository interface {
	List(ctx context.Context) ([]Account, error)
	GetByID(ctx context.Context, id int64) (Account, error)
	GetByCode(ctx context.Context, code string) (Account, error)
	Descendants(ctx context.Context, id int64) ([]Account, error)
	Ancestors(ctx context.Context, id int64) ([]Account, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes mutations available within a transaction.
type TxRepository interface {
	Insert(ctx context.Context, a Account) (Account, error)
	GetForUpdate(ctx context.Context, id int64) (Account, error)
	ParentOf(ctx context.Context, id int64) (*int64, error)
	SetFlags(ctx context.Context, id int64, isHeader, isActive, isLocked bool) error
	SetParent(ctx context.Context, id int64, parentID *int64) error
	HasPostedLines(ctx context.Context, id int64) (bool, error)
	HasChildren(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var opening, current string
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.NormalSide, &a.IsHeader, &a.ParentID,
		&a.IsActive, &a.IsLocked, &opening, &current, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	if a.OpeningBalance, err = decimal.NewFromString(opening); err != nil {
		return Account{}, err
	}
	if a.CurrentBalance, err = decimal.NewFromString(current); err != nil {
		return Account{}, err
	}
	return a, nil
}

func collectAccounts(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY code`)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (r *repository) GetByID(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (r *repository) GetByCode(ctx context.Context, code string) (Account, error) {
	a, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE code=$1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

// Descendants walks the subtree below the account, the account excluded.
func (r *repository) Descendants(ctx context.Context, id int64) ([]Account, error) {
	rows, err := r.db.Query(ctx, `WITH RECURSIVE subtree AS (
  SELECT a.* FROM accounts a WHERE a.parent_id = $1
  UNION ALL
  SELECT a.* FROM accounts a JOIN subtree s ON a.parent_id = s.id
)
SELECT `+accountColumns+` FROM subtree ORDER BY code`, id)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// Ancestors walks from the account's parent up to the root.
func (r *repository) Ancestors(ctx context.Context, id int64) ([]Account, error) {
	rows, err := r.db.Query(ctx, `WITH RECURSIVE chain AS (
  SELECT a.* FROM accounts a WHERE a.id = (SELECT parent_id FROM accounts WHERE id = $1)
  UNION ALL
  SELECT a.* FROM accounts a JOIN chain c ON a.id = c.parent_id
)
SELECT `+accountColumns+` FROM chain`, id)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Insert(ctx context.Context, a Account) (Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO accounts (code, name, type, normal_side, is_header, parent_id, opening_balance, current_balance)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7) RETURNING `+accountColumns,
		a.Code, a.Name, a.Type, a.NormalSide, a.IsHeader, a.ParentID, a.OpeningBalance.StringFixed(2))
	inserted, err := scanAccount(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateCode
		}
		return Account{}, err
	}
	return inserted, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Account, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (r *txRepository) ParentOf(ctx context.Context, id int64) (*int64, error) {
	var parent *int64
	err := r.tx.QueryRow(ctx, `SELECT parent_id FROM accounts WHERE id=$1`, id).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return parent, err
}

func (r *txRepository) SetFlags(ctx context.Context, id int64, isHeader, isActive, isLocked bool) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET is_header=$2, is_active=$3, is_locked=$4, updated_at=NOW() WHERE id=$1`,
		id, isHeader, isActive, isLocked)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) SetParent(ctx context.Context, id int64, parentID *int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET parent_id=$2, updated_at=NOW() WHERE id=$1`, id, parentID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) HasPostedLines(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM journal_lines l JOIN journal_entries e ON e.id = l.entry_id
  WHERE l.account_id = $1 AND e.status IN ('POSTED','REVERSED'))`, id).Scan(&exists)
	return exists, err
}

func (r *txRepository) HasChildren(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE parent_id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *txRepository) Delete(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		// 23503: draft lines reference accounts too, not just posted ones.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrHasPostings
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

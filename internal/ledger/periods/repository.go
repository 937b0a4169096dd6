package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

const periodColumns = `id, code, start_date, end_date, is_closed, closed_at, closed_by, created_at, updated_at`

// Repository persists accounting periods.
type Repository interface {
	List(ctx context.Context) ([]Period, error)
	GetByID(ctx context.Context, id int64) (Period, error)
	ForDate(ctx context.Context, date time.Time) (Period, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	Insert(ctx context.Context, p Period) (Period, error)
	GetForUpdate(ctx context.Context, id int64) (Period, error)
	HasDraftsInRange(ctx context.Context, start, end time.Time) (bool, error)
	NextAfter(ctx context.Context, end time.Time) (Period, error)
	SnapshotOpeningBalances(ctx context.Context, intoPeriodID int64, asOf time.Time) error
	MarkClosed(ctx context.Context, id int64, actor string, at time.Time) error
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

func scanPeriod(row rowScanner) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.IsClosed, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (r *repository) List(ctx context.Context) ([]Period, error) {
	rows, err := r.db.Query(ctx, `SELECT `+periodColumns+` FROM periods ORDER BY start_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) GetByID(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNotFound
	}
	return p, err
}

// ForDate returns the period covering the supplied date, open or closed.
func (r *repository) ForDate(ctx context.Context, date time.Time) (Period, error) {
	p, err := scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE start_date <= $1 AND $1 < end_date`, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNoOpenPeriod
	}
	return p, err
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Insert(ctx context.Context, p Period) (Period, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO periods (code, start_date, end_date)
VALUES ($1,$2,$3) RETURNING `+periodColumns, p.Code, p.StartDate, p.EndDate)
	inserted, err := scanPeriod(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// 23P01 is the range exclusion constraint, 23505 the unique code.
			if pgErr.Code == "23P01" || pgErr.Code == "23505" {
				return Period{}, ErrOverlap
			}
		}
		return Period{}, err
	}
	return inserted, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNotFound
	}
	return p, err
}

func (r *txRepository) HasDraftsInRange(ctx context.Context, start, end time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM journal_entries WHERE status='DRAFT' AND entry_date >= $1 AND entry_date < $2)`, start, end).Scan(&exists)
	return exists, err
}

func (r *txRepository) NextAfter(ctx context.Context, end time.Time) (Period, error) {
	p, err := scanPeriod(r.tx.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE start_date >= $1 ORDER BY start_date ASC LIMIT 1`, end))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrNoNextPeriod
	}
	return p, err
}

// SnapshotOpeningBalances carries each account's closing balance as of asOf
// into the target period. The balance is replayed from posted lines rather
// than copied from the cached column.
func (r *txRepository) SnapshotOpeningBalances(ctx context.Context, intoPeriodID int64, asOf time.Time) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO opening_balances (account_id, period_id, balance)
SELECT a.id, $1, a.opening_balance + COALESCE(mov.net, 0)
FROM accounts a
LEFT JOIN (
  SELECT l.account_id,
         SUM(CASE WHEN ac.normal_side = 'DEBIT' THEN l.debit - l.credit ELSE l.credit - l.debit END) AS net
  FROM journal_lines l
  JOIN journal_entries e ON e.id = l.entry_id
  JOIN accounts ac ON ac.id = l.account_id
  WHERE e.status IN ('POSTED','REVERSED') AND e.entry_date < $2
  GROUP BY l.account_id
) mov ON mov.account_id = a.id
ON CONFLICT (account_id, period_id) DO UPDATE SET balance = EXCLUDED.balance`, intoPeriodID, asOf)
	return err
}

func (r *txRepository) MarkClosed(ctx context.Context, id int64, actor string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE periods SET is_closed=TRUE, closed_at=$2, closed_by=$3, updated_at=NOW() WHERE id=$1`, id, at, actor)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

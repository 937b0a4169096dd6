package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/balances"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

const entryColumns = `id, entry_number, period_id, entry_date, reference_type, reference_id, description,
status, posting_id, reversal_of, posted_at, posted_by, created_at, updated_at`

// Repository encapsulates DB operations for journal entries.
type Repository interface {
	List(ctx context.Context) ([]JournalEntry, error)
	Get(ctx context.Context, id int64) (JournalEntry, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a posting transaction.
type TxRepository interface {
	InsertDraft(ctx context.Context, e JournalEntry) (JournalEntry, error)
	InsertPosted(ctx context.Context, e JournalEntry) (JournalEntry, error)
	GetForUpdate(ctx context.Context, id int64) (JournalEntry, error)
	InsertLine(ctx context.Context, line JournalLine) (JournalLine, error)
	DeleteLine(ctx context.Context, entryID, lineID int64) error
	DeleteEntry(ctx context.Context, entryID int64) error
	MarkPosted(ctx context.Context, id int64, number string, periodID int64, actor string, at time.Time) error
	MarkReversed(ctx context.Context, id int64) error

	// Period operations needed within posting transactions.
	PeriodForDateLocked(ctx context.Context, date time.Time) (periods.Period, error)
	NextSequence(ctx context.Context, periodID int64) (int64, error)

	// Balance ledger operations executed in the same transaction.
	HasIntegrityHold(ctx context.Context, accountIDs []int64) (bool, error)
	ApplyBalances(ctx context.Context, postingID uuid.UUID, entryID int64, movements []balances.Movement) error
}

type repository struct {
	db      *pgxpool.Pool
	applier balances.Applier
}

// NewRepository constructs a pgx-backed Repository. The applier performs the
// balance ledger's share of the posting transaction.
func NewRepository(db *pgxpool.Pool, applier balances.Applier) Repository {
	return &repository{db: db, applier: applier}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.Number, &e.PeriodID, &e.Date, &e.ReferenceType, &e.ReferenceID, &e.Description,
		&e.Status, &e.PostingID, &e.ReversalOf, &e.PostedAt, &e.PostedBy, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (r *repository) List(ctx context.Context) ([]JournalEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (JournalEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrNotFound
		}
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.db, id)
	return entry, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT l.id, l.entry_id, l.account_id, a.code, l.debit::text, l.credit::text, l.description, l.position, l.created_at
FROM journal_lines l
JOIN accounts a ON a.id = l.account_id
WHERE l.entry_id = $1 ORDER BY l.position, l.id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		var debit, credit string
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountID, &line.AccountCode, &debit, &credit,
			&line.Description, &line.Position, &line.CreatedAt); err != nil {
			return nil, err
		}
		if line.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if line.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, applier: r.applier})
	})
}

type txRepository struct {
	tx      pgx.Tx
	applier balances.Applier
}

func (r *txRepository) InsertDraft(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (entry_date, reference_type, reference_id, description)
VALUES ($1,$2,$3,$4) RETURNING `+entryColumns, e.Date, e.ReferenceType, e.ReferenceID, e.Description)
	return scanEntry(row)
}

func (r *txRepository) InsertPosted(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries
(entry_number, period_id, entry_date, reference_type, reference_id, description, status, posting_id, reversal_of, posted_at, posted_by)
VALUES ($1,$2,$3,$4,$5,$6,'POSTED',$7,$8,$9,$10) RETURNING `+entryColumns,
		e.Number, e.PeriodID, e.Date, e.ReferenceType, e.ReferenceID, e.Description, e.PostingID, e.ReversalOf, e.PostedAt, e.PostedBy)
	inserted, err := scanEntry(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return JournalEntry{}, ErrDuplicateNumber
		}
		return JournalEntry{}, err
	}
	return inserted, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrNotFound
		}
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.tx, id)
	return entry, err
}

func (r *txRepository) InsertLine(ctx context.Context, line JournalLine) (JournalLine, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, account_id, debit, credit, description, position)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`,
		line.EntryID, line.AccountID, line.Debit.StringFixed(2), line.Credit.StringFixed(2), line.Description, line.Position)
	if err := row.Scan(&line.ID, &line.CreatedAt); err != nil {
		return JournalLine{}, err
	}
	return line, nil
}

func (r *txRepository) DeleteLine(ctx context.Context, entryID, lineID int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM journal_lines WHERE id=$1 AND entry_id=$2`, lineID, entryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (r *txRepository) DeleteEntry(ctx context.Context, entryID int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM journal_entries WHERE id=$1`, entryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) MarkPosted(ctx context.Context, id int64, number string, periodID int64, actor string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries
SET status='POSTED', entry_number=$2, period_id=$3, posted_at=$4, posted_by=$5, updated_at=NOW()
WHERE id=$1 AND status='DRAFT'`, id, number, periodID, at, actor)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNumber
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrEntryNotDraft
	}
	return nil
}

func (r *txRepository) MarkReversed(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status='REVERSED', updated_at=NOW()
WHERE id=$1 AND status='POSTED'`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotPosted
	}
	return nil
}

// PeriodForDateLocked fetches the covering period with a row lock. Duplicated
// from the periods repo but needed here for transaction context: the lock
// serializes postings against a concurrent close of the same period.
func (r *txRepository) PeriodForDateLocked(ctx context.Context, date time.Time) (periods.Period, error) {
	var p periods.Period
	err := r.tx.QueryRow(ctx, `SELECT id, code, start_date, end_date, is_closed, closed_at, closed_by, created_at, updated_at
FROM periods WHERE start_date <= $1 AND $1 < end_date FOR UPDATE`, date).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.IsClosed, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return periods.Period{}, periods.ErrNoOpenPeriod
		}
		return periods.Period{}, err
	}
	return p, nil
}

// NextSequence allocates the next per-period entry number. The sequence row
// lock serializes concurrent allocations within a period.
func (r *txRepository) NextSequence(ctx context.Context, periodID int64) (int64, error) {
	var allocated int64
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_sequences (period_id, next_value)
VALUES ($1, 2)
ON CONFLICT (period_id) DO UPDATE SET next_value = journal_sequences.next_value + 1
RETURNING next_value - 1`, periodID).Scan(&allocated)
	return allocated, err
}

func (r *txRepository) HasIntegrityHold(ctx context.Context, accountIDs []int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM integrity_faults WHERE account_id = ANY($1) AND cleared_at IS NULL)`, accountIDs).Scan(&exists)
	return exists, err
}

func (r *txRepository) ApplyBalances(ctx context.Context, postingID uuid.UUID, entryID int64, movements []balances.Movement) error {
	return r.applier.Apply(ctx, r.tx, postingID, entryID, movements)
}

package periods

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// CloseLock guards the close critical section across processes.
type CloseLock interface {
	Acquire(ctx context.Context, key string) (func(context.Context), error)
}

// CreateInput captures validation rules for new periods.
type CreateInput struct {
	Code      string
	StartDate time.Time
	EndDate   time.Time
}

// Validate ensures the create input is coherent.
func (in CreateInput) Validate() error {
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return errors.New("ledger: start and end date required")
	}
	if !in.StartDate.Before(in.EndDate) {
		return errors.New("ledger: start date must precede end date")
	}
	return nil
}

// Service owns period lifecycle: creation and the one-way close transition.
type Service struct {
	repo  Repository
	audit shared.AuditRecorder
	lock  CloseLock
	now   func() time.Time
}

// NewService constructs the period service.
func NewService(repo Repository, audit shared.AuditRecorder, lock CloseLock) *Service {
	return &Service{repo: repo, audit: audit, lock: lock, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// List returns all periods ordered by start date.
func (s *Service) List(ctx context.Context) ([]Period, error) {
	return s.repo.List(ctx)
}

// Get loads one period.
func (s *Service) Get(ctx context.Context, id int64) (Period, error) {
	return s.repo.GetByID(ctx, id)
}

// ForDate returns the period covering the date, or ErrNoOpenPeriod.
func (s *Service) ForDate(ctx context.Context, date time.Time) (Period, error) {
	return s.repo.ForDate(ctx, date)
}

// Create inserts a new period. Overlap with any existing period, open or
// closed, is rejected regardless of insertion order.
func (s *Service) Create(ctx context.Context, in CreateInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	code := strings.TrimSpace(in.Code)
	if code == "" {
		code = in.StartDate.Format("2006-01")
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		period, e = tx.Insert(ctx, Period{Code: code, StartDate: in.StartDate, EndDate: in.EndDate})
		return e
	})
	if err != nil {
		return Period{}, err
	}
	return period, nil
}

// Close marks a period immutable. Draft entries dated inside the range must be
// posted or discarded first, and the successor period must already exist to
// receive the opening balance carry-forward. Reopening is not supported.
func (s *Service) Close(ctx context.Context, id int64, actor string) (Period, error) {
	if actor == "" {
		return Period{}, errors.New("ledger: actor required")
	}
	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, shared.PeriodCloseLockKey(id))
		if err != nil {
			if errors.Is(err, shared.ErrLockHeld) {
				return Period{}, ErrCloseInProgress
			}
			return Period{}, err
		}
		defer release(ctx)
	}
	now := s.now()
	var closed Period
	err := s.withRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			period, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if period.IsClosed {
				return ErrAlreadyClosed
			}
			drafts, err := tx.HasDraftsInRange(ctx, period.StartDate, period.EndDate)
			if err != nil {
				return err
			}
			if drafts {
				return ErrDraftsOutstanding
			}
			next, err := tx.NextAfter(ctx, period.EndDate)
			if err != nil {
				return err
			}
			if err := tx.SnapshotOpeningBalances(ctx, next.ID, period.EndDate); err != nil {
				return err
			}
			if err := tx.MarkClosed(ctx, period.ID, actor, now); err != nil {
				return err
			}
			period.IsClosed = true
			period.ClosedAt = &now
			period.ClosedBy = &actor
			closed = period
			return nil
		})
	})
	if err != nil {
		return Period{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "period.close",
			Entity:   "period",
			EntityID: fmt.Sprintf("%d", closed.ID),
			Meta: map[string]any{
				"code":       closed.Code,
				"start_date": closed.StartDate.Format("2006-01-02"),
				"end_date":   closed.EndDate.Format("2006-01-02"),
			},
			At: now,
		})
	}
	return closed, nil
}

// closeRetries bounds transparent retries when the close transaction loses a
// serialization race against an in-flight posting.
const closeRetries = 3

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < closeRetries; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

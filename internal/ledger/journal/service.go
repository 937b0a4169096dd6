package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/balances"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AccountRegistry resolves account codes for posting. Satisfied by
// accounts.Service.
type AccountRegistry interface {
	ResolveForPosting(ctx context.Context, code string) (accounts.Account, error)
}

// Service owns the journal entry lifecycle: drafting, posting, reversal.
type Service struct {
	repo     Repository
	registry AccountRegistry
	audit    shared.AuditRecorder
	retries  int
	now      func() time.Time
}

// NewService constructs the journal service. retries bounds re-runs of the
// posting transaction on concurrency conflicts.
func NewService(repo Repository, registry AccountRegistry, audit shared.AuditRecorder, retries int) *Service {
	if retries < 1 {
		retries = 1
	}
	return &Service{repo: repo, registry: registry, audit: audit, retries: retries, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// List returns entry headers, newest first.
func (s *Service) List(ctx context.Context) ([]JournalEntry, error) {
	return s.repo.List(ctx)
}

// Get loads one entry with its lines.
func (s *Service) Get(ctx context.Context, id int64) (JournalEntry, error) {
	return s.repo.Get(ctx, id)
}

// CreateDraft opens an empty draft entry. Drafts carry no number or period;
// both are assigned at post time.
func (s *Service) CreateDraft(ctx context.Context, in DraftInput) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		entry, e = tx.InsertDraft(ctx, JournalEntry{
			Date:          in.Date,
			ReferenceType: in.ReferenceType,
			ReferenceID:   in.ReferenceID,
			Description:   in.Description,
		})
		return e
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// AddLine appends a line to a draft. The account must be active, unlocked, and
// not a header.
func (s *Service) AddLine(ctx context.Context, entryID int64, intent LineIntent) (JournalLine, error) {
	if err := intent.Validate(); err != nil {
		return JournalLine{}, err
	}
	account, err := s.registry.ResolveForPosting(ctx, intent.AccountCode)
	if err != nil {
		return JournalLine{}, err
	}
	var line JournalLine
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != StatusDraft {
			return ErrEntryNotDraft
		}
		candidate := JournalLine{
			EntryID:     entryID,
			AccountID:   account.ID,
			AccountCode: account.Code,
			Description: intent.Description,
			Position:    len(entry.Lines),
		}
		if intent.Side == accounts.SideDebit {
			candidate.Debit = intent.Amount
		} else {
			candidate.Credit = intent.Amount
		}
		line, err = tx.InsertLine(ctx, candidate)
		return err
	})
	if err != nil {
		return JournalLine{}, err
	}
	return line, nil
}

// RemoveLine deletes a line from a draft.
func (s *Service) RemoveLine(ctx context.Context, entryID, lineID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != StatusDraft {
			return ErrEntryNotDraft
		}
		return tx.DeleteLine(ctx, entryID, lineID)
	})
}

// DiscardDraft deletes a draft and its lines. Posted entries are immutable and
// can only be reversed.
func (s *Service) DiscardDraft(ctx context.Context, entryID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != StatusDraft {
			return ErrEntryNotDraft
		}
		return tx.DeleteEntry(ctx, entryID)
	})
}

// Post validates and posts a draft atomically: balance check, period lookup,
// number assignment, and balance application all commit or roll back together.
func (s *Service) Post(ctx context.Context, entryID int64, actor string) (JournalEntry, error) {
	if actor == "" {
		return JournalEntry{}, errors.New("ledger: actor required")
	}
	var entry JournalEntry
	err := s.withRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			loaded, err := tx.GetForUpdate(ctx, entryID)
			if err != nil {
				return err
			}
			entry, err = s.postLocked(ctx, tx, loaded, actor)
			return err
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.recordPost(ctx, entry, actor)
	return entry, nil
}

// PostDirect is the one-shot surface for origin modules: draft, fill, and post
// in a single transaction. Nothing persists if any step fails.
func (s *Service) PostDirect(ctx context.Context, in PostingRequest) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	resolved := make([]accounts.Account, len(in.Lines))
	for idx, intent := range in.Lines {
		account, err := s.registry.ResolveForPosting(ctx, intent.AccountCode)
		if err != nil {
			return JournalEntry{}, err
		}
		resolved[idx] = account
	}
	var entry JournalEntry
	err := s.withRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			draft, err := tx.InsertDraft(ctx, JournalEntry{
				Date:          in.Date,
				ReferenceType: in.ReferenceType,
				ReferenceID:   in.ReferenceID,
				Description:   in.Description,
			})
			if err != nil {
				return err
			}
			for idx, intent := range in.Lines {
				line := JournalLine{
					EntryID:     draft.ID,
					AccountID:   resolved[idx].ID,
					AccountCode: resolved[idx].Code,
					Description: intent.Description,
					Position:    idx,
				}
				if intent.Side == accounts.SideDebit {
					line.Debit = intent.Amount
				} else {
					line.Credit = intent.Amount
				}
				inserted, err := tx.InsertLine(ctx, line)
				if err != nil {
					return err
				}
				draft.Lines = append(draft.Lines, inserted)
			}
			entry, err = s.postLocked(ctx, tx, draft, in.Actor)
			return err
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.recordPost(ctx, entry, in.Actor)
	return entry, nil
}

// Reverse posts a mirror of a posted entry and marks the original reversed.
// The reversal is dated reversalDate and must fall in an open period; the
// original entry is never mutated beyond its status.
func (s *Service) Reverse(ctx context.Context, entryID int64, actor string, reversalDate time.Time) (JournalEntry, error) {
	if actor == "" {
		return JournalEntry{}, errors.New("ledger: actor required")
	}
	if reversalDate.IsZero() {
		return JournalEntry{}, errors.New("ledger: reversal date required")
	}
	now := s.now()
	var reversal JournalEntry
	err := s.withRetry(ctx, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := tx.GetForUpdate(ctx, entryID)
			if err != nil {
				return err
			}
			if original.Status != StatusPosted {
				return ErrNotPosted
			}
			period, err := tx.PeriodForDateLocked(ctx, reversalDate)
			if err != nil {
				return err
			}
			if period.IsClosed {
				return periods.ErrNoOpenPeriod
			}
			hold, err := tx.HasIntegrityHold(ctx, accountIDs(original.Lines))
			if err != nil {
				return err
			}
			if hold {
				return ErrIntegrityHold
			}
			seq, err := tx.NextSequence(ctx, period.ID)
			if err != nil {
				return err
			}
			number := FormatEntryNumber(period.Code, seq)
			reversal, err = tx.InsertPosted(ctx, JournalEntry{
				Number:        &number,
				PeriodID:      &period.ID,
				Date:          reversalDate,
				ReferenceType: original.ReferenceType,
				ReferenceID:   original.ReferenceID,
				Description:   fmt.Sprintf("Reversal of %s", *original.Number),
				PostingID:     uuid.New(),
				ReversalOf:    &original.ID,
				PostedAt:      &now,
				PostedBy:      &actor,
			})
			if err != nil {
				return err
			}
			for idx, line := range original.Lines {
				mirrored := JournalLine{
					EntryID:     reversal.ID,
					AccountID:   line.AccountID,
					AccountCode: line.AccountCode,
					Debit:       line.Credit,
					Credit:      line.Debit,
					Description: line.Description,
					Position:    idx,
				}
				inserted, err := tx.InsertLine(ctx, mirrored)
				if err != nil {
					return err
				}
				reversal.Lines = append(reversal.Lines, inserted)
			}
			if err := tx.ApplyBalances(ctx, reversal.PostingID, reversal.ID, movements(reversal.Lines)); err != nil {
				return err
			}
			return tx.MarkReversed(ctx, original.ID)
		})
	})
	if err != nil {
		return JournalEntry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "journal.reverse",
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entryID),
			Meta: map[string]any{
				"reversal_id":     reversal.ID,
				"reversal_number": derefString(reversal.Number),
			},
			At: now,
		})
	}
	return reversal, nil
}

// postLocked runs the posting state machine against a row-locked draft. The
// period row lock taken here serializes posting against a concurrent close.
func (s *Service) postLocked(ctx context.Context, tx TxRepository, entry JournalEntry, actor string) (JournalEntry, error) {
	if entry.Status != StatusDraft {
		return JournalEntry{}, ErrEntryNotDraft
	}
	if len(entry.Lines) == 0 {
		return JournalEntry{}, ErrEmptyEntry
	}
	var debit, credit decimal.Decimal
	for _, line := range entry.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return JournalEntry{}, fmt.Errorf("%w: debit %s vs credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	hold, err := tx.HasIntegrityHold(ctx, accountIDs(entry.Lines))
	if err != nil {
		return JournalEntry{}, err
	}
	if hold {
		return JournalEntry{}, ErrIntegrityHold
	}
	period, err := tx.PeriodForDateLocked(ctx, entry.Date)
	if err != nil {
		return JournalEntry{}, err
	}
	if period.IsClosed {
		return JournalEntry{}, periods.ErrNoOpenPeriod
	}
	seq, err := tx.NextSequence(ctx, period.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	number := FormatEntryNumber(period.Code, seq)
	now := s.now()
	if err := tx.MarkPosted(ctx, entry.ID, number, period.ID, actor, now); err != nil {
		return JournalEntry{}, err
	}
	if err := tx.ApplyBalances(ctx, entry.PostingID, entry.ID, movements(entry.Lines)); err != nil {
		return JournalEntry{}, err
	}
	entry.Status = StatusPosted
	entry.Number = &number
	entry.PeriodID = &period.ID
	entry.PostedAt = &now
	entry.PostedBy = &actor
	return entry, nil
}

// withRetry re-runs fn on number collisions and serialization failures.
// Exhausted retries surface as ErrConflict.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
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
	if errors.Is(err, ErrDuplicateNumber) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *Service) recordPost(ctx context.Context, entry JournalEntry, actor string) {
	if s.audit == nil {
		return
	}
	var total decimal.Decimal
	for _, line := range entry.Lines {
		total = total.Add(line.Debit)
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   "journal.post",
		Entity:   "journal_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"entry_number": derefString(entry.Number),
			"lines":        len(entry.Lines),
			"total":        total.StringFixed(2),
		},
		At: s.now(),
	})
}

func accountIDs(lines []JournalLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	return ids
}

func movements(lines []JournalLine) []balances.Movement {
	out := make([]balances.Movement, len(lines))
	for idx, line := range lines {
		out[idx] = balances.Movement{AccountID: line.AccountID, Debit: line.Debit, Credit: line.Credit}
	}
	return out
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

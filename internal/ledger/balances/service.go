package balances

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AccountDirectory resolves accounts and their subtrees for rollups.
type AccountDirectory interface {
	ResolveCode(ctx context.Context, code string) (accounts.Account, error)
	Descendants(ctx context.Context, id int64) ([]accounts.Account, error)
}

// PeriodDirectory resolves periods for report scoping.
type PeriodDirectory interface {
	Get(ctx context.Context, id int64) (periods.Period, error)
}

// Service answers balance and trial-balance queries. All figures derive from
// posted journal lines; the cached column only accelerates point reads.
type Service struct {
	repo      Repository
	registry  AccountDirectory
	periodDir PeriodDirectory
	audit     shared.AuditRecorder
	now       func() time.Time
}

// NewService constructs the balance ledger service.
func NewService(repo Repository, registry AccountDirectory, periodDir PeriodDirectory, audit shared.AuditRecorder) *Service {
	return &Service{repo: repo, registry: registry, periodDir: periodDir, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// TrialBalance aggregates per-account debit and credit totals for a period.
// An aggregate that fails to net to zero is surfaced as an integrity error.
func (s *Service) TrialBalance(ctx context.Context, periodID int64) (TrialBalance, error) {
	period, err := s.periodDir.Get(ctx, periodID)
	if err != nil {
		return TrialBalance{}, err
	}
	rows, err := s.repo.TrialBalanceRows(ctx, periodID)
	if err != nil {
		return TrialBalance{}, err
	}
	tb := BuildTrialBalance(rows)
	tb.PeriodID = period.ID
	tb.PeriodCode = period.Code
	if !tb.Balanced() {
		return tb, fmt.Errorf("%w: period %s nets debit %s vs credit %s",
			ErrIntegrityViolation, period.Code, tb.TotalDebit.StringFixed(2), tb.TotalCredit.StringFixed(2))
	}
	return tb, nil
}

// BalanceAsOf computes opening balance plus posted movements through the date.
// Header accounts roll up their whole subtree.
func (s *Service) BalanceAsOf(ctx context.Context, accountCode string, asOf time.Time) (decimal.Decimal, error) {
	account, err := s.registry.ResolveCode(ctx, accountCode)
	if err != nil {
		return decimal.Zero, err
	}
	ids := []int64{account.ID}
	if account.IsHeader {
		subtree, err := s.registry.Descendants(ctx, account.ID)
		if err != nil {
			return decimal.Zero, err
		}
		for _, child := range subtree {
			ids = append(ids, child.ID)
		}
	}
	opening, err := s.repo.OpeningTotal(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	net, err := s.repo.SignedMovements(ctx, ids, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return opening.Add(net), nil
}

// AccountLedger returns the line-level posted history for one account.
func (s *Service) AccountLedger(ctx context.Context, accountCode string, from, to time.Time) ([]LedgerLine, error) {
	account, err := s.registry.ResolveCode(ctx, accountCode)
	if err != nil {
		return nil, err
	}
	return s.repo.AccountLedger(ctx, account.ID, from, to)
}

// Verify replays the journal and quarantines accounts whose cached balance
// disagrees. Affected accounts refuse postings until Rebuild clears the fault.
func (s *Service) Verify(ctx context.Context) ([]Mismatch, error) {
	mismatches, err := s.repo.ReplayMismatches(ctx)
	if err != nil {
		return nil, err
	}
	if len(mismatches) == 0 {
		return nil, nil
	}
	for _, m := range mismatches {
		detail := fmt.Sprintf("replay %s vs cached %s", m.Expected.StringFixed(2), m.Cached.StringFixed(2))
		if err := s.repo.RecordFault(ctx, m, detail); err != nil {
			return mismatches, err
		}
	}
	return mismatches, ErrIntegrityViolation
}

// Faults lists open integrity faults.
func (s *Service) Faults(ctx context.Context) ([]Fault, error) {
	return s.repo.OpenFaults(ctx)
}

// Rebuild resets every cached balance from journal replay and clears faults.
// This is the explicit administrative recovery path.
func (s *Service) Rebuild(ctx context.Context, actor string) (int64, error) {
	affected, err := s.repo.Rebuild(ctx)
	if err != nil {
		return 0, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "ledger.rebuild",
			Entity:   "ledger",
			EntityID: "balances",
			Meta:     map[string]any{"accounts": affected},
			At:       s.now(),
		})
	}
	return affected, nil
}

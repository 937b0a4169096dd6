package balances

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
)

type mockRepository struct {
	tbRows     []AccountBalance
	openings   map[int64]decimal.Decimal
	movements  map[int64]decimal.Decimal
	ledger     []LedgerLine
	mismatches []Mismatch
	faults     []Fault
	rebuilt    int64
	rebuildRan bool
}

func (m *mockRepository) TrialBalanceRows(ctx context.Context, periodID int64) ([]AccountBalance, error) {
	return m.tbRows, nil
}

func (m *mockRepository) OpeningTotal(ctx context.Context, accountIDs []int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	for _, id := range accountIDs {
		total = total.Add(m.openings[id])
	}
	return total, nil
}

func (m *mockRepository) SignedMovements(ctx context.Context, accountIDs []int64, asOf time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	for _, id := range accountIDs {
		total = total.Add(m.movements[id])
	}
	return total, nil
}

func (m *mockRepository) AccountLedger(ctx context.Context, accountID int64, from, to time.Time) ([]LedgerLine, error) {
	return m.ledger, nil
}

func (m *mockRepository) ReplayMismatches(ctx context.Context) ([]Mismatch, error) {
	return m.mismatches, nil
}

func (m *mockRepository) RecordFault(ctx context.Context, mis Mismatch, detail string) error {
	m.faults = append(m.faults, Fault{
		ID:        int64(len(m.faults) + 1),
		AccountID: mis.AccountID,
		Expected:  mis.Expected,
		Cached:    mis.Cached,
		Detail:    detail,
	})
	return nil
}

func (m *mockRepository) OpenFaults(ctx context.Context) ([]Fault, error) {
	return m.faults, nil
}

func (m *mockRepository) Rebuild(ctx context.Context) (int64, error) {
	m.rebuildRan = true
	m.faults = nil
	return m.rebuilt, nil
}

type mockDirectory struct {
	accounts map[string]accounts.Account
	children map[int64][]accounts.Account
}

func (m *mockDirectory) ResolveCode(ctx context.Context, code string) (accounts.Account, error) {
	a, ok := m.accounts[code]
	if !ok {
		return accounts.Account{}, accounts.ErrNotFound
	}
	return a, nil
}

func (m *mockDirectory) Descendants(ctx context.Context, id int64) ([]accounts.Account, error) {
	return m.children[id], nil
}

type mockPeriodDirectory struct {
	periods map[int64]periods.Period
}

func (m *mockPeriodDirectory) Get(ctx context.Context, id int64) (periods.Period, error) {
	p, ok := m.periods[id]
	if !ok {
		return periods.Period{}, periods.ErrNotFound
	}
	return p, nil
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(repo *mockRepository) *Service {
	directory := &mockDirectory{
		accounts: map[string]accounts.Account{
			"1000": {ID: 1, Code: "1000", NormalSide: accounts.SideDebit, IsActive: true},
			"10":   {ID: 10, Code: "10", IsHeader: true, NormalSide: accounts.SideDebit, IsActive: true},
		},
		children: map[int64][]accounts.Account{
			10: {{ID: 1, Code: "1000"}, {ID: 2, Code: "1100"}},
		},
	}
	periodDir := &mockPeriodDirectory{periods: map[int64]periods.Period{
		1: {ID: 1, Code: "2026-01"},
	}}
	return NewService(repo, directory, periodDir, nil)
}

func TestTrialBalanceBalanced(t *testing.T) {
	repo := &mockRepository{tbRows: []AccountBalance{
		{AccountID: 1, Code: "1000", Name: "Cash", Debit: amount("500.00"), Credit: decimal.Zero},
		{AccountID: 2, Code: "4000", Name: "Revenue", Debit: decimal.Zero, Credit: amount("500.00")},
	}}
	svc := newTestService(repo)

	tb, err := svc.TrialBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "2026-01", tb.PeriodCode)
	assert.True(t, tb.Balanced())
	assert.True(t, tb.TotalDebit.Equal(amount("500.00")))
	require.Len(t, tb.Groups, 2)
}

func TestTrialBalanceUnbalancedSurfacesIntegrityError(t *testing.T) {
	repo := &mockRepository{tbRows: []AccountBalance{
		{AccountID: 1, Code: "1000", Name: "Cash", Debit: amount("500.00")},
		{AccountID: 2, Code: "4000", Name: "Revenue", Credit: amount("400.00")},
	}}
	svc := newTestService(repo)

	_, err := svc.TrialBalance(context.Background(), 1)
	assert.ErrorIs(t, err, ErrIntegrityViolation)
}

func TestTrialBalanceUnknownPeriod(t *testing.T) {
	svc := newTestService(&mockRepository{})

	_, err := svc.TrialBalance(context.Background(), 99)
	assert.ErrorIs(t, err, periods.ErrNotFound)
}

func TestBalanceAsOfLeafAccount(t *testing.T) {
	repo := &mockRepository{
		openings:  map[int64]decimal.Decimal{1: amount("100.00")},
		movements: map[int64]decimal.Decimal{1: amount("250.00")},
	}
	svc := newTestService(repo)

	balance, err := svc.BalanceAsOf(context.Background(), "1000", time.Now())
	require.NoError(t, err)
	assert.True(t, balance.Equal(amount("350.00")))
}

func TestBalanceAsOfHeaderRollsUpSubtree(t *testing.T) {
	repo := &mockRepository{
		openings:  map[int64]decimal.Decimal{1: amount("100.00"), 2: amount("50.00")},
		movements: map[int64]decimal.Decimal{1: amount("10.00"), 2: amount("-20.00")},
	}
	svc := newTestService(repo)

	balance, err := svc.BalanceAsOf(context.Background(), "10", time.Now())
	require.NoError(t, err)
	assert.True(t, balance.Equal(amount("140.00")))
}

func TestBalanceAsOfUnknownAccount(t *testing.T) {
	svc := newTestService(&mockRepository{})

	_, err := svc.BalanceAsOf(context.Background(), "9999", time.Now())
	assert.ErrorIs(t, err, accounts.ErrNotFound)
}

func TestVerifyRecordsFaults(t *testing.T) {
	repo := &mockRepository{mismatches: []Mismatch{
		{AccountID: 1, Code: "1000", Expected: amount("500.00"), Cached: amount("480.00")},
	}}
	svc := newTestService(repo)

	mismatches, err := svc.Verify(context.Background())
	assert.ErrorIs(t, err, ErrIntegrityViolation)
	assert.Len(t, mismatches, 1)
	require.Len(t, repo.faults, 1)
	assert.Equal(t, int64(1), repo.faults[0].AccountID)
	assert.Contains(t, repo.faults[0].Detail, "500.00")
}

func TestVerifyClean(t *testing.T) {
	repo := &mockRepository{}
	svc := newTestService(repo)

	mismatches, err := svc.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Empty(t, repo.faults)
}

func TestRebuildClearsFaults(t *testing.T) {
	repo := &mockRepository{rebuilt: 7, faults: []Fault{{ID: 1, AccountID: 1}}}
	svc := newTestService(repo)

	affected, err := svc.Rebuild(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(7), affected)
	assert.True(t, repo.rebuildRan)

	faults, err := svc.Faults(context.Background())
	require.NoError(t, err)
	assert.Empty(t, faults)
}

package balances

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
)

// AccountBalance models a ledger account with aggregated period figures.
type AccountBalance struct {
	AccountID int64
	Code      string
	Name      string
	Type      string
	Opening   decimal.Decimal
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// Closing computes the closing balance for the account in its natural sign
// convention.
func (a AccountBalance) Closing(normalSideDebit bool) decimal.Decimal {
	if normalSideDebit {
		return a.Opening.Add(a.Debit).Sub(a.Credit)
	}
	return a.Opening.Add(a.Credit).Sub(a.Debit)
}

// DebitNormal reports whether the account type grows on the debit side.
func (a AccountBalance) DebitNormal() bool {
	return a.Type == string(accounts.AccountTypeAsset) || a.Type == string(accounts.AccountTypeExpense)
}

// GroupKey returns a key used for grouping trial balance rows.
func (a AccountBalance) GroupKey() string {
	if idx := strings.Index(a.Code, "."); idx > 0 {
		return a.Code[:idx]
	}
	if len(a.Code) >= 2 {
		return a.Code[:2]
	}
	return a.Code
}

// TrialBalanceRow represents one account inside a trial balance group.
type TrialBalanceRow struct {
	Code    string
	Name    string
	Opening decimal.Decimal
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Closing decimal.Decimal
}

// TrialBalanceGroup aggregates rows for presentation.
type TrialBalanceGroup struct {
	Key     string
	Rows    []TrialBalanceRow
	Opening decimal.Decimal
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Closing decimal.Decimal
}

// TrialBalance is the final report structure. TotalDebit must equal
// TotalCredit for any period containing only posted or reversed entries.
type TrialBalance struct {
	PeriodID    int64
	PeriodCode  string
	Groups      []TrialBalanceGroup
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

// Balanced reports whether the aggregate nets to zero.
func (tb TrialBalance) Balanced() bool {
	return tb.TotalDebit.Equal(tb.TotalCredit)
}

// BuildTrialBalance converts account balances into grouped trial balance data.
func BuildTrialBalance(accounts []AccountBalance) TrialBalance {
	groups := make(map[string]*TrialBalanceGroup)
	keys := make([]string, 0)
	for _, acc := range accounts {
		key := acc.GroupKey()
		grp, ok := groups[key]
		if !ok {
			grp = &TrialBalanceGroup{Key: key}
			groups[key] = grp
			keys = append(keys, key)
		}
		row := TrialBalanceRow{
			Code:    acc.Code,
			Name:    acc.Name,
			Opening: acc.Opening,
			Debit:   acc.Debit,
			Credit:  acc.Credit,
			Closing: acc.Closing(acc.DebitNormal()),
		}
		grp.Rows = append(grp.Rows, row)
		grp.Opening = grp.Opening.Add(row.Opening)
		grp.Debit = grp.Debit.Add(row.Debit)
		grp.Credit = grp.Credit.Add(row.Credit)
		grp.Closing = grp.Closing.Add(row.Closing)
	}

	sort.Strings(keys)
	result := TrialBalance{}
	for _, key := range keys {
		grp := groups[key]
		sort.Slice(grp.Rows, func(i, j int) bool {
			return grp.Rows[i].Code < grp.Rows[j].Code
		})
		result.Groups = append(result.Groups, *grp)
		result.TotalDebit = result.TotalDebit.Add(grp.Debit)
		result.TotalCredit = result.TotalCredit.Add(grp.Credit)
	}
	return result
}

// LedgerLine is one posted movement in an account's history.
type LedgerLine struct {
	EntryID     int64
	EntryNumber string
	EntryDate   time.Time
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
}

// Mismatch describes a cached balance that disagrees with replay.
type Mismatch struct {
	AccountID int64
	Code      string
	Expected  decimal.Decimal
	Cached    decimal.Decimal
}

// Fault is a persisted integrity failure blocking postings to an account.
type Fault struct {
	ID         int64
	AccountID  int64
	Expected   decimal.Decimal
	Cached     decimal.Decimal
	Detail     string
	DetectedAt time.Time
}

// ErrIntegrityViolation indicates cached balances disagree with journal replay.
// Postings against the affected accounts are refused until a rebuild clears it.
var ErrIntegrityViolation = errors.New("ledger: cached balances disagree with replay")

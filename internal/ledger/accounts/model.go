package accounts

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType enumerates chart of accounts categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Side identifies the debit or credit column of a journal line.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// NormalSideFor derives the side on which an account type naturally increases.
func NormalSideFor(t AccountType) (Side, error) {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return SideDebit, nil
	case AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue:
		return SideCredit, nil
	default:
		return "", ErrUnknownType
	}
}

// Account models a chart of accounts node.
type Account struct {
	ID             int64
	Code           string
	Name           string
	Type           AccountType
	NormalSide     Side
	IsHeader       bool
	ParentID       *int64
	IsActive       bool
	IsLocked       bool
	OpeningBalance decimal.Decimal
	// CurrentBalance is a cached running balance maintained by the balance
	// ledger. It is never the source of truth; posted lines are.
	CurrentBalance decimal.Decimal
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Postable reports whether the account may receive journal lines.
func (a Account) Postable() bool {
	return a.IsActive && !a.IsLocked && !a.IsHeader
}

var (
	// ErrNotFound indicates a missing account.
	ErrNotFound = errors.New("ledger: account not found")
	// ErrDuplicateCode indicates the code is already taken.
	ErrDuplicateCode = errors.New("ledger: account code already exists")
	// ErrInvalidParent indicates a missing parent or a hierarchy cycle.
	ErrInvalidParent = errors.New("ledger: invalid parent account")
	// ErrNotPostable indicates the account is a header, inactive, or locked.
	ErrNotPostable = errors.New("ledger: account not postable")
	// ErrUnknownType indicates an unrecognised account type.
	ErrUnknownType = errors.New("ledger: unknown account type")
	// ErrHasPostings indicates the account carries posted lines and cannot be removed.
	ErrHasPostings = errors.New("ledger: account has posted lines")
)

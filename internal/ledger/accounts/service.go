package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// maxHierarchyDepth bounds the parent walk during cycle detection.
const maxHierarchyDepth = 64

// CreateInput groups fields required to register an account.
type CreateInput struct {
	Code           string
	Name           string
	Type           AccountType
	ParentID       *int64
	IsHeader       bool
	OpeningBalance decimal.Decimal
}

// Validate ensures minimum create criteria.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return errors.New("ledger: account code required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("ledger: account name required")
	}
	if _, err := NormalSideFor(in.Type); err != nil {
		return err
	}
	return nil
}

// Service owns chart of accounts metadata: type, hierarchy, and lock state.
type Service struct {
	repo Repository
}

// NewService constructs the registry service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create registers a new account. The normal side is derived from the type and
// is immutable afterwards.
func (s *Service) Create(ctx context.Context, in CreateInput) (Account, error) {
	if err := in.Validate(); err != nil {
		return Account{}, err
	}
	side, err := NormalSideFor(in.Type)
	if err != nil {
		return Account{}, err
	}
	var created Account
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.ParentID != nil {
			if _, err := tx.ParentOf(ctx, *in.ParentID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return ErrInvalidParent
				}
				return err
			}
		}
		var e error
		created, e = tx.Insert(ctx, Account{
			Code:           strings.TrimSpace(in.Code),
			Name:           strings.TrimSpace(in.Name),
			Type:           in.Type,
			NormalSide:     side,
			IsHeader:       in.IsHeader,
			ParentID:       in.ParentID,
			OpeningBalance: in.OpeningBalance,
		})
		return e
	})
	if err != nil {
		return Account{}, err
	}
	return created, nil
}

// Resolve loads an account by id.
func (s *Service) Resolve(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetByID(ctx, id)
}

// ResolveCode loads an account by its stable code.
func (s *Service) ResolveCode(ctx context.Context, code string) (Account, error) {
	return s.repo.GetByCode(ctx, code)
}

// ResolveForPosting loads an account and rejects header, inactive, or locked ones.
func (s *Service) ResolveForPosting(ctx context.Context, code string) (Account, error) {
	account, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return Account{}, err
	}
	if !account.Postable() {
		return Account{}, fmt.Errorf("%w: %s", ErrNotPostable, account.Code)
	}
	return account, nil
}

// List returns the full chart ordered by code.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	return s.repo.List(ctx)
}

// Descendants returns the subtree below an account, used for rollups.
func (s *Service) Descendants(ctx context.Context, id int64) ([]Account, error) {
	return s.repo.Descendants(ctx, id)
}

// Ancestors returns the chain from an account's parent to the root.
func (s *Service) Ancestors(ctx context.Context, id int64) ([]Account, error) {
	return s.repo.Ancestors(ctx, id)
}

// SetHeader toggles the header flag. Header accounts cannot receive postings.
func (s *Service) SetHeader(ctx context.Context, id int64, isHeader bool) (Account, error) {
	return s.updateFlags(ctx, id, func(a *Account) { a.IsHeader = isHeader })
}

// SetActive toggles activation. Deactivation is the terminal state for accounts
// with posted history.
func (s *Service) SetActive(ctx context.Context, id int64, isActive bool) (Account, error) {
	return s.updateFlags(ctx, id, func(a *Account) { a.IsActive = isActive })
}

// SetLocked toggles the posting lock. Locked accounts stay readable.
func (s *Service) SetLocked(ctx context.Context, id int64, isLocked bool) (Account, error) {
	return s.updateFlags(ctx, id, func(a *Account) { a.IsLocked = isLocked })
}

func (s *Service) updateFlags(ctx context.Context, id int64, mutate func(*Account)) (Account, error) {
	var updated Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		mutate(&account)
		if err := tx.SetFlags(ctx, id, account.IsHeader, account.IsActive, account.IsLocked); err != nil {
			return err
		}
		updated = account
		return nil
	})
	return updated, err
}

// Reparent moves an account under a new parent. The walk up from the proposed
// parent must never reach the account itself.
func (s *Service) Reparent(ctx context.Context, id int64, parentID *int64) (Account, error) {
	var updated Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if parentID != nil {
			if *parentID == id {
				return ErrInvalidParent
			}
			cursor := parentID
			for depth := 0; cursor != nil; depth++ {
				if depth >= maxHierarchyDepth {
					return ErrInvalidParent
				}
				if *cursor == id {
					return ErrInvalidParent
				}
				next, err := tx.ParentOf(ctx, *cursor)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						return ErrInvalidParent
					}
					return err
				}
				cursor = next
			}
		}
		if err := tx.SetParent(ctx, id, parentID); err != nil {
			return err
		}
		account.ParentID = parentID
		updated = account
		return nil
	})
	return updated, err
}

// Remove deletes an account that never received a posting. Accounts with posted
// lines are rejected; deactivate them instead.
func (s *Service) Remove(ctx context.Context, id int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return err
		}
		posted, err := tx.HasPostedLines(ctx, id)
		if err != nil {
			return err
		}
		if posted {
			return ErrHasPostings
		}
		children, err := tx.HasChildren(ctx, id)
		if err != nil {
			return err
		}
		if children {
			return ErrInvalidParent
		}
		return tx.Delete(ctx, id)
	})
}

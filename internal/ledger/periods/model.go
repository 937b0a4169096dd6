package periods

import (
	"errors"
	"time"
)

// Period represents an accounting period window. EndDate is exclusive, so
// consecutive months share a boundary without overlapping.
type Period struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	IsClosed  bool
	ClosedAt  *time.Time
	ClosedBy  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether the date falls inside the half-open range.
func (p Period) Contains(date time.Time) bool {
	return !date.Before(p.StartDate) && date.Before(p.EndDate)
}

var (
	// ErrNotFound indicates a missing period.
	ErrNotFound = errors.New("ledger: period not found")
	// ErrOverlap indicates the range intersects an existing period.
	ErrOverlap = errors.New("ledger: period overlaps existing range")
	// ErrAlreadyClosed indicates the period was closed before.
	ErrAlreadyClosed = errors.New("ledger: period already closed")
	// ErrDraftsOutstanding indicates draft entries dated inside the period remain.
	ErrDraftsOutstanding = errors.New("ledger: draft entries outstanding in period")
	// ErrNoOpenPeriod indicates no open period covers the date.
	ErrNoOpenPeriod = errors.New("ledger: no open period for date")
	// ErrNoNextPeriod indicates the carry-forward target period does not exist.
	ErrNoNextPeriod = errors.New("ledger: no successor period for carry-forward")
	// ErrCloseInProgress indicates another close holds the critical section.
	ErrCloseInProgress = errors.New("ledger: period close in progress")
	// ErrConflict indicates retries were exhausted on a storage conflict.
	ErrConflict = errors.New("ledger: period close conflict")
)

package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/balances"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
)

type mockRegistry struct {
	accounts map[string]accounts.Account
}

func (m *mockRegistry) ResolveForPosting(ctx context.Context, code string) (accounts.Account, error) {
	account, ok := m.accounts[code]
	if !ok {
		return accounts.Account{}, accounts.ErrNotFound
	}
	if !account.Postable() {
		return accounts.Account{}, fmt.Errorf("%w: %s", accounts.ErrNotPostable, code)
	}
	return account, nil
}

type mockRepository struct {
	entries     map[int64]*JournalEntry
	nextEntryID int64
	nextLineID  int64

	periods   []periods.Period
	sequences map[int64]int64

	// Signed balances keyed by account id, in each account's natural sign.
	balances map[int64]decimal.Decimal
	sides    map[int64]accounts.Side
	applied  map[uuid.UUID]bool
	holds    map[int64]bool

	usedNumbers map[string]bool
	// forceDuplicates makes the next N MarkPosted calls collide.
	forceDuplicates int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		entries:     make(map[int64]*JournalEntry),
		nextEntryID: 1,
		nextLineID:  1,
		sequences:   make(map[int64]int64),
		balances:    make(map[int64]decimal.Decimal),
		sides:       make(map[int64]accounts.Side),
		applied:     make(map[uuid.UUID]bool),
		holds:       make(map[int64]bool),
		usedNumbers: make(map[string]bool),
	}
}

func (m *mockRepository) List(ctx context.Context) ([]JournalEntry, error) {
	out := make([]JournalEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (m *mockRepository) Get(ctx context.Context, id int64) (JournalEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return JournalEntry{}, ErrNotFound
	}
	return *e, nil
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &mockTxRepo{mock: m, snapshot: m.copyState()}
	if err := fn(ctx, tx); err != nil {
		m.restore(tx.snapshot)
		return err
	}
	return nil
}

type repoState struct {
	entries     map[int64]*JournalEntry
	sequences   map[int64]int64
	balances    map[int64]decimal.Decimal
	applied     map[uuid.UUID]bool
	usedNumbers map[string]bool
	nextEntryID int64
	nextLineID  int64
}

func (m *mockRepository) copyState() repoState {
	s := repoState{
		entries:     make(map[int64]*JournalEntry, len(m.entries)),
		sequences:   make(map[int64]int64, len(m.sequences)),
		balances:    make(map[int64]decimal.Decimal, len(m.balances)),
		applied:     make(map[uuid.UUID]bool, len(m.applied)),
		usedNumbers: make(map[string]bool, len(m.usedNumbers)),
		nextEntryID: m.nextEntryID,
		nextLineID:  m.nextLineID,
	}
	for id, e := range m.entries {
		clone := *e
		clone.Lines = append([]JournalLine(nil), e.Lines...)
		s.entries[id] = &clone
	}
	for k, v := range m.sequences {
		s.sequences[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.applied {
		s.applied[k] = v
	}
	for k, v := range m.usedNumbers {
		s.usedNumbers[k] = v
	}
	return s
}

func (m *mockRepository) restore(s repoState) {
	m.entries = s.entries
	m.sequences = s.sequences
	m.balances = s.balances
	m.applied = s.applied
	m.usedNumbers = s.usedNumbers
	m.nextEntryID = s.nextEntryID
	m.nextLineID = s.nextLineID
}

type mockTxRepo struct {
	mock     *mockRepository
	snapshot repoState
}

func (t *mockTxRepo) InsertDraft(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	e.ID = t.mock.nextEntryID
	t.mock.nextEntryID++
	e.Status = StatusDraft
	e.PostingID = uuid.New()
	stored := e
	t.mock.entries[e.ID] = &stored
	return stored, nil
}

func (t *mockTxRepo) InsertPosted(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	if e.Number != nil {
		if t.mock.usedNumbers[*e.Number] {
			return JournalEntry{}, ErrDuplicateNumber
		}
		t.mock.usedNumbers[*e.Number] = true
	}
	e.ID = t.mock.nextEntryID
	t.mock.nextEntryID++
	e.Status = StatusPosted
	stored := e
	t.mock.entries[e.ID] = &stored
	return stored, nil
}

func (t *mockTxRepo) GetForUpdate(ctx context.Context, id int64) (JournalEntry, error) {
	return t.mock.Get(ctx, id)
}

func (t *mockTxRepo) InsertLine(ctx context.Context, line JournalLine) (JournalLine, error) {
	e, ok := t.mock.entries[line.EntryID]
	if !ok {
		return JournalLine{}, ErrNotFound
	}
	line.ID = t.mock.nextLineID
	t.mock.nextLineID++
	e.Lines = append(e.Lines, line)
	return line, nil
}

func (t *mockTxRepo) DeleteLine(ctx context.Context, entryID, lineID int64) error {
	e, ok := t.mock.entries[entryID]
	if !ok {
		return ErrNotFound
	}
	for i, line := range e.Lines {
		if line.ID == lineID {
			e.Lines = append(e.Lines[:i], e.Lines[i+1:]...)
			return nil
		}
	}
	return ErrLineNotFound
}

func (t *mockTxRepo) DeleteEntry(ctx context.Context, entryID int64) error {
	if _, ok := t.mock.entries[entryID]; !ok {
		return ErrNotFound
	}
	delete(t.mock.entries, entryID)
	return nil
}

func (t *mockTxRepo) MarkPosted(ctx context.Context, id int64, number string, periodID int64, actor string, at time.Time) error {
	if t.mock.forceDuplicates > 0 {
		t.mock.forceDuplicates--
		return ErrDuplicateNumber
	}
	if t.mock.usedNumbers[number] {
		return ErrDuplicateNumber
	}
	e, ok := t.mock.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusDraft {
		return ErrEntryNotDraft
	}
	t.mock.usedNumbers[number] = true
	e.Status = StatusPosted
	e.Number = &number
	e.PeriodID = &periodID
	e.PostedAt = &at
	e.PostedBy = &actor
	return nil
}

func (t *mockTxRepo) MarkReversed(ctx context.Context, id int64) error {
	e, ok := t.mock.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusPosted {
		return ErrNotPosted
	}
	e.Status = StatusReversed
	return nil
}

func (t *mockTxRepo) PeriodForDateLocked(ctx context.Context, d time.Time) (periods.Period, error) {
	for _, p := range t.mock.periods {
		if p.Contains(d) {
			return p, nil
		}
	}
	return periods.Period{}, periods.ErrNoOpenPeriod
}

func (t *mockTxRepo) NextSequence(ctx context.Context, periodID int64) (int64, error) {
	t.mock.sequences[periodID]++
	return t.mock.sequences[periodID], nil
}

func (t *mockTxRepo) HasIntegrityHold(ctx context.Context, accountIDs []int64) (bool, error) {
	for _, id := range accountIDs {
		if t.mock.holds[id] {
			return true, nil
		}
	}
	return false, nil
}

func (t *mockTxRepo) ApplyBalances(ctx context.Context, postingID uuid.UUID, entryID int64, movements []balances.Movement) error {
	if t.mock.applied[postingID] {
		return nil
	}
	t.mock.applied[postingID] = true
	for _, mov := range movements {
		signed := mov.Debit.Sub(mov.Credit)
		if t.mock.sides[mov.AccountID] == accounts.SideCredit {
			signed = mov.Credit.Sub(mov.Debit)
		}
		t.mock.balances[mov.AccountID] = t.mock.balances[mov.AccountID].Add(signed)
	}
	return nil
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	repo     *mockRepository
	registry *mockRegistry
	svc      *Service
}

// newFixture seeds a cash (debit-normal) and revenue (credit-normal) account
// plus an open January and February 2026.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMockRepository()
	repo.periods = []periods.Period{
		{ID: 1, Code: "2026-01", StartDate: date(2026, 1, 1), EndDate: date(2026, 2, 1)},
		{ID: 2, Code: "2026-02", StartDate: date(2026, 2, 1), EndDate: date(2026, 3, 1)},
	}
	registry := &mockRegistry{accounts: map[string]accounts.Account{
		"1000": {ID: 1, Code: "1000", Name: "Cash", Type: accounts.AccountTypeAsset, NormalSide: accounts.SideDebit, IsActive: true},
		"4000": {ID: 2, Code: "4000", Name: "Revenue", Type: accounts.AccountTypeRevenue, NormalSide: accounts.SideCredit, IsActive: true},
	}}
	repo.sides[1] = accounts.SideDebit
	repo.sides[2] = accounts.SideCredit

	svc := NewService(repo, registry, nil, 3)
	svc.WithNow(func() time.Time { return date(2026, 1, 20) })
	return &fixture{repo: repo, registry: registry, svc: svc}
}

func (f *fixture) draftWithLines(t *testing.T, entryDate time.Time, debit, credit string) JournalEntry {
	t.Helper()
	ctx := context.Background()
	entry, err := f.svc.CreateDraft(ctx, DraftInput{Date: entryDate, Description: "cash sale"})
	require.NoError(t, err)
	_, err = f.svc.AddLine(ctx, entry.ID, LineIntent{AccountCode: "1000", Amount: amount(debit), Side: accounts.SideDebit})
	require.NoError(t, err)
	_, err = f.svc.AddLine(ctx, entry.ID, LineIntent{AccountCode: "4000", Amount: amount(credit), Side: accounts.SideCredit})
	require.NoError(t, err)
	return entry
}

func TestPostBalancedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "500.00", "500.00")
	posted, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	assert.Equal(t, StatusPosted, posted.Status)
	require.NotNil(t, posted.Number)
	assert.Equal(t, "JE-2026-01-000001", *posted.Number)
	require.NotNil(t, posted.PeriodID)
	assert.Equal(t, int64(1), *posted.PeriodID)
	require.NotNil(t, posted.PostedBy)
	assert.Equal(t, "clerk", *posted.PostedBy)

	assert.True(t, f.repo.balances[1].Equal(amount("500.00")), "cash grows on its debit side")
	assert.True(t, f.repo.balances[2].Equal(amount("500.00")), "revenue grows on its credit side")
}

func TestPostNumbersAreSequentialPerPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.draftWithLines(t, date(2026, 1, 10), "100.00", "100.00")
	second := f.draftWithLines(t, date(2026, 1, 11), "200.00", "200.00")
	febEntry := f.draftWithLines(t, date(2026, 2, 5), "300.00", "300.00")

	posted, err := f.svc.Post(ctx, first.ID, "clerk")
	require.NoError(t, err)
	assert.Equal(t, "JE-2026-01-000001", *posted.Number)

	posted, err = f.svc.Post(ctx, second.ID, "clerk")
	require.NoError(t, err)
	assert.Equal(t, "JE-2026-01-000002", *posted.Number)

	// Each period numbers independently.
	posted, err = f.svc.Post(ctx, febEntry.ID, "clerk")
	require.NoError(t, err)
	assert.Equal(t, "JE-2026-02-000001", *posted.Number)
}

func TestPostUnbalancedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "300.00", "250.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, ErrUnbalanced)

	// Nothing persisted: still a draft, balances untouched.
	got, getErr := f.svc.Get(ctx, entry.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusDraft, got.Status)
	assert.True(t, f.repo.balances[1].IsZero())
	assert.True(t, f.repo.balances[2].IsZero())
}

func TestPostEmptyEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.CreateDraft(ctx, DraftInput{Date: date(2026, 1, 15)})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, ErrEmptyEntry)
}

func TestPostOutsideAnyPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2027, 7, 1), "100.00", "100.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, periods.ErrNoOpenPeriod)
}

func TestPostIntoClosedPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.periods[0].IsClosed = true

	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, periods.ErrNoOpenPeriod)

	// The same shape dated into the open period posts fine.
	open := f.draftWithLines(t, date(2026, 2, 15), "100.00", "100.00")
	posted, err := f.svc.Post(ctx, open.ID, "clerk")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
}

func TestPostAlreadyPosted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, ErrEntryNotDraft)
}

func TestPostIntegrityHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.holds[1] = true

	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, ErrIntegrityHold)
}

func TestPostRetriesNumberCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One collision, then success on retry.
	f.repo.forceDuplicates = 1
	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	posted, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
}

func TestPostConflictAfterExhaustedRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repo.forceDuplicates = 10
	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPostDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	posted, err := f.svc.PostDirect(ctx, PostingRequest{
		Date:          date(2026, 1, 15),
		ReferenceType: "INVOICE",
		Description:   "cash sale",
		Actor:         "billing",
		Lines: []LineIntent{
			{AccountCode: "1000", Amount: amount("500.00"), Side: accounts.SideDebit},
			{AccountCode: "4000", Amount: amount("500.00"), Side: accounts.SideCredit},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
	assert.Len(t, posted.Lines, 2)
	assert.True(t, f.repo.balances[1].Equal(amount("500.00")))
}

func TestPostDirectUnbalancedRejectedUpfront(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PostDirect(context.Background(), PostingRequest{
		Date:  date(2026, 1, 15),
		Actor: "billing",
		Lines: []LineIntent{
			{AccountCode: "1000", Amount: amount("300.00"), Side: accounts.SideDebit},
			{AccountCode: "4000", Amount: amount("250.00"), Side: accounts.SideCredit},
		},
	})
	assert.ErrorIs(t, err, ErrUnbalanced)
	assert.Empty(t, f.repo.entries, "nothing persisted")
}

func TestReverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "500.00", "500.00")
	posted, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	reversal, err := f.svc.Reverse(ctx, posted.ID, "auditor", date(2026, 2, 10))
	require.NoError(t, err)

	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, posted.ID, *reversal.ReversalOf)
	assert.Equal(t, StatusPosted, reversal.Status)
	require.NotNil(t, reversal.Number)
	assert.Equal(t, "JE-2026-02-000001", *reversal.Number)

	// Lines mirror the original with sides swapped.
	require.Len(t, reversal.Lines, 2)
	assert.True(t, reversal.Lines[0].Credit.Equal(amount("500.00")))
	assert.True(t, reversal.Lines[1].Debit.Equal(amount("500.00")))

	// The original flips to REVERSED and the net balance effect is zero.
	original, err := f.svc.Get(ctx, posted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, original.Status)
	assert.True(t, f.repo.balances[1].IsZero())
	assert.True(t, f.repo.balances[2].IsZero())
}

func TestReverseTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "500.00", "500.00")
	posted, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	_, err = f.svc.Reverse(ctx, posted.ID, "auditor", date(2026, 2, 10))
	require.NoError(t, err)

	_, err = f.svc.Reverse(ctx, posted.ID, "auditor", date(2026, 2, 11))
	assert.ErrorIs(t, err, ErrNotPosted)
}

func TestReverseDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "500.00", "500.00")
	_, err := f.svc.Reverse(ctx, entry.ID, "auditor", date(2026, 1, 16))
	assert.ErrorIs(t, err, ErrNotPosted)
}

func TestReverseIntoClosedPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "500.00", "500.00")
	posted, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	f.repo.periods[0].IsClosed = true
	_, err = f.svc.Reverse(ctx, posted.ID, "auditor", date(2026, 1, 20))
	assert.ErrorIs(t, err, periods.ErrNoOpenPeriod)

	// Dating the reversal into the open successor works.
	_, err = f.svc.Reverse(ctx, posted.ID, "auditor", date(2026, 2, 10))
	assert.NoError(t, err)
}

func TestAddLineGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	_, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	// Posted entries are immutable.
	_, err = f.svc.AddLine(ctx, entry.ID, LineIntent{AccountCode: "1000", Amount: amount("1.00"), Side: accounts.SideDebit})
	assert.ErrorIs(t, err, ErrEntryNotDraft)

	// Unknown account is rejected before any storage work.
	draft, err := f.svc.CreateDraft(ctx, DraftInput{Date: date(2026, 1, 16)})
	require.NoError(t, err)
	_, err = f.svc.AddLine(ctx, draft.ID, LineIntent{AccountCode: "9999", Amount: amount("1.00"), Side: accounts.SideDebit})
	assert.ErrorIs(t, err, accounts.ErrNotFound)

	// Zero and negative amounts never reach the repository.
	_, err = f.svc.AddLine(ctx, draft.ID, LineIntent{AccountCode: "1000", Amount: decimal.Zero, Side: accounts.SideDebit})
	assert.Error(t, err)
	_, err = f.svc.AddLine(ctx, draft.ID, LineIntent{AccountCode: "1000", Amount: amount("-5.00"), Side: accounts.SideDebit})
	assert.Error(t, err)
}

func TestDiscardDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	require.NoError(t, f.svc.DiscardDraft(ctx, entry.ID))

	_, err := f.svc.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Posted entries cannot be discarded.
	posted := f.draftWithLines(t, date(2026, 1, 16), "100.00", "100.00")
	_, err = f.svc.Post(ctx, posted.ID, "clerk")
	require.NoError(t, err)
	err = f.svc.DiscardDraft(ctx, posted.ID)
	assert.ErrorIs(t, err, ErrEntryNotDraft)
}

func TestRemoveLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "100.00", "100.00")
	got, err := f.svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)

	require.NoError(t, f.svc.RemoveLine(ctx, entry.ID, got.Lines[0].ID))
	got, err = f.svc.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Len(t, got.Lines, 1)

	err = f.svc.RemoveLine(ctx, entry.ID, 999)
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestApplyBalancesIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.draftWithLines(t, date(2026, 1, 15), "500.00", "500.00")
	posted, err := f.svc.Post(ctx, entry.ID, "clerk")
	require.NoError(t, err)

	// Re-applying the same posting id is a no-op.
	err = f.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ApplyBalances(ctx, posted.PostingID, posted.ID, movements(posted.Lines))
	})
	require.NoError(t, err)
	assert.True(t, f.repo.balances[1].Equal(amount("500.00")))
}

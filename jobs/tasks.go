package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/balances"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity replays the journal against cached balances.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskLedgerRebuild resets cached balances from replay and clears faults.
	TaskLedgerRebuild = "ledger:rebuild"
)

// RebuildPayload carries the actor attributed to an administrative rebuild.
type RebuildPayload struct {
	Actor string `json:"actor"`
}

// NewIntegrityTask constructs the periodic integrity sweep task.
func NewIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

// NewRebuildTask constructs a balance rebuild task.
func NewRebuildTask(payload RebuildPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerRebuild, data), nil
}

// Ledger is the balance service surface the jobs consume.
type Ledger interface {
	Verify(ctx context.Context) ([]balances.Mismatch, error)
	Rebuild(ctx context.Context, actor string) (int64, error)
}

// LedgerTasks bundles handlers around the balance service.
type LedgerTasks struct {
	ledger Ledger
	logger *slog.Logger
}

// NewLedgerTasks constructs the ledger task handlers.
func NewLedgerTasks(ledger Ledger, logger *slog.Logger) *LedgerTasks {
	return &LedgerTasks{ledger: ledger, logger: logger}
}

// HandleIntegrity processes TaskLedgerIntegrity tasks. Mismatches are recorded
// as faults by the service; the job only reports, it never repairs.
func (t *LedgerTasks) HandleIntegrity(ctx context.Context, _ *asynq.Task) error {
	mismatches, err := t.ledger.Verify(ctx)
	if err != nil && !errors.Is(err, balances.ErrIntegrityViolation) {
		return err
	}
	if len(mismatches) > 0 {
		t.logger.Warn("ledger integrity sweep found mismatches",
			slog.String("job", TaskLedgerIntegrity),
			slog.Int("mismatches", len(mismatches)))
		return nil
	}
	t.logger.Info("ledger integrity sweep clean", slog.String("job", TaskLedgerIntegrity))
	return nil
}

// HandleRebuild processes TaskLedgerRebuild tasks.
func (t *LedgerTasks) HandleRebuild(ctx context.Context, task *asynq.Task) error {
	var payload RebuildPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Actor == "" {
		payload.Actor = "system"
	}
	affected, err := t.ledger.Rebuild(ctx, payload.Actor)
	if err != nil {
		return err
	}
	t.logger.Info("ledger balances rebuilt",
		slog.String("job", TaskLedgerRebuild),
		slog.Int64("accounts", affected))
	return nil
}

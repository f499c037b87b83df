// ABOUTME: Failed-message reconciliation job
// ABOUTME: Marks outgoing interactions stuck in a transient send state as failed after a restart

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-messenger/internal/storage"
)

// FailedMessagesJob reconciles outgoing interactions that the process died
// underneath: anything still in sending or attempting_out from before
// process start can never complete and is marked failed — never silently
// dropped, so the UI can offer retry.
//
// The job is idempotent. Each transition runs in its own write
// transaction, so an interrupted run leaves already-marked interactions
// done and the rest for the next run.
type FailedMessagesJob struct {
	db           *storage.DB
	processStart time.Time
	logger       *slog.Logger
}

// NewFailedMessagesJob creates the job. processStart is the cutoff:
// interactions newer than it belong to in-flight sends and are left alone.
func NewFailedMessagesJob(db *storage.DB, processStart time.Time, logger *slog.Logger) *FailedMessagesJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailedMessagesJob{
		db:           db,
		processStart: processStart,
		logger:       logger.With("component", "failed_messages_job"),
	}
}

// BlockingRegisterExtensions registers the job's index synchronously.
// Production registration happens in the async phase; tests use this to
// avoid waiting on the registration signal.
func (j *FailedMessagesJob) BlockingRegisterExtensions(ctx context.Context) error {
	return j.db.RegisterExtension(ctx, storage.FailedInteractionsIndex())
}

// Run scans for stuck outgoing interactions and marks them failed.
// A missing index means registration is degraded; the job no-ops.
func (j *FailedMessagesJob) Run(ctx context.Context) error {
	keys, err := j.db.StuckOutgoingInteractionKeys(ctx, j.processStart,
		storage.StateSending, storage.StateAttemptingOut)
	if errors.Is(err, storage.ErrExtensionNotRegistered) {
		j.logger.Warn("failed-interactions index not registered, skipping run")
		return nil
	}
	if err != nil {
		return err
	}

	marked := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := j.markFailed(ctx, key); err != nil {
			// Per-record recoverable: log and leave the interaction for
			// the next run rather than blocking the rest of the scan.
			j.logger.Error("marking interaction failed", "interaction_id", key, "error", err)
			continue
		}
		marked++
	}

	if marked > 0 {
		j.logger.Info("reconciled stuck outgoing interactions", "count", marked)
	}
	return nil
}

func (j *FailedMessagesJob) markFailed(ctx context.Context, id string) error {
	return j.db.Write(ctx, func(tx *sql.Tx) error {
		in, err := j.db.Interaction(ctx, tx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Re-check inside the transaction; an earlier partial run or a
		// concurrent send may already have moved the state on.
		if in.State != storage.StateSending && in.State != storage.StateAttemptingOut {
			return nil
		}
		in.State = storage.StateFailed
		return j.db.SaveInteraction(ctx, tx, in)
	})
}

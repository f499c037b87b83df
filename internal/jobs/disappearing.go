// ABOUTME: Disappearing-messages finder
// ABOUTME: Deletes interactions whose expiry deadline has passed, never before

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-messenger/internal/storage"
)

// DisappearingMessagesJob deletes interactions whose expiry timestamp has
// been reached. It runs on every foreground transition and on a timer the
// scheduler arms from NextExpiry, so deletions happen close to their
// deadline instead of on a coarse polling interval.
//
// Idempotent: deleting an already-deleted interaction is a no-op, and an
// interaction is never deleted before now >= expiry.
type DisappearingMessagesJob struct {
	db     *storage.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewDisappearingMessagesJob creates the finder. now is injectable for
// tests; pass nil for time.Now.
func NewDisappearingMessagesJob(db *storage.DB, now func() time.Time, logger *slog.Logger) *DisappearingMessagesJob {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DisappearingMessagesJob{
		db:     db,
		now:    now,
		logger: logger.With("component", "disappearing_job"),
	}
}

// BlockingRegisterExtensions registers the job's index synchronously, for
// tests. Production registration happens in the async phase.
func (j *DisappearingMessagesJob) BlockingRegisterExtensions(ctx context.Context) error {
	return j.db.RegisterExtension(ctx, storage.ExpiringInteractionsIndex())
}

// Run deletes every interaction whose expiry is at or before now.
// No expired interactions in the window is a safe no-op.
func (j *DisappearingMessagesJob) Run(ctx context.Context) error {
	now := j.now()
	keys, err := j.db.ExpiredInteractionKeys(ctx, now)
	if errors.Is(err, storage.ErrExtensionNotRegistered) {
		j.logger.Warn("expiring-interactions index not registered, skipping run")
		return nil
	}
	if err != nil {
		return err
	}

	deleted := 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := j.deleteExpired(ctx, key, now); err != nil {
			j.logger.Error("deleting expired interaction", "interaction_id", key, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		j.logger.Info("deleted expired interactions", "count", deleted)
	}
	return nil
}

func (j *DisappearingMessagesJob) deleteExpired(ctx context.Context, id string, now time.Time) error {
	return j.db.Write(ctx, func(tx *sql.Tx) error {
		in, err := j.db.Interaction(ctx, tx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Re-check the deadline inside the transaction: the record may
		// have been rewritten with a later expiry since the index scan.
		if !in.Expired(now) {
			return nil
		}
		return j.db.DeleteInteraction(ctx, tx, id)
	})
}

// NextExpiry returns the soonest upcoming expiry deadline, if any.
// The scheduler uses it to arm the next timer.
func (j *DisappearingMessagesJob) NextExpiry(ctx context.Context) (time.Time, bool, error) {
	deadline, ok, err := j.db.NextExpiry(ctx, j.now())
	if errors.Is(err, storage.ErrExtensionNotRegistered) {
		return time.Time{}, false, nil
	}
	return deadline, ok, err
}

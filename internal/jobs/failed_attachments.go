// ABOUTME: Failed-attachment-download reconciliation job
// ABOUTME: Marks attachments stuck in downloading at process start as failed for manual retry

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/2389/coven-messenger/internal/storage"
)

// FailedAttachmentsJob reconciles attachment pointers whose download was
// in flight when the process died. An attachment found in the downloading
// state during a reconcile pass is marked failed so the UI can offer a
// manual retry; the download manager re-marks active downloads when it
// resumes them, so a reconcile pass only ever sees abandoned ones.
//
// Idempotent: a second run finds nothing in downloading and is a no-op.
type FailedAttachmentsJob struct {
	db     *storage.DB
	logger *slog.Logger
}

func NewFailedAttachmentsJob(db *storage.DB, logger *slog.Logger) *FailedAttachmentsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailedAttachmentsJob{
		db:     db,
		logger: logger.With("component", "failed_attachments_job"),
	}
}

// BlockingRegisterExtensions registers the job's index synchronously, for
// tests. Production registration happens in the async phase.
func (j *FailedAttachmentsJob) BlockingRegisterExtensions(ctx context.Context) error {
	return j.db.RegisterExtension(ctx, storage.PendingAttachmentsIndex())
}

// Run scans for downloading attachments and marks them failed
func (j *FailedAttachmentsJob) Run(ctx context.Context) error {
	keys, err := j.db.AttachmentKeysInState(ctx, storage.AttachmentDownloading)
	if errors.Is(err, storage.ErrExtensionNotRegistered) {
		j.logger.Warn("pending-attachments index not registered, skipping run")
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
			j.logger.Error("marking attachment failed", "attachment_id", key, "error", err)
			continue
		}
		marked++
	}

	if marked > 0 {
		j.logger.Info("reconciled stalled attachment downloads", "count", marked)
	}
	return nil
}

func (j *FailedAttachmentsJob) markFailed(ctx context.Context, id string) error {
	return j.db.Write(ctx, func(tx *sql.Tx) error {
		a, err := j.db.Attachment(ctx, tx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if a.State != storage.AttachmentDownloading {
			return nil
		}
		a.State = storage.AttachmentFailed
		return j.db.SaveAttachment(ctx, tx, a)
	})
}

// ABOUTME: Tests for failed-attachment-download reconciliation
// ABOUTME: Verifies downloading pointers fail terminally and other states persist

package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/storage"
)

func attachment(id string, state storage.AttachmentState) *storage.AttachmentPointer {
	return &storage.AttachmentPointer{
		ID:            id,
		InteractionID: "i1",
		ContentType:   "image/jpeg",
		State:         state,
		CreatedAt:     time.Now().Add(-time.Minute),
	}
}

func getAttachment(t *testing.T, db *storage.DB, id string) *storage.AttachmentPointer {
	t.Helper()
	ctx := context.Background()
	var a *storage.AttachmentPointer
	require.NoError(t, db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = db.Attachment(ctx, tx, id)
		return err
	}))
	return a
}

func TestFailedAttachmentsJob_MarksDownloading(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	mustSaveAttachment(t, db, attachment("interrupted", storage.AttachmentDownloading))
	mustSaveAttachment(t, db, attachment("queued", storage.AttachmentPending))
	mustSaveAttachment(t, db, attachment("done", storage.AttachmentDownloaded))

	job := NewFailedAttachmentsJob(db, nil)
	require.NoError(t, job.BlockingRegisterExtensions(ctx))
	require.NoError(t, job.Run(ctx))

	assert.Equal(t, storage.AttachmentFailed, getAttachment(t, db, "interrupted").State)
	assert.Equal(t, storage.AttachmentPending, getAttachment(t, db, "queued").State)
	assert.Equal(t, storage.AttachmentDownloaded, getAttachment(t, db, "done").State)
}

func TestFailedAttachmentsJob_Idempotent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	mustSaveAttachment(t, db, attachment("interrupted", storage.AttachmentDownloading))

	job := NewFailedAttachmentsJob(db, nil)
	require.NoError(t, job.BlockingRegisterExtensions(ctx))

	require.NoError(t, job.Run(ctx))
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, storage.AttachmentFailed, getAttachment(t, db, "interrupted").State)
}

func TestFailedAttachmentsJob_UnregisteredIndexNoOps(t *testing.T) {
	db := newTestStore(t)
	job := NewFailedAttachmentsJob(db, nil)
	assert.NoError(t, job.Run(context.Background()))
}

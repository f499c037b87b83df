// ABOUTME: Shared helpers for maintenance-job tests
// ABOUTME: Builds a registered store per test case and seeds records

package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/storage"
)

// newTestStore opens a store with sync extensions registered. Jobs under
// test register their own extensions via BlockingRegisterExtensions.
func newTestStore(t *testing.T) *storage.DB {
	t.Helper()
	m, err := storage.NewManager(storage.Options{SharedDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	ctx := context.Background()
	require.NoError(t, m.Open(ctx))
	require.NoError(t, m.RunSyncRegistrations(ctx))
	return m.DB()
}

func mustSaveInteraction(t *testing.T, db *storage.DB, in *storage.Interaction) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *sql.Tx) error {
		return db.SaveInteraction(ctx, tx, in)
	}))
}

func mustSaveAttachment(t *testing.T, db *storage.DB, a *storage.AttachmentPointer) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *sql.Tx) error {
		return db.SaveAttachment(ctx, tx, a)
	}))
}

func mustSaveEnvelope(t *testing.T, db *storage.DB, e *storage.Envelope) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.Write(ctx, func(tx *sql.Tx) error {
		return db.SaveEnvelope(ctx, tx, e)
	}))
}

func getInteraction(t *testing.T, db *storage.DB, id string) (*storage.Interaction, error) {
	t.Helper()
	ctx := context.Background()
	var in *storage.Interaction
	err := db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		in, err = db.Interaction(ctx, tx, id)
		return err
	})
	return in, err
}

func getEnvelope(t *testing.T, db *storage.DB, id string) *storage.Envelope {
	t.Helper()
	ctx := context.Background()
	var e *storage.Envelope
	require.NoError(t, db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = db.Envelope(ctx, tx, id)
		return err
	}))
	return e
}

func outgoingInteraction(id string, state storage.InteractionState, ts time.Time) *storage.Interaction {
	return &storage.Interaction{
		ID:        id,
		ThreadID:  "thread-1",
		Direction: storage.DirectionOutgoing,
		State:     state,
		Kind:      storage.KindMessage,
		Body:      "hello",
		Timestamp: ts,
	}
}

// ABOUTME: Tests for failed-message reconciliation after a simulated restart
// ABOUTME: Verifies terminal transitions, idempotence, and degraded-mode no-op

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/storage"
)

func TestFailedMessagesJob_MarksStuckInteractions(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	processStart := time.Now()
	before := processStart.Add(-time.Minute)

	// Interactions left behind by the previous process
	mustSaveInteraction(t, db, outgoingInteraction("stuck-sending", storage.StateSending, before))
	mustSaveInteraction(t, db, outgoingInteraction("stuck-attempting", storage.StateAttemptingOut, before))
	// Already terminal, must not change
	mustSaveInteraction(t, db, outgoingInteraction("delivered", storage.StateSent, before))
	// In-flight send from this process, must not change
	mustSaveInteraction(t, db, outgoingInteraction("in-flight", storage.StateSending, processStart.Add(time.Second)))

	job := NewFailedMessagesJob(db, processStart, nil)
	require.NoError(t, job.BlockingRegisterExtensions(ctx))
	require.NoError(t, job.Run(ctx))

	for id, want := range map[string]storage.InteractionState{
		"stuck-sending":    storage.StateFailed,
		"stuck-attempting": storage.StateFailed,
		"delivered":        storage.StateSent,
		"in-flight":        storage.StateSending,
	} {
		in, err := getInteraction(t, db, id)
		require.NoError(t, err)
		assert.Equal(t, want, in.State, "interaction %s", id)
	}
}

func TestFailedMessagesJob_Idempotent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	processStart := time.Now()
	mustSaveInteraction(t, db, outgoingInteraction("stuck", storage.StateSending, processStart.Add(-time.Minute)))

	job := NewFailedMessagesJob(db, processStart, nil)
	require.NoError(t, job.BlockingRegisterExtensions(ctx))

	require.NoError(t, job.Run(ctx))
	in, err := getInteraction(t, db, "stuck")
	require.NoError(t, err)
	require.Equal(t, storage.StateFailed, in.State)

	// Second run: no further transition, no crash
	require.NoError(t, job.Run(ctx))
	in, err = getInteraction(t, db, "stuck")
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, in.State)
}

func TestFailedMessagesJob_UnregisteredIndexNoOps(t *testing.T) {
	db := newTestStore(t)

	job := NewFailedMessagesJob(db, time.Now(), nil)
	// Extension never registered: the job must skip, not crash.
	assert.NoError(t, job.Run(context.Background()))
}

// ABOUTME: Tests for the incoming-message finder
// ABOUTME: Covers atomic de-dup of envelope ids, caching, and marker pruning

package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/storage"
)

func newTestFinder(t *testing.T, cache *dedupe.Cache) *IncomingMessageFinder {
	t.Helper()
	db := newTestStore(t)
	f := NewIncomingMessageFinder(db, cache, nil)
	require.NoError(t, f.BlockingRegisterExtensions(context.Background()))
	return f
}

func TestIncomingMessageFinder_CheckAndMark(t *testing.T) {
	f := newTestFinder(t, nil)
	ctx := context.Background()
	ts := time.Now()

	dup, err := f.CheckAndMark(ctx, "+15551234567", ts)
	require.NoError(t, err)
	assert.False(t, dup, "first delivery must be new")

	dup, err = f.CheckAndMark(ctx, "+15551234567", ts)
	require.NoError(t, err)
	assert.True(t, dup, "redelivery must be a duplicate")

	// A different timestamp from the same source is a distinct envelope.
	dup, err = f.CheckAndMark(ctx, "+15551234567", ts.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIncomingMessageFinder_CheckAndMarkConcurrent(t *testing.T) {
	f := newTestFinder(t, nil)
	ctx := context.Background()
	ts := time.Now()

	const callers = 8
	results := make([]bool, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.CheckAndMark(ctx, "race-source", ts)
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i, dup := range results {
		require.NoError(t, errs[i])
		if !dup {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount, "exactly one caller may win the mark")
}

func TestIncomingMessageFinder_WasReceived(t *testing.T) {
	f := newTestFinder(t, nil)
	ctx := context.Background()
	ts := time.Now()

	seen, err := f.WasReceived(ctx, "alice", ts)
	require.NoError(t, err)
	assert.False(t, seen)

	// WasReceived never marks.
	seen, err = f.WasReceived(ctx, "alice", ts)
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = f.CheckAndMark(ctx, "alice", ts)
	require.NoError(t, err)

	seen, err = f.WasReceived(ctx, "alice", ts)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestIncomingMessageFinder_CacheFrontsDurableIndex(t *testing.T) {
	cache := dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxEntries)
	defer cache.Close()
	f := newTestFinder(t, cache)
	ctx := context.Background()
	ts := time.Now()

	_, err := f.CheckAndMark(ctx, "bob", ts)
	require.NoError(t, err)
	assert.True(t, cache.Check(storage.EnvelopeKey("bob", ts)),
		"durable mark must populate the cache")

	dup, err := f.CheckAndMark(ctx, "bob", ts)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestIncomingMessageFinder_PruneMarkers(t *testing.T) {
	f := newTestFinder(t, nil)
	ctx := context.Background()

	old := time.Now().Add(-markerRetention - time.Hour)
	recent := time.Now()
	_, err := f.CheckAndMark(ctx, "carol", old)
	require.NoError(t, err)
	_, err = f.CheckAndMark(ctx, "carol", recent)
	require.NoError(t, err)

	require.NoError(t, f.PruneMarkers(ctx))

	seen, err := f.WasReceived(ctx, "carol", old)
	require.NoError(t, err)
	assert.False(t, seen, "aged-out marker must be pruned")
	seen, err = f.WasReceived(ctx, "carol", recent)
	require.NoError(t, err)
	assert.True(t, seen, "marker inside the retention window must survive")
}

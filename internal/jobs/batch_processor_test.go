// ABOUTME: Tests for the batch incoming-message processor
// ABOUTME: Covers full drains, per-envelope failure isolation, and retry accounting

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/storage"
)

// fakeDecryptor decrypts ciphertext as plain UTF-8 and fails any envelope
// whose id is in the poison set.
type fakeDecryptor struct {
	poison map[string]bool
	calls  int
}

func (d *fakeDecryptor) Decrypt(_ context.Context, e *storage.Envelope) (*DecryptedMessage, error) {
	d.calls++
	if d.poison[e.ID] {
		return nil, errors.New("session corrupt")
	}
	return &DecryptedMessage{
		ThreadID:  "thread-" + e.Source,
		Body:      string(e.Ciphertext),
		Timestamp: e.Timestamp,
	}, nil
}

func queueEnvelope(t *testing.T, db *storage.DB, id, source, body string, ts time.Time) {
	t.Helper()
	mustSaveEnvelope(t, db, &storage.Envelope{
		ID:         id,
		Source:     source,
		Timestamp:  ts,
		ReceivedAt: time.Now(),
		Ciphertext: []byte(body),
	})
}

func countUnprocessed(t *testing.T, db *storage.DB) int {
	t.Helper()
	envelopes, err := db.UnprocessedEnvelopes(context.Background(), 0)
	require.NoError(t, err)
	return len(envelopes)
}

func TestBatchProcessor_DrainsQueue(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	dec := &fakeDecryptor{}
	p := NewBatchProcessor(db, dec, 2, nil, nil)

	base := time.Now()
	for i := 0; i < 5; i++ {
		queueEnvelope(t, db, fmt.Sprintf("env-%d", i), "alice", fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
	}

	processed, failed, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, countUnprocessed(t, db))

	// All five landed in the sender's thread, newest first.
	threads, err := db.ThreadsByRecency(ctx, 0)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "thread-alice", threads[0].ID)
	interactions, err := db.ThreadInteractions(ctx, "thread-alice", 0)
	require.NoError(t, err)
	require.Len(t, interactions, 5)
	assert.Equal(t, "msg 0", interactions[0].Body)
	assert.Equal(t, "msg 4", interactions[4].Body)
}

func TestBatchProcessor_PoisonEnvelopeIsolation(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	dec := &fakeDecryptor{poison: map[string]bool{"env-3": true}}
	p := NewBatchProcessor(db, dec, 5, nil, nil)

	base := time.Now()
	for i := 1; i <= 5; i++ {
		queueEnvelope(t, db, fmt.Sprintf("env-%d", i), "bob", fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
	}

	processed, failed, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, processed)
	assert.Equal(t, 1, failed)

	// The poison envelope stays queued with one recorded attempt; the
	// rest of the batch committed.
	e := getEnvelope(t, db, "env-3")
	assert.False(t, e.Processed)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "session corrupt")
	interactions, err := db.ThreadInteractions(ctx, "thread-bob", 0)
	require.NoError(t, err)
	assert.Len(t, interactions, 4)

	// Next run retries only the poison envelope; once the session heals
	// it drains.
	dec.poison = nil
	processed, failed, err = p.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, countUnprocessed(t, db))
	e = getEnvelope(t, db, "env-3")
	assert.True(t, e.Processed)
	assert.Empty(t, e.LastError)
}

func TestBatchProcessor_AttemptsAccumulateAcrossRuns(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	dec := &fakeDecryptor{poison: map[string]bool{"stuck": true}}
	p := NewBatchProcessor(db, dec, 0, nil, nil)

	queueEnvelope(t, db, "stuck", "mallory", "??", time.Now())

	for run := 1; run <= 3; run++ {
		_, failed, err := p.ProcessPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, failed)
		e := getEnvelope(t, db, "stuck")
		assert.Equal(t, run, e.Attempts, "one attempt per run")
	}
}

func TestBatchProcessor_EmptyQueueNoOps(t *testing.T) {
	db := newTestStore(t)
	dec := &fakeDecryptor{}
	p := NewBatchProcessor(db, dec, 0, nil, nil)

	processed, failed, err := p.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, failed)
	assert.Zero(t, dec.calls)
}

func TestBatchProcessor_ExpiringMessageGetsDeadline(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dec := expiringDecryptor{ttl: time.Hour}
	p := NewBatchProcessor(db, dec, 0, func() time.Time { return now }, nil)
	queueEnvelope(t, db, "env-exp", "dana", "burn after reading", now)

	processed, _, err := p.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	interactions, err := db.ThreadInteractions(ctx, "thread-dana", 0)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	found := interactions[0]
	require.NotNil(t, found.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), found.ExpiresAt.UnixMilli())
	assert.True(t, strings.HasPrefix(found.Body, "burn"))
}

type expiringDecryptor struct {
	ttl time.Duration
}

func (d expiringDecryptor) Decrypt(_ context.Context, e *storage.Envelope) (*DecryptedMessage, error) {
	return &DecryptedMessage{
		ThreadID:  "thread-" + e.Source,
		Body:      string(e.Ciphertext),
		Timestamp: e.Timestamp,
		ExpiresIn: d.ttl,
	}, nil
}

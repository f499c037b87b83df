// ABOUTME: Incoming-message finder for duplicate-envelope detection
// ABOUTME: Atomic test-and-mark of envelope ids against the durable de-dup index

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/storage"
)

// markerRetention bounds how long seen-envelope markers are kept. The
// network layer never redelivers envelopes older than this.
const markerRetention = 90 * 24 * time.Hour

// IncomingMessageFinder answers "has this envelope id been seen before"
// for the network layer. CheckAndMark is atomic: given the same envelope
// id submitted twice, exactly one call returns new and one returns
// duplicate, regardless of ordering or concurrency — the write
// connection's serialization is the arbiter for the durable check.
//
// An in-memory TTL cache fronts the durable index so the common
// redelivery-within-minutes case never reaches the database.
type IncomingMessageFinder struct {
	db     *storage.DB
	cache  *dedupe.Cache
	logger *slog.Logger
}

// NewIncomingMessageFinder creates the finder. cache may be nil to skip
// the in-memory front.
func NewIncomingMessageFinder(db *storage.DB, cache *dedupe.Cache, logger *slog.Logger) *IncomingMessageFinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncomingMessageFinder{
		db:     db,
		cache:  cache,
		logger: logger.With("component", "incoming_finder"),
	}
}

// BlockingRegisterExtensions registers the finder's index synchronously,
// for tests. Production registration happens in the async phase.
func (f *IncomingMessageFinder) BlockingRegisterExtensions(ctx context.Context) error {
	return f.db.RegisterExtension(ctx, storage.EnvelopeDedupIndex())
}

// WasReceived reports whether the envelope id has been marked, without
// marking it.
func (f *IncomingMessageFinder) WasReceived(ctx context.Context, source string, timestamp time.Time) (bool, error) {
	key := storage.EnvelopeKey(source, timestamp)
	if f.cache != nil && f.cache.Check(key) {
		return true, nil
	}

	var seen bool
	err := f.db.Read(ctx, func(tx *sql.Tx) error {
		exists, err := f.db.RecordExists(ctx, tx, storage.CollectionSeenEnvelope, key)
		seen = exists
		return err
	})
	return seen, err
}

// CheckAndMark atomically tests whether the envelope id was already seen
// and, if not, durably marks it. Returns true for a duplicate.
func (f *IncomingMessageFinder) CheckAndMark(ctx context.Context, source string, timestamp time.Time) (bool, error) {
	key := storage.EnvelopeKey(source, timestamp)

	// Cache hit is authoritative for "duplicate": entries are only added
	// after the durable mark succeeds.
	if f.cache != nil && f.cache.Check(key) {
		return true, nil
	}

	duplicate := false
	err := f.db.Write(ctx, func(tx *sql.Tx) error {
		exists, err := f.db.RecordExists(ctx, tx, storage.CollectionSeenEnvelope, key)
		if err != nil {
			return err
		}
		if exists {
			duplicate = true
			return nil
		}
		return f.db.PutRecord(ctx, tx, storage.CollectionSeenEnvelope, key, &storage.SeenEnvelope{
			Key:        key,
			Source:     source,
			Timestamp:  timestamp,
			RecordedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return false, err
	}

	if f.cache != nil {
		f.cache.Mark(key)
	}
	return duplicate, nil
}

// PruneMarkers removes seen-envelope markers older than the retention
// window, one write transaction per marker so interruption loses nothing.
func (f *IncomingMessageFinder) PruneMarkers(ctx context.Context) error {
	cutoff := time.Now().Add(-markerRetention)
	keys, err := f.db.SeenEnvelopeKeysBefore(ctx, cutoff)
	if errors.Is(err, storage.ErrExtensionNotRegistered) {
		f.logger.Warn("envelope-dedup index not registered, skipping prune")
		return nil
	}
	if err != nil {
		return err
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := f.db.Write(ctx, func(tx *sql.Tx) error {
			return f.db.DeleteRecord(ctx, tx, storage.CollectionSeenEnvelope, key)
		}); err != nil {
			f.logger.Error("pruning seen-envelope marker", "key", key, "error", err)
		}
	}

	if len(keys) > 0 {
		f.logger.Debug("pruned seen-envelope markers", "count", len(keys))
	}
	return nil
}

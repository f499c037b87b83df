// ABOUTME: Typed queries over registered views and indexes
// ABOUTME: Every query fails with ErrExtensionNotRegistered when its extension is absent

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

func (d *DB) requireExtension(name string) error {
	if !d.registry.Registered(name) {
		return fmt.Errorf("%w: %s", ErrExtensionNotRegistered, name)
	}
	return nil
}

// viewKeys returns record keys for one group of a grouped view, ordered by
// sort key ascending.
func (d *DB) viewKeys(ctx context.Context, tx *sql.Tx, viewName, group string, limit int) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT key FROM view_%s WHERE grp = ? ORDER BY sort_key ASC", viewName)
	args := []any{group}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying view %s: %w", viewName, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning view %s row: %w", viewName, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ThreadsByRecency returns threads ordered by most recent activity.
// Requires the thread-recency view (sync).
func (d *DB) ThreadsByRecency(ctx context.Context, limit int) ([]*Thread, error) {
	if err := d.requireExtension(ExtThreadRecency); err != nil {
		return nil, err
	}

	var threads []*Thread
	err := d.Read(ctx, func(tx *sql.Tx) error {
		keys, err := d.viewKeys(ctx, tx, ExtThreadRecency, groupAll, limit)
		if err != nil {
			return err
		}
		for _, key := range keys {
			t, err := d.Thread(ctx, tx, key)
			if err != nil {
				return err
			}
			threads = append(threads, t)
		}
		return nil
	})
	return threads, err
}

// ThreadInteractions returns a thread's interactions in timestamp order.
// Requires the thread-interactions view (sync).
func (d *DB) ThreadInteractions(ctx context.Context, threadID string, limit int) ([]*Interaction, error) {
	if err := d.requireExtension(ExtThreadInteractions); err != nil {
		return nil, err
	}
	return d.interactionsInGroup(ctx, ExtThreadInteractions, threadID, limit)
}

// UnseenInteractions returns a thread's unseen incoming interactions.
// Requires the unseen-interactions view (async).
func (d *DB) UnseenInteractions(ctx context.Context, threadID string, limit int) ([]*Interaction, error) {
	if err := d.requireExtension(ExtUnseenInteractions); err != nil {
		return nil, err
	}
	return d.interactionsInGroup(ctx, ExtUnseenInteractions, threadID, limit)
}

// OutgoingInteractions returns a thread's outgoing interactions, oldest
// first. Requires the outgoing-by-thread view (async).
func (d *DB) OutgoingInteractions(ctx context.Context, threadID string, limit int) ([]*Interaction, error) {
	if err := d.requireExtension(ExtOutgoingByThread); err != nil {
		return nil, err
	}
	return d.interactionsInGroup(ctx, ExtOutgoingByThread, threadID, limit)
}

// SpecialMessages returns a thread's non-message interactions (calls,
// group updates, verification changes). Requires the special-messages
// view (async).
func (d *DB) SpecialMessages(ctx context.Context, threadID string, limit int) ([]*Interaction, error) {
	if err := d.requireExtension(ExtSpecialMessages); err != nil {
		return nil, err
	}
	return d.interactionsInGroup(ctx, ExtSpecialMessages, threadID, limit)
}

// InteractionKeysByTimestamp returns keys of interactions whose sender
// timestamp falls in [from, to], used by the network layer to find the
// stored counterpart of a quoted or receipted message. Requires the
// interaction-timestamp index (sync).
func (d *DB) InteractionKeysByTimestamp(ctx context.Context, from, to time.Time) ([]string, error) {
	if err := d.requireExtension(ExtInteractionTimestamp); err != nil {
		return nil, err
	}
	return d.indexKeys(ctx,
		"SELECT key FROM ext_interaction_timestamp WHERE ts >= ? AND ts <= ? ORDER BY ts ASC",
		from.UnixMilli(), to.UnixMilli())
}

func (d *DB) interactionsInGroup(ctx context.Context, viewName, group string, limit int) ([]*Interaction, error) {
	var interactions []*Interaction
	err := d.Read(ctx, func(tx *sql.Tx) error {
		keys, err := d.viewKeys(ctx, tx, viewName, group, limit)
		if err != nil {
			return err
		}
		for _, key := range keys {
			in, err := d.Interaction(ctx, tx, key)
			if err != nil {
				return err
			}
			interactions = append(interactions, in)
		}
		return nil
	})
	return interactions, err
}

// UnreadCount returns the number of unseen incoming interactions in a
// thread. Requires the unread-count index (sync).
func (d *DB) UnreadCount(ctx context.Context, threadID string) (int, error) {
	if err := d.requireExtension(ExtUnreadCount); err != nil {
		return 0, err
	}

	var count int
	err := d.Read(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM ext_unread_count WHERE thread_id = ?", threadID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("counting unread interactions: %w", err)
	}
	return count, nil
}

// StuckOutgoingInteractionKeys returns keys of outgoing interactions that
// were still in one of the given transient states before the cutoff.
// Requires the failed-interactions index (async, owned by the
// failed-messages job).
func (d *DB) StuckOutgoingInteractionKeys(ctx context.Context, cutoff time.Time, states ...InteractionState) ([]string, error) {
	if err := d.requireExtension(ExtFailedInteractions); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := ""
	args := make([]any, 0, len(states)+1)
	for i, s := range states {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	args = append(args, cutoff.UnixMilli())

	query := fmt.Sprintf(
		"SELECT key FROM ext_failed_interactions WHERE state IN (%s) AND ts < ? ORDER BY ts ASC",
		placeholders)

	return d.indexKeys(ctx, query, args...)
}

// AttachmentKeysInState returns keys of attachment pointers in the given
// state, oldest first. Requires the pending-attachments index (async,
// owned by the failed-attachments job).
func (d *DB) AttachmentKeysInState(ctx context.Context, state AttachmentState) ([]string, error) {
	if err := d.requireExtension(ExtPendingAttachments); err != nil {
		return nil, err
	}
	return d.indexKeys(ctx,
		"SELECT key FROM ext_pending_attachments WHERE state = ? ORDER BY created ASC",
		string(state))
}

// ExpiredInteractionKeys returns keys of interactions whose expiry deadline
// is at or before now, soonest first. Requires the expiring-interactions
// index (async, owned by the disappearing-messages finder).
func (d *DB) ExpiredInteractionKeys(ctx context.Context, now time.Time) ([]string, error) {
	if err := d.requireExtension(ExtExpiringInteraction); err != nil {
		return nil, err
	}
	return d.indexKeys(ctx,
		"SELECT key FROM ext_expiring_interactions WHERE expires_at <= ? ORDER BY expires_at ASC",
		now.UnixMilli())
}

// NextExpiry returns the soonest expiry deadline strictly after now, if any
// interaction still has one. Requires the expiring-interactions index.
func (d *DB) NextExpiry(ctx context.Context, now time.Time) (time.Time, bool, error) {
	if err := d.requireExtension(ExtExpiringInteraction); err != nil {
		return time.Time{}, false, err
	}

	var ms int64
	err := d.Read(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT expires_at FROM ext_expiring_interactions WHERE expires_at > ? ORDER BY expires_at ASC LIMIT 1",
			now.UnixMilli()).Scan(&ms)
	})
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("finding next expiry: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// UnprocessedEnvelopes returns up to limit envelopes that have not been
// decrypted and stored yet, oldest received first.
func (d *DB) UnprocessedEnvelopes(ctx context.Context, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = 50
	}

	var envelopes []*Envelope
	err := d.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT key, data FROM records
			WHERE collection = ?
		`, CollectionEnvelope)
		if err != nil {
			return fmt.Errorf("querying envelopes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var data []byte
			if err := rows.Scan(&key, &data); err != nil {
				return fmt.Errorf("scanning envelope row: %w", err)
			}
			var e Envelope
			if err := unmarshalRecord(data, &e, CollectionEnvelope, key); err != nil {
				return err
			}
			if e.Processed {
				continue
			}
			envelopes = append(envelopes, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// Keys are opaque ids, so receive order has to come from the payload.
	sort.Slice(envelopes, func(i, j int) bool {
		if envelopes[i].ReceivedAt.Equal(envelopes[j].ReceivedAt) {
			return envelopes[i].ID < envelopes[j].ID
		}
		return envelopes[i].ReceivedAt.Before(envelopes[j].ReceivedAt)
	})
	if len(envelopes) > limit {
		envelopes = envelopes[:limit]
	}
	return envelopes, nil
}

// SeenEnvelopeKeysBefore returns seen-envelope marker keys recorded for
// sender timestamps before the cutoff, used to prune old markers.
// Requires the envelope-dedup index (async, owned by the finder).
func (d *DB) SeenEnvelopeKeysBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := d.requireExtension(ExtEnvelopeDedup); err != nil {
		return nil, err
	}
	return d.indexKeys(ctx,
		"SELECT key FROM ext_envelope_dedup WHERE ts < ?", cutoff.UnixMilli())
}

// Devices returns linked devices in link order. Requires the device-list
// view (async).
func (d *DB) Devices(ctx context.Context) ([]*Device, error) {
	if err := d.requireExtension(ExtDeviceList); err != nil {
		return nil, err
	}

	var devices []*Device
	err := d.Read(ctx, func(tx *sql.Tx) error {
		keys, err := d.viewKeys(ctx, tx, ExtDeviceList, groupAll, 0)
		if err != nil {
			return err
		}
		for _, key := range keys {
			var dev Device
			if err := d.GetRecord(ctx, tx, CollectionDevice, key, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
		}
		return nil
	})
	return devices, err
}

// SearchInteractionKeys returns keys of interactions whose body matches the
// FTS5 query, best match first. Requires the interaction-body full-text
// index (async).
func (d *DB) SearchInteractionKeys(ctx context.Context, query string, limit int) ([]string, error) {
	if err := d.requireExtension(ExtInteractionBody); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return d.indexKeys(ctx,
		"SELECT key FROM fts_interaction_body WHERE fts_interaction_body MATCH ? ORDER BY rank LIMIT ?",
		query, limit)
}

// indexKeys runs a key-returning query inside a read transaction
func (d *DB) indexKeys(ctx context.Context, query string, args ...any) ([]string, error) {
	var keys []string
	err := d.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying index: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return fmt.Errorf("scanning index row: %w", err)
			}
			keys = append(keys, key)
		}
		return rows.Err()
	})
	return keys, err
}

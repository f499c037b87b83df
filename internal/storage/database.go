// ABOUTME: Primary key-value record store over the connection pool
// ABOUTME: Provides record CRUD with extension maintenance and typed accessors

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// DB is the primary record store. Records are opaque, versioned, keyed JSON
// values grouped into collections; every write transaction that touches a
// record also maintains the registered extensions projecting over its
// collection, inside the same transaction.
type DB struct {
	pool     *Pool
	registry *Registry
	logger   *slog.Logger

	// onCommit, when set, runs after every successfully committed write
	// transaction. The Manager wires it to the cross-process notifier.
	onCommit func()
}

// newDB wraps an open pool. The Manager is the only constructor caller.
func newDB(pool *Pool, registry *Registry, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{
		pool:     pool,
		registry: registry,
		logger:   logger.With("component", "db"),
	}

	schema := `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			data       BLOB NOT NULL,
			PRIMARY KEY (collection, key)
		);
	`
	if err := pool.Write(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(schema)
		return err
	}); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}

// Read runs fn in a read-only transaction on the pool's read connection
func (d *DB) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.pool.Read(ctx, fn)
}

// Write runs fn in a read-write transaction and, on commit, fires the
// commit hook so cross-process consumers can invalidate their snapshots.
func (d *DB) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := d.pool.Write(ctx, fn); err != nil {
		return err
	}
	if d.onCommit != nil {
		d.onCommit()
	}
	return nil
}

// RegisterExtension materializes an extension in its own write transaction:
// table creation plus a one-time backfill of existing records. Registering
// an identical definition twice is a no-op.
func (d *DB) RegisterExtension(ctx context.Context, ext *Extension) error {
	return d.Write(ctx, func(tx *sql.Tx) error {
		return d.registry.register(ctx, tx, ext)
	})
}

// ExtensionRegistered reports whether the named extension is available.
// Jobs that depend on an unregistered extension must no-op, not crash.
func (d *DB) ExtensionRegistered(name string) bool {
	return d.registry.Registered(name)
}

// PutRecord marshals v and upserts it at (collection, key) inside tx,
// bumping the record version and maintaining all matching extensions.
func (d *DB) PutRecord(ctx context.Context, tx *sql.Tx, collection, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling record %s/%s: %w", collection, key, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, version, data) VALUES (?, ?, 1, ?)
		ON CONFLICT (collection, key) DO UPDATE SET
			version = version + 1,
			data    = excluded.data
	`, collection, key, data)
	if err != nil {
		return fmt.Errorf("upserting record %s/%s: %w", collection, key, err)
	}

	return d.registry.maintain(ctx, tx, collection, key, data)
}

// DeleteRecord removes the record at (collection, key) and its extension
// entries. Deleting an absent record is a no-op.
func (d *DB) DeleteRecord(ctx context.Context, tx *sql.Tx, collection, key string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND key = ?", collection, key); err != nil {
		return fmt.Errorf("deleting record %s/%s: %w", collection, key, err)
	}
	return d.registry.maintain(ctx, tx, collection, key, nil)
}

// GetRecord unmarshals the record at (collection, key) into v.
// Returns ErrNotFound if the record does not exist.
func (d *DB) GetRecord(ctx context.Context, tx *sql.Tx, collection, key string, v any) error {
	var data []byte
	err := tx.QueryRowContext(ctx,
		"SELECT data FROM records WHERE collection = ? AND key = ?", collection, key).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying record %s/%s: %w", collection, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling record %s/%s: %w", collection, key, err)
	}
	return nil
}

// unmarshalRecord decodes raw record data with a diagnosable error
func unmarshalRecord(data []byte, v any, collection, key string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling record %s/%s: %w", collection, key, err)
	}
	return nil
}

// RecordExists reports whether a record exists at (collection, key)
func (d *DB) RecordExists(ctx context.Context, tx *sql.Tx, collection, key string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		"SELECT 1 FROM records WHERE collection = ? AND key = ?", collection, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking record %s/%s: %w", collection, key, err)
	}
	return true, nil
}

// Typed accessors. These are thin wrappers so callers work with domain
// records instead of collection names.

func (d *DB) SaveThread(ctx context.Context, tx *sql.Tx, t *Thread) error {
	return d.PutRecord(ctx, tx, CollectionThread, t.ID, t)
}

func (d *DB) Thread(ctx context.Context, tx *sql.Tx, id string) (*Thread, error) {
	var t Thread
	if err := d.GetRecord(ctx, tx, CollectionThread, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) SaveInteraction(ctx context.Context, tx *sql.Tx, in *Interaction) error {
	return d.PutRecord(ctx, tx, CollectionInteraction, in.ID, in)
}

func (d *DB) Interaction(ctx context.Context, tx *sql.Tx, id string) (*Interaction, error) {
	var in Interaction
	if err := d.GetRecord(ctx, tx, CollectionInteraction, id, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (d *DB) DeleteInteraction(ctx context.Context, tx *sql.Tx, id string) error {
	return d.DeleteRecord(ctx, tx, CollectionInteraction, id)
}

func (d *DB) SaveAttachment(ctx context.Context, tx *sql.Tx, a *AttachmentPointer) error {
	return d.PutRecord(ctx, tx, CollectionAttachment, a.ID, a)
}

func (d *DB) Attachment(ctx context.Context, tx *sql.Tx, id string) (*AttachmentPointer, error) {
	var a AttachmentPointer
	if err := d.GetRecord(ctx, tx, CollectionAttachment, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *DB) SaveEnvelope(ctx context.Context, tx *sql.Tx, e *Envelope) error {
	return d.PutRecord(ctx, tx, CollectionEnvelope, e.ID, e)
}

func (d *DB) Envelope(ctx context.Context, tx *sql.Tx, id string) (*Envelope, error) {
	var e Envelope
	if err := d.GetRecord(ctx, tx, CollectionEnvelope, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *DB) SaveDevice(ctx context.Context, tx *sql.Tx, dev *Device) error {
	return d.PutRecord(ctx, tx, CollectionDevice, dev.ID, dev)
}

// ABOUTME: Connection pool owning one read and one read-write SQLite connection
// ABOUTME: All transactions in the store run through Pool.Read or Pool.Write

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Pool owns exactly one read connection and one read-write connection to a
// single database file. The write handle serializes writers: at most one
// write transaction commits at a time, others queue on the connection. The
// read handle runs in query_only mode against the WAL snapshot, so readers
// neither block nor are blocked by the writer.
//
// Only the Manager creates and closes a Pool; every other component borrows
// it for the duration of a single transaction.
type Pool struct {
	read   *sql.DB
	write  *sql.DB
	logger *slog.Logger
}

// NewPool opens the read and read-write connections for the database at path.
// WAL journaling and foreign keys are enabled on the write connection; the
// read connection is pinned to query_only mode.
func NewPool(path string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pool")

	write, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening write connection: %w", err)
	}
	// A single underlying connection keeps per-connection pragmas sticky
	// and makes the writer the serialization point.
	write.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := write.Exec(pragma); err != nil {
			write.Close()
			return nil, fmt.Errorf("configuring write connection (%s): %w", pragma, err)
		}
	}

	read, err := sql.Open("sqlite", path)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("opening read connection: %w", err)
	}
	read.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA query_only=ON",
	} {
		if _, err := read.Exec(pragma); err != nil {
			read.Close()
			write.Close()
			return nil, fmt.Errorf("configuring read connection (%s): %w", pragma, err)
		}
	}

	logger.Debug("connection pool opened", "path", path)
	return &Pool{read: read, write: write, logger: logger}, nil
}

// Read runs fn inside a read-only transaction on the read connection.
// The transaction sees a stable snapshot for its whole duration.
func (p *Pool) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.read.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	// Read transactions commit to release the snapshot promptly.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finishing read transaction: %w", err)
	}
	return nil
}

// Write runs fn inside a read-write transaction on the write connection and
// commits it if fn returns nil. On error the transaction is rolled back in
// full; fn must not retain the *sql.Tx beyond its return.
func (p *Pool) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			p.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing write transaction: %w", err)
	}
	return nil
}

// Close closes both connections. The pool must not be used afterwards.
func (p *Pool) Close() error {
	var firstErr error
	if err := p.read.Close(); err != nil {
		firstErr = fmt.Errorf("closing read connection: %w", err)
	}
	if err := p.write.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing write connection: %w", err)
	}
	p.logger.Debug("connection pool closed")
	return firstErr
}

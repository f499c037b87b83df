// Package storage is the local persistent store for the messenger client.
//
// # Architecture
//
// The package is layered, leaves first:
//
//   - Pool: exactly one read and one read-write SQLite connection
//   - DB: the primary record store (opaque versioned JSON records in
//     collections) plus typed accessors and view/index queries
//   - Registry + Extension: derived projections over records (secondary
//     indexes, grouped-sorted views, full-text indexes)
//   - Manager: process-wide lifecycle owner — path resolution, legacy
//     migration, open/reset, and two-phase extension registration
//
// # Two-phase registration
//
// The Manager is an explicit state machine:
//
//	Unopened -> Open -> SyncRegistered -> FullyRegistered
//
// RunSyncRegistrations blocks startup and registers the minimal extension
// set needed to render conversation lists (thread-recency and
// thread-interactions views, unread-count and timestamp indexes).
// RunAsyncRegistrations registers everything else in the background and
// signals completion; components that depend on async-registered
// extensions block in AwaitFullyRegistered rather than polling flags.
//
// Registration is monotonic for the lifetime of a session. An individual
// extension failure is logged and leaves that view absent (degraded mode);
// queries against an absent extension return ErrExtensionNotRegistered so
// callers can no-op instead of crashing.
//
// # Extensions
//
// Extension is a closed tagged variant: exactly one of Index, View or
// FullText is set. Registering an extension creates its backing table and
// backfills it from existing records in one write transaction; afterwards
// every record write maintains matching extensions inside the same
// transaction as the record change.
//
// # File layout and migration
//
// WAL mode means the database is a three-file set: the primary file plus
// -wal and -shm auxiliaries at a fixed filename stem. Open migrates the
// set from the legacy app-private directory to the shared container
// directory exactly once, moving all three files together or failing
// loudly with a per-file error. A split set (an interrupted earlier
// migration) is detected and refused.
//
// # Concurrency
//
// The write connection serializes writers; the read connection runs in
// query_only mode against the WAL snapshot. Components borrow the DB for
// the duration of single transactions and never hold one across a
// suspension point.
//
// # Error handling
//
//   - Fatal: directory creation, migration, out-of-order lifecycle calls
//     (ErrInvalidState) — these abort startup
//   - Degraded: an individual extension fails to register
//   - ErrNotFound for absent records, ErrExtensionNotRegistered for
//     queries against absent extensions
//
// # Key management
//
// At-rest encryption is an explicit collaborator: the Manager consumes a
// KeyProvider (HKDF derivation or NoKey) and logs only a key fingerprint.
package storage

// ABOUTME: Storage manager owning database lifecycle and two-phase extension registration
// ABOUTME: State machine: Unopened -> Open -> SyncRegistered -> FullyRegistered, Reset from any

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389/coven-messenger/internal/notify"
)

// ErrInvalidState is returned when a lifecycle method is called out of
// order — a programming error, fatal per the startup error policy.
var ErrInvalidState = errors.New("storage manager in invalid state for operation")

// State is the storage manager lifecycle state
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateSyncRegistered
	StateFullyRegistered
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateSyncRegistered:
		return "sync_registered"
	case StateFullyRegistered:
		return "fully_registered"
	default:
		return "unknown"
	}
}

// Options configures a Manager
type Options struct {
	// SharedDir is the container directory shared across the app and its
	// extensions. Required.
	SharedDir string
	// LegacyDir is the old app-private directory. When set and a database
	// exists there, Open migrates it to SharedDir first.
	LegacyDir string
	// Filename is the database filename stem. Defaults to "messenger.db".
	Filename string
	// Keys supplies the database encryption key. Defaults to NoKey.
	Keys KeyProvider
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Manager is the single authoritative owner of the database's open/closed
// lifecycle and of connection issuance. One Manager per process; tests
// construct a fresh one per case.
type Manager struct {
	mu sync.Mutex

	opts     Options
	state    State
	pool     *Pool
	db       *DB
	registry *Registry
	notifier *notify.Notifier
	logger   *slog.Logger

	// fullyRegistered closes when async registration completes. Replaced
	// on every Open so a Reset/Open cycle starts a fresh session.
	fullyRegistered chan struct{}
}

// NewManager creates an unopened manager. Call Open before use.
func NewManager(opts Options) (*Manager, error) {
	if opts.SharedDir == "" {
		return nil, fmt.Errorf("storage: SharedDir is required")
	}
	if opts.Filename == "" {
		opts.Filename = "messenger.db"
	}
	if opts.Keys == nil {
		opts.Keys = NoKey{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		state:  StateUnopened,
		logger: opts.Logger.With("component", "storage"),
	}, nil
}

// ResolveDatabasePath returns the shared-container database path, creating
// the directory if absent. Directory creation failure is unrecoverable:
// the app cannot function without a writable store.
func (m *Manager) ResolveDatabasePath() (string, error) {
	if err := os.MkdirAll(m.opts.SharedDir, 0755); err != nil {
		return "", fmt.Errorf("creating database directory %s: %w", m.opts.SharedDir, err)
	}
	return filepath.Join(m.opts.SharedDir, m.opts.Filename), nil
}

// Open initializes the store: it resolves the database path, migrates a
// legacy-location database if one exists, creates the connection pool and
// resets registration state. Idempotent — opening an already-open manager
// returns nil without touching the existing session.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUnopened {
		m.logger.Debug("open called on already-open store", "state", m.state.String())
		return nil
	}

	path, err := m.ResolveDatabasePath()
	if err != nil {
		return err
	}

	if err := migrateLegacyToShared(m.opts.LegacyDir, m.opts.SharedDir, m.opts.Filename, m.logger); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	key, err := m.opts.Keys.DatabaseKey()
	if err != nil {
		return fmt.Errorf("resolving database key: %w", err)
	}

	pool, err := NewPool(path, m.logger)
	if err != nil {
		return err
	}

	registry := NewRegistry(m.logger)
	db, err := newDB(pool, registry, m.logger)
	if err != nil {
		pool.Close()
		return err
	}

	notifier := notify.New(path+"-changed", m.logger)
	db.onCommit = notifier.Publish

	m.pool = pool
	m.registry = registry
	m.db = db
	m.notifier = notifier
	m.fullyRegistered = make(chan struct{})
	m.state = StateOpen

	m.logger.Info("store opened", "path", path, "key_fingerprint", keyFingerprint(key))
	return nil
}

// DB returns the record store. Callers borrow it; only the Manager owns
// the underlying connections.
func (m *Manager) DB() *DB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db
}

// Notifier returns the cross-process change notifier for the open session
func (m *Manager) Notifier() *notify.Notifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifier
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SyncRegistrationsComplete reports whether the sync phase has finished
func (m *Manager) SyncRegistrationsComplete() bool {
	return m.State() >= StateSyncRegistered
}

// AsyncRegistrationsComplete reports whether the async phase has finished.
// True implies SyncRegistrationsComplete.
func (m *Manager) AsyncRegistrationsComplete() bool {
	return m.State() >= StateFullyRegistered
}

// RunSyncRegistrations registers the extensions required to render
// conversation lists and threads. It blocks until every sync extension is
// registered and must complete before any dependent transaction runs.
// Calling it twice in one session is a programming error.
func (m *Manager) RunSyncRegistrations(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateOpen {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: sync registration in state %s", ErrInvalidState, state.String())
	}
	db := m.db
	m.mu.Unlock()

	for _, ext := range SyncExtensions() {
		if err := db.RegisterExtension(ctx, ext); err != nil {
			// Sync extensions gate the initial render; a failure here is
			// degraded mode, not a startup abort.
			m.logger.Error("sync extension registration failed",
				"extension", ext.Name, "error", err)
		}
	}

	m.mu.Lock()
	m.state = StateSyncRegistered
	m.mu.Unlock()

	m.logger.Info("sync registrations complete")
	return nil
}

// RunAsyncRegistrations registers the remaining extensions on a background
// goroutine. Registration interleaves with reads and writes already using
// the sync-registered extensions. onComplete is invoked exactly once, on
// the background goroutine, after all registrations have been attempted.
// Calling before sync registration completes is a programming error.
func (m *Manager) RunAsyncRegistrations(ctx context.Context, onComplete func()) error {
	m.mu.Lock()
	if m.state != StateSyncRegistered {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: async registration in state %s", ErrInvalidState, state.String())
	}
	db := m.db
	done := m.fullyRegistered
	m.mu.Unlock()

	go func() {
		for _, ext := range AsyncExtensions() {
			if err := db.RegisterExtension(ctx, ext); err != nil {
				// Degraded mode: the dependent view stays absent and its
				// consumers no-op. Never aborts the remaining extensions.
				m.logger.Error("async extension registration failed",
					"extension", ext.Name, "error", err)
			}
		}

		m.mu.Lock()
		if m.state == StateSyncRegistered && m.fullyRegistered == done {
			m.state = StateFullyRegistered
			close(done)
		}
		m.mu.Unlock()

		m.logger.Info("async registrations complete")
		if onComplete != nil {
			onComplete()
		}
	}()

	return nil
}

// AwaitFullyRegistered blocks until async registration completes or ctx is
// done. Components that depend on async-registered extensions wait here
// instead of polling completion flags.
func (m *Manager) AwaitFullyRegistered(ctx context.Context) error {
	m.mu.Lock()
	done := m.fullyRegistered
	m.mu.Unlock()

	if done == nil {
		return fmt.Errorf("%w: store not open", ErrInvalidState)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset tears the session down for account wipe/logout: connections are
// invalidated, registration state is discarded, and the database file set
// is removed. A subsequent Open starts registration from scratch.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateUnopened {
		return nil
	}

	if err := m.pool.Close(); err != nil {
		m.logger.Error("closing pool during reset", "error", err)
	}
	if err := m.notifier.Reset(); err != nil {
		m.logger.Error("removing change marker during reset", "error", err)
	}

	for _, path := range databaseFiles(m.opts.SharedDir, m.opts.Filename) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s during reset: %w", path, err)
		}
	}

	m.pool = nil
	m.db = nil
	m.registry = nil
	m.notifier = nil
	m.fullyRegistered = nil
	m.state = StateUnopened

	m.logger.Info("store reset")
	return nil
}

// Close shuts the session down without wiping the database files. Used at
// process exit; Open after Close behaves like a fresh start.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateUnopened {
		return nil
	}

	err := m.pool.Close()
	m.pool = nil
	m.db = nil
	m.registry = nil
	m.notifier = nil
	m.fullyRegistered = nil
	m.state = StateUnopened

	m.logger.Info("store closed")
	return err
}

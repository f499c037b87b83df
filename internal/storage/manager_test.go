// ABOUTME: Tests for the storage manager lifecycle and two-phase registration
// ABOUTME: Covers open idempotence, registration ordering, await, and reset

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{SharedDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// openRegistered opens a manager and completes both registration phases
func openRegistered(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.RunSyncRegistrations(ctx); err != nil {
		t.Fatalf("RunSyncRegistrations failed: %v", err)
	}
	if err := m.RunAsyncRegistrations(ctx, nil); err != nil {
		t.Fatalf("RunAsyncRegistrations failed: %v", err)
	}
	if err := m.AwaitFullyRegistered(ctx); err != nil {
		t.Fatalf("AwaitFullyRegistered failed: %v", err)
	}
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{SharedDir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "messenger.db")); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if m.State() != StateOpen {
		t.Errorf("state = %s, want open", m.State())
	}
}

func TestOpen_Idempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	db := m.DB()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if m.DB() != db {
		t.Error("second Open replaced the existing DB instance")
	}
}

func TestOpen_CreatesSharedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "container")
	m, err := NewManager(Options{SharedDir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("shared directory was not created")
	}
}

func TestRunSyncRegistrations_Twice(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.RunSyncRegistrations(ctx); err != nil {
		t.Fatalf("first RunSyncRegistrations failed: %v", err)
	}

	err := m.RunSyncRegistrations(ctx)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second RunSyncRegistrations error = %v, want ErrInvalidState", err)
	}
}

func TestRunAsyncRegistrations_BeforeSync(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err := m.RunAsyncRegistrations(ctx, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("RunAsyncRegistrations before sync error = %v, want ErrInvalidState", err)
	}
}

func TestRegistrationOrderingInvariant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if m.SyncRegistrationsComplete() || m.AsyncRegistrationsComplete() {
		t.Fatal("registration flags set before any registration ran")
	}

	if err := m.RunSyncRegistrations(ctx); err != nil {
		t.Fatalf("RunSyncRegistrations failed: %v", err)
	}
	if !m.SyncRegistrationsComplete() {
		t.Error("sync flag not set after sync registration")
	}
	if m.AsyncRegistrationsComplete() {
		t.Error("async flag set before async registration")
	}

	completed := make(chan struct{})
	if err := m.RunAsyncRegistrations(ctx, func() { close(completed) }); err != nil {
		t.Fatalf("RunAsyncRegistrations failed: %v", err)
	}

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("async registration completion signal never fired")
	}

	// asyncRegistrationsComplete implies syncRegistrationsComplete
	if !m.AsyncRegistrationsComplete() || !m.SyncRegistrationsComplete() {
		t.Error("ordering invariant violated after async completion")
	}

	for _, ext := range append(SyncExtensions(), AsyncExtensions()...) {
		if !m.DB().ExtensionRegistered(ext.Name) {
			t.Errorf("extension %s not registered after full registration", ext.Name)
		}
	}
}

func TestAwaitFullyRegistered_ContextCancelled(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := m.AwaitFullyRegistered(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("AwaitFullyRegistered error = %v, want context.Canceled", err)
	}
}

func TestReset_StartsFresh(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{SharedDir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	openRegistered(t, m)

	ctx := context.Background()
	saveThread(t, m.DB(), &Thread{ID: "t1", LastActivityAt: time.Now()})

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if m.State() != StateUnopened {
		t.Errorf("state after reset = %s, want unopened", m.State())
	}
	if _, err := os.Stat(filepath.Join(dir, "messenger.db")); !os.IsNotExist(err) {
		t.Error("database file survived reset")
	}

	// Re-open starts registration from scratch
	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open after reset failed: %v", err)
	}
	if m.SyncRegistrationsComplete() {
		t.Error("registration state survived reset")
	}
	if m.DB().ExtensionRegistered(ExtThreadRecency) {
		t.Error("extension registration survived reset")
	}
	if err := m.RunSyncRegistrations(ctx); err != nil {
		t.Fatalf("RunSyncRegistrations after reset failed: %v", err)
	}

	threads, err := m.DB().ThreadsByRecency(ctx, 10)
	if err != nil {
		t.Fatalf("ThreadsByRecency failed: %v", err)
	}
	if len(threads) != 0 {
		t.Errorf("wiped store still has %d threads", len(threads))
	}
}

func TestWrite_PublishesChangeSignal(t *testing.T) {
	m := newTestManager(t)
	openRegistered(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := m.Notifier()
	before := notifier.Counter()
	signals := notifier.Subscribe(ctx)

	saveThread(t, m.DB(), &Thread{ID: "t-notify", Name: "alice", LastActivityAt: time.Now()})

	select {
	case <-signals:
	case <-time.After(time.Second):
		t.Fatal("committed write never reached the change notifier")
	}
	if notifier.Counter() <= before {
		t.Errorf("counter = %d, want > %d", notifier.Counter(), before)
	}

	path, err := m.ResolveDatabasePath()
	if err != nil {
		t.Fatalf("ResolveDatabasePath failed: %v", err)
	}
	if _, err := os.Stat(path + "-changed"); err != nil {
		t.Errorf("change marker file missing: %v", err)
	}
}

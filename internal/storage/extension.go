// ABOUTME: Extension registry for derived views and indexes over the record store
// ABOUTME: Handles registration, one-time backfill, and incremental maintenance on writes

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrExtensionConflict is returned when an extension name is re-registered
// with a different definition
var ErrExtensionConflict = errors.New("extension already registered with a different definition")

// ErrExtensionNotRegistered is returned by queries that depend on an
// extension that has not (or not yet) been registered
var ErrExtensionNotRegistered = errors.New("extension not registered")

// RegistrationMode declares when an extension is registered during startup
type RegistrationMode int

const (
	// ModeSync extensions block startup; they are required before any
	// dependent transaction may run.
	ModeSync RegistrationMode = iota
	// ModeAsync extensions register in the background after the sync set.
	ModeAsync
)

// ExtensionKind is the closed set of extension variants
type ExtensionKind int

const (
	KindSecondaryIndex ExtensionKind = iota
	KindGroupedView
	KindFullTextIndex
)

func (k ExtensionKind) String() string {
	switch k {
	case KindSecondaryIndex:
		return "index"
	case KindGroupedView:
		return "view"
	case KindFullTextIndex:
		return "fulltext"
	default:
		return "unknown"
	}
}

// IndexColumn describes one indexed column of a secondary index
type IndexColumn struct {
	Name string
	Type string // SQLite column type: TEXT or INTEGER
}

// IndexDefinition extracts typed column values from matching records.
// Extract returns false to leave a record out of the index.
type IndexDefinition struct {
	Collections []string
	Columns     []IndexColumn
	Extract     func(collection, key string, data []byte) (map[string]any, bool)
}

// ViewDefinition groups and sorts matching records. Group returns the group
// key for a record (false to exclude it); SortKey orders records within a
// group.
type ViewDefinition struct {
	Collections []string
	Group       func(collection, key string, data []byte) (string, bool)
	SortKey     func(collection, key string, data []byte) int64
}

// FullTextDefinition extracts searchable text from matching records
type FullTextDefinition struct {
	Collections []string
	Text        func(collection, key string, data []byte) (string, bool)
}

// Extension is a named, derived projection over the record store. Exactly
// one of Index, View or FullText is set, matching Kind.
type Extension struct {
	Name     string
	Mode     RegistrationMode
	Kind     ExtensionKind
	Index    *IndexDefinition
	View     *ViewDefinition
	FullText *FullTextDefinition
}

// collections returns the collections the extension projects over
func (e *Extension) collections() []string {
	switch e.Kind {
	case KindSecondaryIndex:
		return e.Index.Collections
	case KindGroupedView:
		return e.View.Collections
	case KindFullTextIndex:
		return e.FullText.Collections
	}
	return nil
}

// matches reports whether the extension projects over the given collection
func (e *Extension) matches(collection string) bool {
	for _, c := range e.collections() {
		if c == collection {
			return true
		}
	}
	return false
}

// spec returns a structural fingerprint of the definition. Function values
// cannot be compared, so the fingerprint covers kind, collections and
// column shape; re-registering the same name with a different fingerprint
// is a conflict.
func (e *Extension) spec() string {
	parts := []string{e.Kind.String()}
	cols := append([]string(nil), e.collections()...)
	sort.Strings(cols)
	parts = append(parts, cols...)
	if e.Kind == KindSecondaryIndex {
		for _, c := range e.Index.Columns {
			parts = append(parts, c.Name+":"+c.Type)
		}
	}
	return strings.Join(parts, "|")
}

// tableName returns the backing table for the extension
func (e *Extension) tableName() string {
	switch e.Kind {
	case KindSecondaryIndex:
		return "ext_" + e.Name
	case KindGroupedView:
		return "view_" + e.Name
	case KindFullTextIndex:
		return "fts_" + e.Name
	}
	return ""
}

// Registry tracks which extensions are registered for the current database
// session. Registration is monotonic: once registered, an extension stays
// registered until the database is closed or reset.
type Registry struct {
	mu     sync.RWMutex
	exts   map[string]*Extension
	specs  map[string]string
	logger *slog.Logger
}

// NewRegistry creates an empty extension registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		exts:   make(map[string]*Extension),
		specs:  make(map[string]string),
		logger: logger.With("component", "registry"),
	}
}

// Registered reports whether the named extension is registered
func (r *Registry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.exts[name]
	return ok
}

// forCollection returns the registered extensions projecting over collection
func (r *Registry) forCollection(collection string) []*Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Extension
	for _, e := range r.exts {
		if e.matches(collection) {
			out = append(out, e)
		}
	}
	return out
}

// register materializes the extension inside tx: it creates the backing
// table and backfills it from existing records. Registering the same name
// with the same definition again is a no-op; a different definition is a
// conflict.
func (r *Registry) register(ctx context.Context, tx *sql.Tx, ext *Extension) error {
	// Decide and reserve in one critical section, before any table work:
	// a concurrent registration of the same name must see the
	// reservation, not slip past the check and backfill twice.
	r.mu.Lock()
	if existing, ok := r.specs[ext.Name]; ok {
		r.mu.Unlock()
		if existing == ext.spec() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrExtensionConflict, ext.Name)
	}
	r.specs[ext.Name] = ext.spec()
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		delete(r.specs, ext.Name)
		r.mu.Unlock()
		return err
	}

	if err := r.createTable(ctx, tx, ext); err != nil {
		return fail(fmt.Errorf("creating table for extension %s: %w", ext.Name, err))
	}
	if err := r.backfill(ctx, tx, ext); err != nil {
		return fail(fmt.Errorf("backfilling extension %s: %w", ext.Name, err))
	}

	r.mu.Lock()
	r.exts[ext.Name] = ext
	r.mu.Unlock()

	r.logger.Info("registered extension", "name", ext.Name, "kind", ext.Kind.String())
	return nil
}

func (r *Registry) createTable(ctx context.Context, tx *sql.Tx, ext *Extension) error {
	table := ext.tableName()
	switch ext.Kind {
	case KindSecondaryIndex:
		cols := make([]string, 0, len(ext.Index.Columns))
		names := make([]string, 0, len(ext.Index.Columns))
		for _, c := range ext.Index.Columns {
			cols = append(cols, fmt.Sprintf("%s %s", c.Name, c.Type))
			names = append(names, c.Name)
		}
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				key        TEXT NOT NULL,
				%s,
				PRIMARY KEY (collection, key)
			)`, table, strings.Join(cols, ",\n\t\t\t\t"))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s ON %s(%s)",
			table, table, strings.Join(names, ", "))
		_, err := tx.ExecContext(ctx, idx)
		return err

	case KindGroupedView:
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				key        TEXT NOT NULL,
				grp        TEXT NOT NULL,
				sort_key   INTEGER NOT NULL,
				PRIMARY KEY (collection, key)
			)`, table)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s ON %s(grp, sort_key)", table, table)
		_, err := tx.ExecContext(ctx, idx)
		return err

	case KindFullTextIndex:
		ddl := fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(collection UNINDEXED, key UNINDEXED, body)",
			table)
		_, err := tx.ExecContext(ctx, ddl)
		return err
	}
	return fmt.Errorf("unknown extension kind %d", ext.Kind)
}

// backfill performs the one-time scan of existing records at registration
// time. Subsequent writes maintain the extension incrementally.
func (r *Registry) backfill(ctx context.Context, tx *sql.Tx, ext *Extension) error {
	for _, collection := range ext.collections() {
		rows, err := tx.QueryContext(ctx,
			"SELECT key, data FROM records WHERE collection = ?", collection)
		if err != nil {
			return fmt.Errorf("scanning collection %s: %w", collection, err)
		}

		type rec struct {
			key  string
			data []byte
		}
		var recs []rec
		for rows.Next() {
			var item rec
			if err := rows.Scan(&item.key, &item.data); err != nil {
				rows.Close()
				return fmt.Errorf("scanning record: %w", err)
			}
			recs = append(recs, item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterating records: %w", err)
		}
		rows.Close()

		for _, item := range recs {
			if err := r.insertEntry(ctx, tx, ext, collection, item.key, item.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// maintain updates every registered extension that projects over collection
// after a record write or delete. data is nil when the record was deleted.
// Must run inside the same write transaction as the record change.
func (r *Registry) maintain(ctx context.Context, tx *sql.Tx, collection, key string, data []byte) error {
	for _, ext := range r.forCollection(collection) {
		del := fmt.Sprintf("DELETE FROM %s WHERE collection = ? AND key = ?", ext.tableName())
		if _, err := tx.ExecContext(ctx, del, collection, key); err != nil {
			return fmt.Errorf("maintaining extension %s: %w", ext.Name, err)
		}
		if data == nil {
			continue
		}
		if err := r.insertEntry(ctx, tx, ext, collection, key, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) insertEntry(ctx context.Context, tx *sql.Tx, ext *Extension, collection, key string, data []byte) error {
	table := ext.tableName()
	switch ext.Kind {
	case KindSecondaryIndex:
		values, ok := ext.Index.Extract(collection, key, data)
		if !ok {
			return nil
		}
		names := []string{"collection", "key"}
		args := []any{collection, key}
		for _, c := range ext.Index.Columns {
			names = append(names, c.Name)
			args = append(args, values[c.Name])
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		ins := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			table, strings.Join(names, ", "), placeholders)
		if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
			return fmt.Errorf("indexing record in %s: %w", ext.Name, err)
		}

	case KindGroupedView:
		group, ok := ext.View.Group(collection, key, data)
		if !ok {
			return nil
		}
		sortKey := ext.View.SortKey(collection, key, data)
		ins := fmt.Sprintf(
			"INSERT OR REPLACE INTO %s (collection, key, grp, sort_key) VALUES (?, ?, ?, ?)", table)
		if _, err := tx.ExecContext(ctx, ins, collection, key, group, sortKey); err != nil {
			return fmt.Errorf("placing record in view %s: %w", ext.Name, err)
		}

	case KindFullTextIndex:
		text, ok := ext.FullText.Text(collection, key, data)
		if !ok {
			return nil
		}
		ins := fmt.Sprintf("INSERT INTO %s (collection, key, body) VALUES (?, ?, ?)", table)
		if _, err := tx.ExecContext(ctx, ins, collection, key, text); err != nil {
			return fmt.Errorf("indexing text in %s: %w", ext.Name, err)
		}
	}
	return nil
}

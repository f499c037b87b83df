// ABOUTME: Legacy-to-shared database file migration
// ABOUTME: Moves the primary file and its WAL/SHM auxiliaries as an atomic set or fails loudly

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrInconsistentDatabaseFiles is returned when the primary database file
// and its auxiliary files are split across the legacy and shared
// directories, which means a previous migration was interrupted.
var ErrInconsistentDatabaseFiles = errors.New("database files split across legacy and shared locations")

// auxSuffixes are the write-ahead log and shared-memory index files that
// accompany the primary database file in WAL mode.
var auxSuffixes = []string{"-wal", "-shm"}

// databaseFiles returns the primary file path followed by its auxiliaries
func databaseFiles(dir, stem string) []string {
	primary := filepath.Join(dir, stem)
	files := []string{primary}
	for _, suffix := range auxSuffixes {
		files = append(files, primary+suffix)
	}
	return files
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", path, err)
}

// migrateLegacyToShared moves the database file set from the legacy
// app-private directory to the shared container directory. It must run
// before the database is opened, at most once per process.
//
// The three files move together or the migration fails loudly with a
// per-file error; a half-moved set (e.g. primary moved, WAL left behind)
// is detected and refused so the database is never opened without its
// auxiliaries.
func migrateLegacyToShared(legacyDir, sharedDir, stem string, logger *slog.Logger) error {
	if legacyDir == "" {
		return nil
	}

	legacy := databaseFiles(legacyDir, stem)
	shared := databaseFiles(sharedDir, stem)

	legacyPrimary, err := fileExists(legacy[0])
	if err != nil {
		return err
	}
	sharedPrimary, err := fileExists(shared[0])
	if err != nil {
		return err
	}

	if !legacyPrimary {
		// Nothing to migrate, unless auxiliaries were stranded by an
		// interrupted run that moved only the primary file.
		for _, aux := range legacy[1:] {
			exists, err := fileExists(aux)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: auxiliary %s exists without its primary file",
					ErrInconsistentDatabaseFiles, aux)
			}
		}
		return nil
	}

	if sharedPrimary {
		// Both locations claim a primary database. Choosing one would
		// risk silent data loss, so refuse to open.
		return fmt.Errorf("%w: primary file present at both %s and %s",
			ErrInconsistentDatabaseFiles, legacy[0], shared[0])
	}

	logger.Info("migrating database to shared location",
		"from", legacyDir, "to", sharedDir, "stem", stem)

	for i, src := range legacy {
		dst := shared[i]
		exists, err := fileExists(src)
		if err != nil {
			return err
		}
		if !exists {
			// Auxiliaries are absent after a clean checkpoint; only the
			// primary file is mandatory, and it was checked above.
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("moving %s to %s: %w", src, dst, err)
		}
		logger.Info("moved database file", "file", filepath.Base(src))
	}

	return nil
}

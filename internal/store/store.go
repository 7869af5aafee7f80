// Package store persists the in-flight checkin report between runs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"salagent/internal/report"
)

const (
	// Directory permissions.
	stateDirPerm = 0o750
	// File permissions.
	reportFilePerm = 0o600
)

// Store is a JSON file holding the checkin report that has not yet been
// accepted by the server.
type Store struct {
	log  zerolog.Logger
	path string
	mu   sync.Mutex
}

// New creates a Store backed by path.
func New(log zerolog.Logger, path string) *Store {
	return &Store{
		path: path,
		log:  log,
	}
}

// Exists reports whether a persisted report is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}

// Load returns the persisted report. A missing file yields an empty report.
func (s *Store) Load() (report.CheckinReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug().Str("path", s.path).Msg("No persisted report, starting empty")
			return report.New(), nil
		}
		return report.New(), fmt.Errorf("failed to read report: %w", err)
	}
	var r report.CheckinReport
	if err := json.Unmarshal(data, &r); err != nil {
		return report.New(), fmt.Errorf("failed to parse report %s: %w", s.path, err)
	}
	return r, nil
}

// Save writes r unless the file already holds identical content. It reports
// whether a write happened. Written content is read back and verified.
func (s *Store) Save(r *report.CheckinReport) (bool, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal report: %w", err)
	}
	digest := blake3.Sum256(data)

	if info, err := os.Stat(s.path); err == nil && info.IsDir() {
		return false, fmt.Errorf("report path %s is a directory", s.path)
	}

	existing, err := os.ReadFile(s.path)
	if err == nil && blake3.Sum256(existing) == digest {
		s.log.Debug().Str("path", s.path).Msg("Report unchanged, skipping write")
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), stateDirPerm); err != nil {
		return false, fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := WriteAtomic(s.path, data, reportFilePerm); err != nil {
		return false, err
	}

	readBack, err := os.ReadFile(s.path)
	if err != nil {
		return true, fmt.Errorf("failed to read back report: %w", err)
	}
	if blake3.Sum256(readBack) != digest {
		return true, fmt.Errorf("report %s does not match written content", s.path)
	}

	s.log.Debug().
		Str("path", s.path).
		Int("bytes", len(data)).
		Int("modules", len(r.Modules)).
		Dur("elapsed", time.Since(start)).
		Msg("Persisted report")
	return true, nil
}

// Clear removes the persisted report. A missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove report: %w", err)
	}
	s.log.Debug().Str("path", s.path).Msg("Cleared persisted report")
	return nil
}

// WriteAtomic writes data to a temporary file next to path, sets perm and
// renames it over path, so readers never observe a partial file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName) //nolint:errcheck // best effort
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close() //nolint:errcheck // already failing
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"salagent/internal/report"
)

// PluginResults is the transient file external scripts' results are
// collected in until they are folded into the report.
type PluginResults struct {
	log  zerolog.Logger
	path string
}

// NewPluginResults creates a PluginResults file handle.
func NewPluginResults(log zerolog.Logger, path string) *PluginResults {
	return &PluginResults{path: path, log: log}
}

// Load returns the recorded results. A missing file yields none.
func (p *PluginResults) Load() ([]report.PluginResult, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin results: %w", err)
	}
	var results []report.PluginResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to parse plugin results %s: %w", p.path, err)
	}
	return results, nil
}

// Append adds results to the file. A result replaces an earlier one from the
// same plugin.
func (p *PluginResults) Append(results ...report.PluginResult) error {
	existing, err := p.Load()
	if err != nil {
		p.log.Warn().Err(err).Msg("Discarding unreadable plugin results")
		existing = nil
	}
	merged := report.CheckinReport{PluginResults: existing}
	merged.AddPluginResults(results...)

	data, err := json.MarshalIndent(merged.PluginResults, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plugin results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), stateDirPerm); err != nil {
		return fmt.Errorf("failed to create plugin results directory: %w", err)
	}
	return WriteAtomic(p.path, data, reportFilePerm)
}

// Remove deletes the file. A missing file is not an error.
func (p *PluginResults) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove plugin results: %w", err)
	}
	return nil
}

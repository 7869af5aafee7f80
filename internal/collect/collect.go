// Package collect gathers module reports from checkin module executables and
// built-in collectors, and runs the synced external scripts.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"salagent/internal/report"
)

// Collector produces module reports.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]report.Contribution, error)
}

// RunAll runs each collector in order. A failing collector is logged and
// skipped.
func RunAll(ctx context.Context, log zerolog.Logger, collectors ...Collector) []report.Contribution {
	var out []report.Contribution
	for _, c := range collectors {
		start := time.Now()
		contributions, err := c.Collect(ctx)
		if err != nil {
			log.Warn().Err(err).Str("collector", c.Name()).Msg("Collector failed")
		}
		log.Debug().
			Str("collector", c.Name()).
			Int("modules", len(contributions)).
			Dur("elapsed", time.Since(start)).
			Msg("Collector finished")
		out = append(out, contributions...)
	}
	return out
}

// ModuleDir runs every executable in a directory. Each executable prints a
// JSON object mapping module names to module reports.
type ModuleDir struct {
	log     zerolog.Logger
	dir     string
	timeout time.Duration
}

// NewModuleDir creates a ModuleDir collector.
func NewModuleDir(log zerolog.Logger, dir string, timeout time.Duration) *ModuleDir {
	return &ModuleDir{dir: dir, timeout: timeout, log: log}
}

// Name implements Collector.
func (*ModuleDir) Name() string { return "checkin_modules" }

// Collect implements Collector.
func (m *ModuleDir) Collect(ctx context.Context) ([]report.Contribution, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.log.Debug().Str("dir", m.dir).Msg("No checkin modules directory")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list checkin modules: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []report.Contribution
	var errs []error
	for _, entry := range entries {
		if hidden(entry.Name()) || entry.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !isExecutable(info) {
			m.log.Warn().Str("module", entry.Name()).Msg("Checkin module is not executable, skipping")
			continue
		}

		res := runExecutable(ctx, m.log, m.timeout, path)
		if res.ExitCode != 0 {
			errs = append(errs, fmt.Errorf("%s exited with %d", entry.Name(), res.ExitCode))
			continue
		}
		contributions, err := parseModules(res.Stdout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		out = append(out, contributions...)
	}
	return out, errors.Join(errs...)
}

func parseModules(stdout []byte) ([]report.Contribution, error) {
	var modules map[string]report.ModuleReport
	if err := json.Unmarshal(stdout, &modules); err != nil {
		return nil, fmt.Errorf("invalid module output: %w", err)
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]report.Contribution, 0, len(modules))
	for _, name := range names {
		if !report.IsValidModuleName(name) {
			return nil, fmt.Errorf("invalid module name %q", name)
		}
		out = append(out, report.Contribution{Module: name, Report: modules[name]})
	}
	return out, nil
}

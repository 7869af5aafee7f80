package collect

import (
	"bytes"
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

// ScriptRunner runs the synced external scripts. Each script receives the run
// type as its only argument; a JSON object on stdout becomes the plugin's
// result.
type ScriptRunner struct {
	log     zerolog.Logger
	root    string
	timeout time.Duration
}

// NewScriptRunner creates a ScriptRunner for the scripts below root.
func NewScriptRunner(log zerolog.Logger, root string, timeout time.Duration) *ScriptRunner {
	return &ScriptRunner{root: root, timeout: timeout, log: log}
}

// Run executes every script, one plugin directory at a time.
func (s *ScriptRunner) Run(ctx context.Context, runType string) ([]report.PluginResult, error) {
	plugins, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug().Str("dir", s.root).Msg("No external scripts directory")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list external scripts: %w", err)
	}

	var results []report.PluginResult
	var errs []error
	for _, plugin := range plugins {
		if !plugin.IsDir() || hidden(plugin.Name()) {
			continue
		}
		dir := filepath.Join(s.root, plugin.Name())
		scripts, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name() < scripts[j].Name() })

		for _, script := range scripts {
			if hidden(script.Name()) || script.IsDir() {
				continue
			}
			path := filepath.Join(dir, script.Name())
			info, err := os.Stat(path)
			if err != nil || !isExecutable(info) {
				s.log.Warn().Str("script", path).Msg("Script is not executable, skipping")
				continue
			}

			res := runExecutable(ctx, s.log, s.timeout, path, runType)
			if res.ExitCode != 0 {
				s.log.Warn().Str("script", path).Int("exit", res.ExitCode).Msg("Script had errors during execution")
				errs = append(errs, fmt.Errorf("%s exited with %d", path, res.ExitCode))
				continue
			}
			out := bytes.TrimSpace(res.Stdout)
			if len(out) == 0 {
				s.log.Debug().Str("script", path).Msg("Script ran successfully")
				continue
			}
			var data map[string]report.Value
			if err := json.Unmarshal(out, &data); err != nil {
				s.log.Warn().Err(err).Str("script", path).Msg("Ignoring non-JSON script output")
				continue
			}
			results = append(results, report.PluginResult{Plugin: plugin.Name(), Data: data})
			s.log.Debug().Str("script", path).Int("keys", len(data)).Msg("Script ran successfully")
		}
	}
	return results, errors.Join(errs...)
}

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"salagent/internal/client"
	"salagent/internal/store"
)

const (
	// Permissions of the scripts root and plugin directories.
	scriptDirPerm = 0o755
	// Synced scripts must be executable.
	scriptFilePerm = 0o755
)

// ErrUnsafePath marks a descriptor that would escape the scripts root.
var ErrUnsafePath = errors.New("unsafe script path")

// ScriptDescriptor is one external script the server wants present.
type ScriptDescriptor struct {
	Plugin   string `json:"plugin"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

// RelPath is the script's location below the scripts root.
func (d ScriptDescriptor) RelPath() string {
	return filepath.Join(d.Plugin, d.Filename)
}

// Validate rejects names that are empty, hidden or contain separators.
func (d ScriptDescriptor) Validate() error {
	for _, part := range []string{d.Plugin, d.Filename} {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") ||
			strings.ContainsAny(part, `/\`) || strings.ContainsRune(part, 0) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, filepath.Join(d.Plugin, d.Filename))
		}
	}
	return nil
}

// ScriptSyncResult summarizes one script reconciliation.
type ScriptSyncResult struct {
	Decisions   []SyncDecision
	Downloaded  int
	Deleted     int
	PrunedDirs  int
	Failed      int
	RemovedRoot bool
}

// ScriptSync pulls the server's external scripts into a local directory.
type ScriptSync struct {
	api      API
	log      zerolog.Logger
	root     string
	osFamily string
}

// NewScriptSync creates a ScriptSync rooted at root.
func NewScriptSync(log zerolog.Logger, api API, root, osFamily string) *ScriptSync {
	return &ScriptSync{
		api:      api,
		root:     root,
		osFamily: osFamily,
		log:      log,
	}
}

// Sync fetches the server's script list, downloads scripts whose local copy
// is missing or stale, then removes scripts the server no longer lists and
// prunes empty directories. If the list cannot be fetched nothing is touched.
func (s *ScriptSync) Sync(ctx context.Context) (ScriptSyncResult, error) {
	start := time.Now()
	var result ScriptSyncResult

	descriptors, err := s.fetchDescriptors(ctx)
	if err != nil {
		return result, err
	}
	s.log.Debug().Int("scripts", len(descriptors)).Msg("Received script list")

	if len(descriptors) == 0 {
		if err := os.RemoveAll(s.root); err != nil {
			return result, fmt.Errorf("failed to remove scripts directory: %w", err)
		}
		result.RemovedRoot = true
		s.log.Info().Str("root", s.root).Msg("Server lists no scripts, removed scripts directory")
		return result, nil
	}

	keep := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			s.log.Error().Err(err).Msg("Skipping script descriptor")
			result.Failed++
			continue
		}
		keep[d.RelPath()] = struct{}{}

		decision, err := s.reconcile(ctx, d)
		result.Decisions = append(result.Decisions, decision)
		if err != nil {
			s.log.Error().Err(err).Str("script", d.RelPath()).Msg("Failed to sync script")
			result.Failed++
			continue
		}
		if decision.Action == ActionDownload {
			result.Downloaded++
		}
	}

	deleted, err := s.removeOrphans(keep)
	result.Deleted = len(deleted)
	for _, name := range deleted {
		result.Decisions = append(result.Decisions, SyncDecision{Name: name, Action: ActionDelete})
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to remove stale scripts")
	}

	pruned, err := pruneEmptyDirs(s.root)
	result.PrunedDirs = pruned
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to prune empty script directories")
	}

	s.log.Info().
		Int("downloaded", result.Downloaded).
		Int("deleted", result.Deleted).
		Int("failed", result.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("Script sync completed")
	return result, nil
}

func (s *ScriptSync) fetchDescriptors(ctx context.Context) ([]ScriptDescriptor, error) {
	resp, err := s.api.Post(ctx, "preflight-v2", map[string]string{"os_family": s.osFamily})
	if err != nil {
		return nil, fmt.Errorf("failed to request script list: %w", err)
	}
	if err := s.api.Check(client.EndpointPreflight, resp); err != nil {
		return nil, err
	}
	var descriptors []ScriptDescriptor
	if err := json.Unmarshal(resp.Body, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse script list: %w", err)
	}
	return descriptors, nil
}

func (s *ScriptSync) reconcile(ctx context.Context, d ScriptDescriptor) (SyncDecision, error) {
	decision := SyncDecision{Name: d.RelPath(), RemoteHash: d.Hash}

	pluginDir := filepath.Join(s.root, d.Plugin)
	if err := os.MkdirAll(pluginDir, scriptDirPerm); err != nil {
		return decision, fmt.Errorf("failed to create plugin directory: %w", err)
	}

	target := filepath.Join(pluginDir, d.Filename)
	local, err := HashFile(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn().Err(err).Str("script", decision.Name).Msg("Could not hash local script")
	}
	decision.LocalHash = local
	decision.Action = DecidePull(local, d.Hash)
	if d.Hash == "" {
		// A listed script without a hash is always refreshed.
		decision.Action = ActionDownload
	}
	if decision.Action != ActionDownload {
		return decision, nil
	}

	content, err := s.download(ctx, d)
	if err != nil {
		return decision, err
	}
	if err := store.WriteAtomic(target, content, scriptFilePerm); err != nil {
		return decision, err
	}
	if got := HashBytes(content); d.Hash != "" && !sameHash(got, d.Hash) {
		s.log.Warn().Str("script", decision.Name).Str("expected", d.Hash).Str("got", got).Msg("Downloaded script hash mismatch")
	}
	s.log.Debug().Str("script", decision.Name).Msg("Downloaded script")
	return decision, nil
}

func (s *ScriptSync) download(ctx context.Context, d ScriptDescriptor) ([]byte, error) {
	resp, err := s.api.Get(ctx, "preflight-v2/get-script/"+d.Plugin+"/"+d.Filename)
	if err != nil {
		return nil, err
	}
	if err := s.api.Check(client.EndpointGetScript, resp); err != nil {
		return nil, err
	}
	var bodies []struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(resp.Body, &bodies); err != nil {
		return nil, fmt.Errorf("failed to parse script body: %w", err)
	}
	if len(bodies) == 0 {
		return nil, errors.New("server returned no script content")
	}
	return []byte(bodies[0].Content), nil
}

// removeOrphans deletes regular files below root that are not in keep.
// Hidden entries are left alone.
func (s *ScriptSync) removeOrphans(keep map[string]struct{}) ([]string, error) {
	var deleted []string
	var errs []error
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == s.root {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if _, ok := keep[rel]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			return nil
		}
		s.log.Debug().Str("script", rel).Msg("Removed stale script")
		deleted = append(deleted, rel)
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return deleted, errors.Join(errs...)
}

// pruneEmptyDirs removes empty directories below root, deepest first.
func pruneEmptyDirs(root string) (int, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})

	pruned := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			pruned++
		}
	}
	return pruned, nil
}

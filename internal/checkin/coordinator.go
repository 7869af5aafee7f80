// Package checkin runs one agent invocation from lock to cleanup.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"salagent/internal/artifact"
	"salagent/internal/client"
	"salagent/internal/collect"
	"salagent/internal/config"
	"salagent/internal/filter"
	"salagent/internal/history"
	"salagent/internal/lock"
	"salagent/internal/report"
	"salagent/internal/store"
)

const (
	checkinPath       = "checkin"
	inventoryFileName = "ApplicationInventory.plist"
	catalogsDirName   = "catalogs"
	userAgentPrefix   = "sal-submit/"
)

var errNotRoot = errors.New("must be run as root")

// Options selects what a run does.
type Options struct {
	Mode        Mode
	Delay       time.Duration
	RandomDelay bool
}

// Coordinator drives a run through its states.
type Coordinator struct {
	currentUser func() string
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	cfg         *config.Config
	locker      *lock.Locker
	api         *client.Client
	filter      *filter.Filter
	store       *store.Store
	plugins     *store.PluginResults
	scripts     *artifact.ScriptSync
	runner      *collect.ScriptRunner
	pusher      *artifact.Pusher
	ledger      *history.Ledger
	log         zerolog.Logger
	collectors  []collect.Collector
	opts        Options
}

// New wires a Coordinator from preferences.
func New(log zerolog.Logger, cfg *config.Config, version string, opts Options) (*Coordinator, error) {
	api, err := client.New(client.Options{
		BaseURL:    cfg.ServerURL,
		Key:        cfg.Key,
		BasicAuth:  cfg.BasicAuth,
		CACert:     cfg.CACert,
		ClientCert: cfg.SSLClientCertificate,
		ClientKey:  cfg.SSLClientKey,
		Thresholds: cfg.Thresholds(),
		UserAgent:  userAgentPrefix + version,
		Log:        log.With().Str("component", "client").Logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}

	c := &Coordinator{
		cfg:  cfg,
		opts: opts,
		log:  log,
		api:  api,
		locker: lock.New(log.With().Str("component", "lock").Logger(), lock.Options{
			Path:      cfg.Paths.Lock,
			Processes: cfg.Lock.Processes,
			Pause:     cfg.Lock.Pause,
			Attempts:  cfg.Lock.Attempts,
		}),
		filter:  filter.New(log, cfg.MessageBlacklistPatterns, cfg.SkipFacts),
		store:   store.New(log, cfg.Paths.Results),
		plugins: store.NewPluginResults(log, cfg.Paths.PluginResults),
		scripts: artifact.NewScriptSync(log.With().Str("component", "scripts").Logger(), api, cfg.Paths.ExternalScripts, cfg.OSFamily),
		runner:  collect.NewScriptRunner(log, cfg.Paths.ExternalScripts, cfg.ModuleTimeout),
		pusher:  artifact.NewPusher(log.With().Str("component", "artifacts").Logger(), api, cfg.Key, cfg.Codec()),
		collectors: []collect.Collector{
			collect.NewSal(version, cfg.Key),
			collect.NewMachine(cfg.Serial, cfg.OSFamily),
			collect.NewMunki(log.With().Str("component", "munki").Logger(), cfg.Paths.ManagedInstallDir),
			collect.NewModuleDir(log, cfg.Paths.CheckinModules, cfg.ModuleTimeout),
		},
		currentUser: currentUser,
		sleep:       sleepContext,
		now:         time.Now,
	}

	if cfg.Paths.HistoryDB != "" {
		ledger, err := history.Open(cfg.Paths.HistoryDB)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Paths.HistoryDB).Msg("Run history unavailable")
		} else {
			c.ledger = ledger
		}
	}
	return c, nil
}

// Close releases the run history.
func (c *Coordinator) Close() error {
	if c.ledger == nil {
		return nil
	}
	return c.ledger.Close()
}

// Run performs one invocation and reports how it ended.
func (c *Coordinator) Run(ctx context.Context) *Result {
	res := &Result{
		RunID:   uuid.NewString(),
		Mode:    c.opts.Mode,
		Started: c.now(),
	}
	res.enter(StateStart)
	c.log.Debug().Str("run_id", res.RunID).Str("mode", string(res.Mode)).Msg("Starting run")

	if c.cfg.RequireRoot && c.currentUser() != "root" {
		c.abort(ctx, res, errNotRoot)
		return res
	}

	if err := c.delay(ctx); err != nil {
		c.abort(ctx, res, err)
		return res
	}

	res.enter(StateLockCheck)
	lk, err := c.locker.Acquire(ctx)
	if err != nil {
		c.abort(ctx, res, err)
		return res
	}
	defer func() {
		if err := lk.Release(); err != nil {
			c.log.Warn().Err(err).Msg("Could not release run lock")
		}
	}()
	if err := c.locker.WaitForProcesses(ctx); err != nil {
		c.abort(ctx, res, err)
		return res
	}

	rec := &history.Record{}
	switch c.opts.Mode {
	case ModePreScripts:
		res.enter(StateSyncScripts)
		c.syncScripts(ctx, rec)
		rec.Outcome = history.OutcomeScripts
	case ModePostScripts:
		res.enter(StateRunScripts)
		res.RunType = c.runScripts(ctx)
		rec.Outcome = history.OutcomeScripts
	default:
		c.full(ctx, res, rec)
	}

	res.enter(StateCleanup)
	c.finish(ctx, res, rec)
	res.enter(StateDone)
	return res
}

func (c *Coordinator) full(ctx context.Context, res *Result, rec *history.Record) {
	res.enter(StateCollect)
	r := c.collect(ctx)
	res.RunType = r.RunType()

	res.enter(StateFilter)
	c.filter.Apply(&r)

	res.enter(StatePersist)
	persisted := true
	if _, err := c.store.Save(&r); err != nil {
		persisted = false
		c.log.Error().Err(err).Msg("Could not persist report, keeping plugin results")
	} else {
		c.removePluginResults()
	}

	res.enter(StateSubmitCheckin)
	rec.Outcome = history.OutcomeRetained
	status, err := c.submit(ctx, &r)
	res.CheckinStatus = status
	if err != nil {
		res.Err = err
		c.log.Error().Err(err).Msg("Checkin failed, report kept for next run")
	} else {
		res.Submitted = true
		rec.Outcome = history.OutcomeSubmitted
		if !persisted {
			c.removePluginResults()
		}
	}

	if res.RunType == RunTypeManual {
		c.log.Debug().Msg("Manual run, skipping artifact sync")
		return
	}
	res.enter(StateSyncArtifacts)
	serial := r.Serial()
	if serial == "" {
		serial = c.cfg.Serial
	}
	c.syncArtifacts(ctx, serial, rec)
}

// collect merges the report kept from a failed run with fresh module output
// and all pending plugin results. The plugin-results file is left in place
// until its contents are persisted or submitted.
func (c *Coordinator) collect(ctx context.Context) report.CheckinReport {
	var contributions []report.Contribution

	previous, err := c.store.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("Discarding unreadable stored report")
	}
	for _, name := range previous.ModuleNames() {
		contributions = append(contributions, report.Contribution{Module: name, Report: previous.Modules[name]})
	}
	contributions = append(contributions, collect.RunAll(ctx, c.log, c.collectors...)...)

	r := report.Aggregate(c.log, contributions...)
	r.AddPluginResults(previous.PluginResults...)

	scripted, err := c.runner.Run(ctx, r.RunType())
	if err != nil {
		c.log.Warn().Err(err).Msg("Some external scripts failed")
	}
	if len(scripted) > 0 {
		if err := c.plugins.Append(scripted...); err != nil {
			c.log.Warn().Err(err).Msg("Could not record plugin results")
			r.AddPluginResults(scripted...)
		}
	}

	pending, err := c.plugins.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not read plugin results")
	}
	r.AddPluginResults(pending...)
	return r
}

func (c *Coordinator) removePluginResults() {
	if err := c.plugins.Remove(); err != nil {
		c.log.Warn().Err(err).Msg("Could not remove plugin results")
	}
}

// submit posts the report and clears the store on HTTP 200.
func (c *Coordinator) submit(ctx context.Context, r *report.CheckinReport) (int, error) {
	resp, err := c.api.Post(ctx, checkinPath, r)
	if err != nil {
		return 0, err
	}
	if err := c.api.Check(client.EndpointCheckin, resp); err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("checkin returned status %d", resp.StatusCode)
	}
	if err := c.store.Clear(); err != nil {
		c.log.Warn().Err(err).Msg("Could not clear stored report")
	}
	c.log.Info().Int("status", resp.StatusCode).Msg("Checkin submitted")
	return resp.StatusCode, nil
}

// syncArtifacts pushes inventory, catalogs and profiles. A failure in one
// does not stop the others.
func (c *Coordinator) syncArtifacts(ctx context.Context, serial string, rec *history.Record) {
	var decisions []artifact.SyncDecision
	failed := 0

	if d, err := c.pusher.Inventory(ctx, serial, filepath.Join(c.cfg.Paths.ManagedInstallDir, inventoryFileName)); err != nil {
		c.log.Warn().Err(err).Msg("Inventory sync failed")
		failed++
	} else {
		decisions = append(decisions, d)
	}

	if ds, err := c.pusher.Catalogs(ctx, filepath.Join(c.cfg.Paths.ManagedInstallDir, catalogsDirName)); err != nil {
		c.log.Warn().Err(err).Msg("Catalog sync failed")
		failed++
	} else {
		decisions = append(decisions, ds...)
	}

	if d, err := c.pusher.Profiles(ctx, serial, c.cfg.Paths.Profiles); err != nil {
		c.log.Warn().Err(err).Msg("Profile sync failed")
		failed++
	} else {
		decisions = append(decisions, d)
	}

	rec.ArtifactsPushed = artifact.Summary(decisions)[artifact.ActionUpload]
	rec.ArtifactFailures = failed
}

func (c *Coordinator) syncScripts(ctx context.Context, rec *history.Record) {
	if !c.cfg.SyncScripts {
		c.log.Debug().Msg("Script sync disabled")
		return
	}
	result, err := c.scripts.Sync(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Script sync failed")
		rec.Error = err.Error()
		return
	}
	rec.ScriptsFetched = result.Downloaded
	rec.ScriptsRemoved = result.Deleted
	c.log.Info().
		Int("downloaded", result.Downloaded).
		Int("deleted", result.Deleted).
		Int("failed", result.Failed).
		Msg("Scripts synced")
}

// runScripts runs the external scripts with the run type of the stored
// report and records their output for the next full run.
func (c *Coordinator) runScripts(ctx context.Context) string {
	stored, err := c.store.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not read stored report")
	}
	runType := stored.RunType()
	results, err := c.runner.Run(ctx, runType)
	if err != nil {
		c.log.Warn().Err(err).Msg("Some external scripts failed")
	}
	if len(results) == 0 {
		return runType
	}
	if err := c.plugins.Append(results...); err != nil {
		c.log.Error().Err(err).Msg("Could not record plugin results")
	}
	return runType
}

func (c *Coordinator) abort(ctx context.Context, res *Result, err error) {
	res.Err = err
	res.ExitCode = ExitAborted
	res.enter(StateAbort)
	c.log.Error().Err(err).Msg("Aborting run")
	c.finish(ctx, res, &history.Record{Outcome: history.OutcomeAborted})
}

// finish records the run and prunes old history.
func (c *Coordinator) finish(ctx context.Context, res *Result, rec *history.Record) {
	if c.ledger == nil {
		return
	}
	rec.RunID = res.RunID
	rec.Mode = string(res.Mode)
	rec.RunType = res.RunType
	rec.StartedAt = res.Started
	rec.FinishedAt = c.now()
	rec.CheckinStatus = res.CheckinStatus
	if res.Err != nil && rec.Error == "" {
		rec.Error = res.Err.Error()
	}
	if err := c.ledger.Record(ctx, rec); err != nil {
		c.log.Debug().Err(err).Msg("Could not record run history")
		return
	}
	if c.cfg.HistoryRetention > 0 {
		if n, err := c.ledger.Prune(ctx, c.now().Add(-c.cfg.HistoryRetention)); err != nil {
			c.log.Debug().Err(err).Msg("Could not prune run history")
		} else if n > 0 {
			c.log.Debug().Int64("removed", n).Msg("Pruned run history")
		}
	}
}

func (c *Coordinator) delay(ctx context.Context) error {
	d := c.opts.Delay
	if d <= 0 {
		return nil
	}
	if c.opts.RandomDelay {
		d = time.Duration(rand.Int64N(int64(d) + 1)) //nolint:gosec // jitter only
	}
	c.log.Debug().Dur("delay", d).Msg("Delaying run")
	return c.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

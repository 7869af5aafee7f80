// Package main implements the Sal checkin agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"salagent/internal/checkin"
	"salagent/internal/config"
	"salagent/internal/logger"
)

// version is set at build time.
var version = "dev"

const (
	exitError = 1
	exitUsage = 2
)

var (
	configPath = pflag.String("config", config.DefaultConfigPath, "Path to the preferences file")
	debug      = pflag.BoolP("debug", "d", false, "Enable debug logging")
	verbose    = pflag.BoolP("verbose", "v", false, "Enable informational logging")
	console    = pflag.Bool("console", isatty.IsTerminal(os.Stderr.Fd()), "Human-readable log output")
	serverURL  = pflag.String("url", "", "Override the server URL")
	key        = pflag.String("key", "", "Override the machine group key")
	delay      = pflag.Int("delay", 0, "Seconds to wait before running")
	random     = pflag.Bool("random", false, "Wait a random time up to --delay")
	scripts    = pflag.Bool("scripts", false, "Only handle external scripts (with --pre or --post)")
	pre        = pflag.Bool("pre", false, "With --scripts, sync external scripts from the server")
	post       = pflag.Bool("post", false, "With --scripts, run external scripts and record their results")
	install    = pflag.Bool("install", false, "Register the agent with the system scheduler and exit")
	uninstall  = pflag.Bool("uninstall", false, "Remove the agent from the system scheduler and exit")
	interval   = pflag.Duration("interval", 30*time.Minute, "With --install, time between checkins")
)

func main() {
	pflag.Parse()

	mode, err := runMode(*scripts, *pre, *post)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(exitUsage)
	}

	level := zerolog.LevelWarnValue
	if *verbose {
		level = zerolog.LevelInfoValue
	}
	log, err := logger.Init(logger.Config{Level: level, Debug: *debug, Console: *console})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(exitError)
	}

	if *install || *uninstall {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := schedule(ctx, log)
		stop()
		if err != nil {
			log.Error().Err(err).Msg("Scheduling failed")
			os.Exit(exitError)
		}
		return
	}

	cfg := config.Load(log, *configPath)
	if pflag.CommandLine.Changed("url") {
		cfg.OverrideServerURL(*serverURL)
	}
	if pflag.CommandLine.Changed("key") {
		cfg.OverrideKey(*key)
	}
	for _, p := range cfg.Report() {
		log.Debug().Str("source", string(p.Source)).Str("value", p.Value).Msg("Preference " + p.Name)
	}

	if *delay < 0 {
		log.Warn().Int("delay", *delay).Msg("Ignoring negative delay")
		*delay = 0
	}

	coordinator, err := checkin.New(logger.WithComponent("checkin"), cfg, version, checkin.Options{
		Mode:        mode,
		Delay:       time.Duration(*delay) * time.Second,
		RandomDelay: *random,
	})
	if err != nil {
		log.Error().Err(err).Msg("Cannot start checkin")
		os.Exit(exitError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res := coordinator.Run(ctx)
	stop()
	if err := coordinator.Close(); err != nil {
		log.Debug().Err(err).Msg("Could not close run history")
	}

	log.Info().
		Str("run_id", res.RunID).
		Str("state", string(res.State)).
		Str("runtype", res.RunType).
		Int("checkin_status", res.CheckinStatus).
		Bool("submitted", res.Submitted).
		Dur("elapsed", time.Since(res.Started)).
		Msg("Run finished")
	os.Exit(res.ExitCode)
}

func schedule(ctx context.Context, log zerolog.Logger) error {
	if *install && *uninstall {
		return errors.New("--install and --uninstall are mutually exclusive")
	}
	if *uninstall {
		return uninstallSchedule(ctx, log)
	}
	path, err := filepath.Abs(*configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	return installSchedule(ctx, log, path, *interval)
}

// runMode maps the script flags to a run mode.
func runMode(scripts, pre, post bool) (checkin.Mode, error) {
	switch {
	case !scripts && (pre || post):
		return "", errors.New("--pre and --post require --scripts")
	case !scripts:
		return checkin.ModeFull, nil
	case pre && post:
		return "", errors.New("--pre and --post are mutually exclusive")
	case pre:
		return checkin.ModePreScripts, nil
	case post:
		return checkin.ModePostScripts, nil
	default:
		return "", errors.New("--scripts requires --pre or --post")
	}
}

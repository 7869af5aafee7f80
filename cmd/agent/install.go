package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"salagent/internal/store"
)

const (
	launchdLabel    = "com.salopensource.sal-submit"
	launchdDir      = "/Library/LaunchDaemons"
	systemdDir      = "/etc/systemd/system"
	systemdUnit     = "sal-submit"
	unitFilePerm    = 0o644
	minimumInterval = 5 * time.Minute
)

// scheduleData fills the unit templates.
type scheduleData struct {
	AgentPath  string
	ConfigPath string
	Label      string
	Interval   int
	Delay      int
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.AgentPath}}</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
        <string>--delay</string>
        <string>{{.Delay}}</string>
        <string>--random</string>
    </array>
    <key>StartInterval</key>
    <integer>{{.Interval}}</integer>
    <key>RunAtLoad</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>/var/log/sal-submit.log</string>
</dict>
</plist>
`

const systemdServiceTemplate = `[Unit]
Description=Sal checkin
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart={{.AgentPath}} --config {{.ConfigPath}}
`

const systemdTimerTemplate = `[Unit]
Description=Periodic Sal checkin

[Timer]
OnBootSec=5min
OnUnitActiveSec={{.Interval}}s
RandomizedDelaySec={{.Delay}}s

[Install]
WantedBy=timers.target
`

func render(name, text string, data scheduleData) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func newScheduleData(agentPath, configPath string, interval time.Duration) (scheduleData, error) {
	if interval < minimumInterval {
		return scheduleData{}, fmt.Errorf("interval %v is shorter than %v", interval, minimumInterval)
	}
	if strings.ContainsAny(agentPath+configPath, "\n<>&") {
		return scheduleData{}, errors.New("paths must not contain newlines or markup characters")
	}
	seconds := int(interval / time.Second)
	return scheduleData{
		AgentPath:  agentPath,
		ConfigPath: configPath,
		Label:      launchdLabel,
		Interval:   seconds,
		Delay:      seconds / 10,
	}, nil
}

// installSchedule registers the agent with the system scheduler so it runs
// every interval.
func installSchedule(ctx context.Context, log zerolog.Logger, configPath string, interval time.Duration) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
		exePath = resolved
	}
	data, err := newScheduleData(exePath, configPath, interval)
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case "darwin":
		return installLaunchd(ctx, log, data)
	case "linux":
		return installSystemd(ctx, log, data)
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// uninstallSchedule removes what installSchedule created.
func uninstallSchedule(ctx context.Context, log zerolog.Logger) error {
	switch runtime.GOOS {
	case "darwin":
		path := filepath.Join(launchdDir, launchdLabel+".plist")
		_ = runCommand(ctx, log, "launchctl", "unload", path) //nolint:errcheck // may not be loaded
		return removeFile(path)
	case "linux":
		_ = runCommand(ctx, log, "systemctl", "disable", "--now", systemdUnit+".timer") //nolint:errcheck // may not be enabled
		errs := []error{
			removeFile(filepath.Join(systemdDir, systemdUnit+".timer")),
			removeFile(filepath.Join(systemdDir, systemdUnit+".service")),
		}
		_ = runCommand(ctx, log, "systemctl", "daemon-reload") //nolint:errcheck // best effort
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

func installLaunchd(ctx context.Context, log zerolog.Logger, data scheduleData) error {
	plist, err := render("plist", launchdTemplate, data)
	if err != nil {
		return err
	}
	path := filepath.Join(launchdDir, launchdLabel+".plist")
	if err := store.WriteAtomic(path, plist, unitFilePerm); err != nil {
		return fmt.Errorf("failed to write launch daemon: %w", err)
	}

	if err := runCommand(ctx, log, "launchctl", "load", "-w", path); err != nil {
		log.Info().Msg("Launch daemon may already be loaded, reloading")
		_ = runCommand(ctx, log, "launchctl", "unload", path) //nolint:errcheck // best effort
		if err := runCommand(ctx, log, "launchctl", "load", "-w", path); err != nil {
			return err
		}
	}
	log.Info().Str("path", path).Int("interval", data.Interval).Msg("Launch daemon installed")
	return nil
}

func installSystemd(ctx context.Context, log zerolog.Logger, data scheduleData) error {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return errors.New("systemd is not available")
	}
	units := []struct {
		name, text string
	}{
		{systemdUnit + ".service", systemdServiceTemplate},
		{systemdUnit + ".timer", systemdTimerTemplate},
	}
	for _, u := range units {
		content, err := render(u.name, u.text, data)
		if err != nil {
			return err
		}
		if err := store.WriteAtomic(filepath.Join(systemdDir, u.name), content, unitFilePerm); err != nil {
			return fmt.Errorf("failed to write %s: %w", u.name, err)
		}
	}

	if err := runCommand(ctx, log, "systemctl", "daemon-reload"); err != nil {
		return err
	}
	if err := runCommand(ctx, log, "systemctl", "enable", "--now", systemdUnit+".timer"); err != nil {
		return err
	}
	log.Info().Str("unit", systemdUnit+".timer").Int("interval", data.Interval).Msg("Systemd timer installed")
	return nil
}

func runCommand(ctx context.Context, log zerolog.Logger, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	log.Debug().Str("command", name).Strs("args", args).Msg("Ran " + strconv.Quote(name))
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

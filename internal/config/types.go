// Package config defines the agent's preferences.
package config

import (
	"time"
)

// Default locations.
const (
	DefaultConfigPath        = "/etc/sal/agent.yaml"
	DefaultServerURL         = "http://sal"
	DefaultResultsPath       = "/usr/local/sal/checkin_results.json"
	DefaultPluginResultsPath = "/usr/local/sal/plugin_results.json"
	DefaultExternalScripts   = "/usr/local/sal/external_scripts"
	DefaultCheckinModules    = "/usr/local/sal/checkin_modules"
	DefaultManagedInstallDir = "/Library/Managed Installs"
	DefaultProfilesPath      = "/usr/local/sal/profiles.json"
	DefaultHistoryDB         = "/usr/local/sal/checkin_history.db"
	DefaultLockPath          = "/var/run/sal-submit.lock"
)

// Config holds the agent's preferences.
type Config struct {
	StatusThresholds         map[string]string `yaml:"status_thresholds"`
	sources                  map[string]Source
	ServerURL                string        `yaml:"server_url"`
	Key                      string        `yaml:"key"`
	CACert                   string        `yaml:"ca_cert"`
	SSLClientCertificate     string        `yaml:"ssl_client_certificate"`
	SSLClientKey             string        `yaml:"ssl_client_key"`
	Serial                   string        `yaml:"serial"`
	Compression              string        `yaml:"compression"`
	OSFamily                 string        `yaml:"os_family"`
	Paths                    Paths         `yaml:"paths"`
	SkipFacts                []string      `yaml:"skip_facts"`
	MessageBlacklistPatterns []string      `yaml:"message_blacklist_patterns"`
	Lock                     LockConfig    `yaml:"lock"`
	ModuleTimeout            time.Duration `yaml:"module_timeout"`
	HistoryRetention         time.Duration `yaml:"history_retention"`
	BasicAuth                bool          `yaml:"basic_auth"`
	SyncScripts              bool          `yaml:"sync_scripts"`
	RequireRoot              bool          `yaml:"require_root"`
}

// Paths are the files and directories the agent reads and writes.
type Paths struct {
	Results           string `yaml:"results"`
	PluginResults     string `yaml:"plugin_results"`
	ExternalScripts   string `yaml:"external_scripts"`
	CheckinModules    string `yaml:"checkin_modules"`
	ManagedInstallDir string `yaml:"managed_install_dir"`
	Profiles          string `yaml:"profiles"`
	HistoryDB         string `yaml:"history_db"`
	Lock              string `yaml:"lock"`
}

// LockConfig bounds how long a run waits for conflicting runs.
type LockConfig struct {
	Processes []string      `yaml:"conflicting_processes"`
	Pause     time.Duration `yaml:"pause"`
	Attempts  uint          `yaml:"attempts"`
}

// Source says where a preference value came from.
type Source string

// Preference sources.
const (
	SourceDefault     Source = "default"
	SourceFile        Source = "file"
	SourceCommandLine Source = "commandline"
)

// Default returns the preferences used when nothing is configured.
func Default() *Config {
	return &Config{
		ServerURL:   DefaultServerURL,
		BasicAuth:   true,
		SyncScripts: true,
		RequireRoot: true,
		Compression: "zstd",
		OSFamily:    defaultOSFamily(),
		SkipFacts:   []string{},
		Paths: Paths{
			Results:           DefaultResultsPath,
			PluginResults:     DefaultPluginResultsPath,
			ExternalScripts:   DefaultExternalScripts,
			CheckinModules:    DefaultCheckinModules,
			ManagedInstallDir: DefaultManagedInstallDir,
			Profiles:          DefaultProfilesPath,
			HistoryDB:         DefaultHistoryDB,
			Lock:              DefaultLockPath,
		},
		Lock: LockConfig{
			Attempts:  3,
			Pause:     1 * time.Second,
			Processes: []string{"managedsoftwareupdate"},
		},
		ModuleTimeout:    60 * time.Second,
		HistoryRetention: 90 * 24 * time.Hour,
		sources:          map[string]Source{},
	}
}

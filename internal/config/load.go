package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"salagent/internal/artifact"
	"salagent/internal/client"
	"salagent/internal/filter"
)

// Load reads preferences from path over the defaults. Problems with the file
// are logged and never fatal: a missing file yields the defaults, an
// unreadable one the defaults plus whatever could be applied.
func Load(log zerolog.Logger, path string) *Config {
	cfg := Default()
	if path == "" {
		return cfg
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("path", path).Msg("No preferences file, using defaults")
		} else {
			log.Warn().Err(err).Str("path", path).Msg("Could not read preferences, using defaults")
		}
		return cfg
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Invalid preferences file, using defaults")
		return cfg
	}
	fromFile := Default()
	if err := yaml.Unmarshal(data, fromFile); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Invalid preferences file, using defaults")
		return cfg
	}
	fromFile.sources = map[string]Source{}
	for key := range keys {
		fromFile.sources[key] = SourceFile
	}
	fromFile.normalize(log)
	return fromFile
}

// normalize replaces invalid values with defaults, logging each one.
func (c *Config) normalize(log zerolog.Logger) {
	def := Default()

	c.ServerURL = strings.TrimSpace(c.ServerURL)
	if c.ServerURL == "" {
		log.Warn().Msg("Empty server_url, using default")
		c.ServerURL = def.ServerURL
	}
	if _, err := artifact.ParseCodec(c.Compression); err != nil {
		log.Warn().Err(err).Msg("Invalid compression, using zstd")
		c.Compression = def.Compression
	}
	if _, err := filter.Compile(c.MessageBlacklistPatterns); err != nil {
		log.Warn().Err(err).Msg("Some message blacklist patterns will be ignored")
	}
	for endpoint, raw := range c.StatusThresholds {
		if _, err := client.ParseThreshold(raw); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Ignoring status threshold")
			delete(c.StatusThresholds, endpoint)
		}
	}
	if c.Lock.Attempts == 0 {
		c.Lock.Attempts = def.Lock.Attempts
	}
	if c.Lock.Pause <= 0 {
		c.Lock.Pause = def.Lock.Pause
	}
	if c.ModuleTimeout <= 0 {
		c.ModuleTimeout = def.ModuleTimeout
	}
	if c.OSFamily == "" {
		c.OSFamily = def.OSFamily
	}
	c.Paths.fill(def.Paths)
}

func (p *Paths) fill(def Paths) {
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&p.Results, def.Results},
		{&p.PluginResults, def.PluginResults},
		{&p.ExternalScripts, def.ExternalScripts},
		{&p.CheckinModules, def.CheckinModules},
		{&p.ManagedInstallDir, def.ManagedInstallDir},
		{&p.Profiles, def.Profiles},
		{&p.HistoryDB, def.HistoryDB},
		{&p.Lock, def.Lock},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.def
		}
	}
}

// OverrideServerURL sets the server URL from the command line.
func (c *Config) OverrideServerURL(url string) {
	c.ServerURL = url
	c.setSource("server_url", SourceCommandLine)
}

// OverrideKey sets the machine group key from the command line.
func (c *Config) OverrideKey(key string) {
	c.Key = key
	c.setSource("key", SourceCommandLine)
}

func (c *Config) setSource(key string, src Source) {
	if c.sources == nil {
		c.sources = map[string]Source{}
	}
	c.sources[key] = src
}

// SourceOf reports where a top-level preference came from.
func (c *Config) SourceOf(key string) Source {
	if src, ok := c.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// Thresholds returns the parsed per-endpoint status thresholds.
func (c *Config) Thresholds() map[string]client.Threshold {
	out := make(map[string]client.Threshold, len(c.StatusThresholds))
	for endpoint, raw := range c.StatusThresholds {
		if th, err := client.ParseThreshold(raw); err == nil {
			out[endpoint] = th
		}
	}
	return out
}

// Codec returns the configured upload compression.
func (c *Config) Codec() artifact.Codec {
	codec, err := artifact.ParseCodec(c.Compression)
	if err != nil {
		return artifact.CodecZstd
	}
	return codec
}

// Pref is one preference as reported in debug output.
type Pref struct {
	Name   string
	Value  string
	Source Source
}

// Report lists the preferences an operator cares about, with secrets masked.
func (c *Config) Report() []Pref {
	prefs := []Pref{
		{Name: "server_url", Value: c.ServerURL},
		{Name: "key", Value: mask(c.Key)},
		{Name: "basic_auth", Value: fmt.Sprint(c.BasicAuth)},
		{Name: "sync_scripts", Value: fmt.Sprint(c.SyncScripts)},
		{Name: "skip_facts", Value: strings.Join(c.SkipFacts, ",")},
		{Name: "ca_cert", Value: c.CACert},
		{Name: "ssl_client_certificate", Value: c.SSLClientCertificate},
		{Name: "ssl_client_key", Value: c.SSLClientKey},
		{Name: "message_blacklist_patterns", Value: strings.Join(c.MessageBlacklistPatterns, ",")},
		{Name: "compression", Value: c.Compression},
	}
	for i := range prefs {
		prefs[i].Source = c.SourceOf(prefs[i].Name)
	}
	sort.Slice(prefs, func(i, j int) bool { return prefs[i].Name < prefs[j].Name })
	return prefs
}

func mask(secret string) string {
	const visible = 4
	if len(secret) <= visible {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-visible) + secret[len(secret)-visible:]
}

func defaultOSFamily() string {
	switch runtime.GOOS {
	case "darwin":
		return "Darwin"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	default:
		return strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]
	}
}

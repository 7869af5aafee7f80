package collect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"howett.net/plist"

	"salagent/internal/report"
)

const (
	munkiReportFile   = "ManagedInstallReport.plist"
	selfServeManifest = "manifests/SelfServeManifest"
	defaultRunType    = "custom"

	typeManagedInstalls   = "ManagedInstalls"
	typeManagedUninstalls = "ManagedUninstalls"
)

// munkiReport is the subset of ManagedInstallReport.plist the agent reads.
type munkiReport struct {
	Conditions      map[string]any   `plist:"Conditions"`
	MachineInfo     munkiMachineInfo `plist:"MachineInfo"`
	ManifestName    string           `plist:"ManifestName"`
	RunType         string           `plist:"RunType"`
	StartTime       string           `plist:"StartTime"`
	EndTime         string           `plist:"EndTime"`
	Errors          []string         `plist:"Errors"`
	Warnings        []string         `plist:"Warnings"`
	ManagedInstalls []map[string]any `plist:"ManagedInstalls"`
	Uninstalls      []string         `plist:"managed_uninstalls_list"`
	InstallResults  []munkiResult    `plist:"InstallResults"`
	RemovalResults  []munkiResult    `plist:"RemovalResults"`
}

type munkiMachineInfo struct {
	MunkiVersion string `plist:"munki_version"`
}

type munkiResult struct {
	Time     any    `plist:"time"`
	Status   *int   `plist:"status"`
	AppleSUS *bool  `plist:"applesus"`
	Name     string `plist:"name"`
	Version  string `plist:"version"`
}

type munkiManifest struct {
	Installs   []string `plist:"managed_installs"`
	Uninstalls []string `plist:"managed_uninstalls"`
}

// Munki reports the last run of the Munki install engine from the report it
// leaves in its managed install directory.
type Munki struct {
	log zerolog.Logger
	now func() time.Time
	dir string
}

// NewMunki creates the Munki collector for a managed install directory.
func NewMunki(log zerolog.Logger, managedInstallDir string) *Munki {
	return &Munki{log: log, dir: managedInstallDir, now: time.Now}
}

// Name implements Collector.
func (*Munki) Name() string { return "Munki" }

// Collect implements Collector. A missing report yields no contribution.
func (m *Munki) Collect(context.Context) ([]report.Contribution, error) {
	path := filepath.Join(m.dir, munkiReportFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		m.log.Debug().Str("path", path).Msg("No Munki report")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read munki report: %w", err)
	}
	var mr munkiReport
	if _, err := plist.Unmarshal(data, &mr); err != nil {
		return nil, fmt.Errorf("failed to decode munki report: %w", err)
	}

	manifest := m.selfServe()
	now := m.now().UTC().Format(report.DateLayout)

	runType := mr.RunType
	if runType == "" {
		runType = defaultRunType
	}
	mod := report.ModuleReport{
		ExtraData: map[string]report.Value{
			"munki_version": report.String(mr.MachineInfo.MunkiVersion),
			"manifest":      report.String(mr.ManifestName),
			"runtype":       report.String(runType),
		},
		Facts:        m.facts(&mr),
		ManagedItems: map[string]report.ManagedItem{},
	}

	for _, text := range mr.Errors {
		if text != "" {
			mod.Messages = append(mod.Messages, report.Message{Type: report.MessageError, Text: text})
		}
	}
	for _, text := range mr.Warnings {
		if text != "" {
			mod.Messages = append(mod.Messages, report.Message{Type: report.MessageWarning, Text: text})
		}
	}

	for _, raw := range mr.ManagedInstalls {
		item, ok := managedInstall(raw, manifest, now)
		if !ok {
			m.log.Debug().Interface("item", raw).Msg("Skipping managed install without name or version")
			continue
		}
		mod.ManagedItems[item.Name] = item
	}
	for _, name := range mr.Uninstalls {
		if name == "" {
			continue
		}
		mod.ManagedItems[name] = report.ManagedItem{
			Name:        name,
			Status:      report.StatusAbsent,
			DateManaged: now,
			Data: map[string]report.Value{
				"self_serve": selfServeValue(slices.Contains(manifest.Uninstalls, name)),
				"type":       report.String(typeManagedUninstalls),
			},
		}
	}

	mod.ItemResults = append(mod.ItemResults, m.results(mr.InstallResults, false)...)
	mod.ItemResults = append(mod.ItemResults, m.results(mr.RemovalResults, true)...)

	return []report.Contribution{{Module: "Munki", Report: mod}}, nil
}

func (m *Munki) selfServe() munkiManifest {
	var manifest munkiManifest
	path := filepath.Join(m.dir, selfServeManifest)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.log.Debug().Err(err).Str("path", path).Msg("Could not read self-serve manifest")
		}
		return manifest
	}
	if _, err := plist.Unmarshal(data, &manifest); err != nil {
		m.log.Debug().Err(err).Str("path", path).Msg("Could not decode self-serve manifest")
	}
	return manifest
}

func (m *Munki) facts(mr *munkiReport) map[string]report.Value {
	facts := map[string]report.Value{
		"RunType":   report.String(mr.RunType),
		"StartTime": report.String(mr.StartTime),
		"EndTime":   report.String(mr.EndTime),
	}
	for key, raw := range mr.Conditions {
		// Multi-valued conditions are flattened so every fact stays scalar.
		if list, ok := raw.([]any); ok {
			parts := make([]string, 0, len(list))
			for _, v := range list {
				parts = append(parts, fmt.Sprint(v))
			}
			facts[key] = report.String(strings.Join(parts, ", "))
			continue
		}
		v, err := plistValue(raw)
		if err != nil {
			m.log.Debug().Err(err).Str("condition", key).Msg("Skipping condition")
			continue
		}
		facts[key] = v
	}
	return facts
}

func (m *Munki) results(raw []munkiResult, removal bool) []report.ItemResult {
	var out []report.ItemResult
	for _, r := range raw {
		if r.AppleSUS != nil {
			continue
		}
		if r.Name == "" || r.Version == "" {
			m.log.Debug().Str("name", r.Name).Msg("Skipping install result without name or version")
			continue
		}
		at, err := resultTime(r.Time)
		if err != nil {
			m.log.Debug().Err(err).Str("name", r.Name).Msg("Install result has no usable time")
			at = m.now()
		}
		out = append(out, report.ItemResult{
			Name:    r.Name,
			Version: r.Version,
			Status:  r.Status,
			Time:    at.UTC(),
			Removal: removal,
		})
	}
	return out
}

// managedInstall converts one ManagedInstalls entry. The key is the item name
// and the installed version, or the version to install when absent.
func managedInstall(raw map[string]any, manifest munkiManifest, now string) (report.ManagedItem, bool) {
	name, _ := raw["name"].(string)
	status, versionKey := report.StatusAbsent, "version_to_install"
	if truthy(raw["installed"]) {
		status, versionKey = report.StatusPresent, "installed_version"
	}
	version, _ := raw[versionKey].(string)
	if name == "" || version == "" {
		return report.ManagedItem{}, false
	}

	data := map[string]report.Value{}
	for k, v := range raw {
		if k == "name" || k == "installed" {
			continue
		}
		if val, err := plistValue(v); err == nil {
			data[k] = val
		}
	}
	data["self_serve"] = selfServeValue(slices.Contains(manifest.Installs, name))
	data["type"] = report.String(typeManagedInstalls)

	key := name + " " + version
	return report.ManagedItem{
		Name:        key,
		Status:      status,
		DateManaged: now,
		Data:        data,
	}, true
}

func selfServeValue(ok bool) report.Value {
	if ok {
		return report.String("True")
	}
	return report.String("False")
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case uint64:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		return false
	}
}

var resultLayouts = []string{time.RFC3339, "2006-01-02 15:04:05 -0700", "2006-01-02 15:04:05"}

func resultTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range resultLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", v)
	}
}

// plistValue converts a decoded property list tree into a Value. Dates
// become UTC strings.
func plistValue(raw any) (report.Value, error) {
	switch t := raw.(type) {
	case uint64:
		return report.Int(int64(t)), nil //nolint:gosec // plist integers fit in int64 in practice
	case time.Time:
		return report.String(t.UTC().Format(report.DateLayout)), nil
	case []byte:
		return report.Value{}, errors.New("binary data is not reported")
	case []any:
		items := make([]report.Value, 0, len(t))
		for _, item := range t {
			v, err := plistValue(item)
			if err != nil {
				return report.Value{}, err
			}
			items = append(items, v)
		}
		return report.List(items...), nil
	case map[string]any:
		entries := make(map[string]report.Value, len(t))
		for k, item := range t {
			v, err := plistValue(item)
			if err != nil {
				return report.Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			entries[k] = v
		}
		return report.Map(entries), nil
	default:
		return report.FromAny(raw)
	}
}

// Package report defines the checkin report model and the aggregation of
// collector output into a single report.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// DateLayout is the UTC ISO-8601 layout used for date_managed.
const DateLayout = "2006-01-02T15:04:05.000000Z"

// ErrMalformed marks a contribution that fails validation.
var ErrMalformed = errors.New("malformed module report")

// Status is the last known state of a managed item.
type Status string

// Managed item states.
const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
	StatusPending Status = "PENDING"
	StatusError   Status = "ERROR"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusPending, StatusError:
		return true
	default:
		return false
	}
}

// MessageType is the severity of a collector message.
type MessageType string

// Message severities.
const (
	MessageWarning MessageType = "WARNING"
	MessageError   MessageType = "ERROR"
)

// Valid reports whether t is one of the known severities.
func (t MessageType) Valid() bool {
	return t == MessageWarning || t == MessageError
}

// ManagedItem is one installable or removable unit and its last known state.
type ManagedItem struct {
	Data        map[string]Value `json:"data,omitempty"`
	Name        string           `json:"name"`
	Status      Status           `json:"status"`
	DateManaged string           `json:"date_managed,omitempty"`
}

// Message is a warning or error emitted by a collector.
type Message struct {
	Type MessageType `json:"message_type"`
	Text string      `json:"text"`
}

// ItemResult is an install or removal outcome reported by the install
// engine. The aggregator folds results into the module's managed items.
// A nil Status means the engine did not report one.
type ItemResult struct {
	Time    time.Time `json:"time"`
	Status  *int      `json:"status,omitempty"`
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Removal bool      `json:"removal,omitempty"`
}

// Failed reports whether the result is missing a status or has a non-zero one.
func (r ItemResult) Failed() bool {
	return r.Status == nil || *r.Status != 0
}

func sameStatus(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ModuleReport is the output of one collector.
type ModuleReport struct {
	Facts        map[string]Value       `json:"facts,omitempty"`
	ManagedItems map[string]ManagedItem `json:"managed_items,omitempty"`
	ExtraData    map[string]Value       `json:"extra_data,omitempty"`
	Messages     []Message              `json:"messages,omitempty"`
	ItemResults  []ItemResult           `json:"item_results,omitempty"`
}

// Validate checks the required fields of every member.
func (m *ModuleReport) Validate() error {
	for key, item := range m.ManagedItems {
		if key == "" || item.Name == "" {
			return fmt.Errorf("%w: managed item %q has no name", ErrMalformed, key)
		}
		if !item.Status.Valid() {
			return fmt.Errorf("%w: managed item %q has invalid status %q", ErrMalformed, key, item.Status)
		}
	}
	for i, msg := range m.Messages {
		if !msg.Type.Valid() {
			return fmt.Errorf("%w: message %d has invalid type %q", ErrMalformed, i, msg.Type)
		}
		if msg.Text == "" {
			return fmt.Errorf("%w: message %d has no text", ErrMalformed, i)
		}
	}
	for i, res := range m.ItemResults {
		if res.Name == "" || res.Version == "" {
			return fmt.Errorf("%w: item result %d missing name or version", ErrMalformed, i)
		}
	}
	return nil
}

// Clone returns a deep copy of the containers in m. Values are immutable and
// shared.
func (m ModuleReport) Clone() ModuleReport {
	out := ModuleReport{
		Facts:     cloneValues(m.Facts),
		ExtraData: cloneValues(m.ExtraData),
	}
	if m.ManagedItems != nil {
		out.ManagedItems = make(map[string]ManagedItem, len(m.ManagedItems))
		for k, item := range m.ManagedItems {
			item.Data = cloneValues(item.Data)
			out.ManagedItems[k] = item
		}
	}
	if m.Messages != nil {
		out.Messages = append([]Message(nil), m.Messages...)
	}
	if m.ItemResults != nil {
		out.ItemResults = append([]ItemResult(nil), m.ItemResults...)
	}
	return out
}

func cloneValues(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Equal reports whether two module reports carry the same content.
func (m ModuleReport) Equal(o ModuleReport) bool {
	if !mapsEqual(m.Facts, o.Facts) || !mapsEqual(m.ExtraData, o.ExtraData) {
		return false
	}
	if len(m.ManagedItems) != len(o.ManagedItems) || len(m.Messages) != len(o.Messages) {
		return false
	}
	for k, a := range m.ManagedItems {
		b, ok := o.ManagedItems[k]
		if !ok || a.Name != b.Name || a.Status != b.Status || a.DateManaged != b.DateManaged || !mapsEqual(a.Data, b.Data) {
			return false
		}
	}
	for i := range m.Messages {
		if m.Messages[i] != o.Messages[i] {
			return false
		}
	}
	if len(m.ItemResults) != len(o.ItemResults) {
		return false
	}
	for i, a := range m.ItemResults {
		b := o.ItemResults[i]
		if a.Name != b.Name || a.Version != b.Version || !sameStatus(a.Status, b.Status) || a.Removal != b.Removal || !a.Time.Equal(b.Time) {
			return false
		}
	}
	return true
}

// PluginResult is the output of one external script.
type PluginResult struct {
	Data       map[string]Value `json:"data"`
	Plugin     string           `json:"plugin"`
	Historical bool             `json:"historical"`
}

// Contribution pairs a collector's report with its module name.
type Contribution struct {
	Report ModuleReport
	Module string
}

// Validate checks the module name and the report.
func (c *Contribution) Validate() error {
	if c.Module == "" {
		return fmt.Errorf("%w: empty module name", ErrMalformed)
	}
	if c.Module == pluginResultsKey {
		return fmt.Errorf("%w: module name %q is reserved", ErrMalformed, c.Module)
	}
	return c.Report.Validate()
}

const pluginResultsKey = "plugin_results"

// CheckinReport is the consolidated report submitted to the server.
type CheckinReport struct {
	Modules       map[string]ModuleReport
	PluginResults []PluginResult
}

// New returns an empty report.
func New() CheckinReport {
	return CheckinReport{Modules: make(map[string]ModuleReport)}
}

// Empty reports whether r carries nothing.
func (r *CheckinReport) Empty() bool {
	return len(r.Modules) == 0 && len(r.PluginResults) == 0
}

// ModuleNames returns the sorted module names.
func (r *CheckinReport) ModuleNames() []string {
	names := make([]string, 0, len(r.Modules))
	for name := range r.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExtraString returns a string extra_data value of a module.
func (r *CheckinReport) ExtraString(module, key string) string {
	mod, ok := r.Modules[module]
	if !ok {
		return ""
	}
	s, _ := mod.ExtraData[key].AsString()
	return s
}

// RunType is the install engine's run type for this checkin.
func (r *CheckinReport) RunType() string {
	return r.ExtraString("Munki", "runtype")
}

// Serial is the machine serial number, if a collector reported one.
func (r *CheckinReport) Serial() string {
	return r.ExtraString("Machine", "serial")
}

// Equal reports whether two reports carry the same content.
func (r *CheckinReport) Equal(o *CheckinReport) bool {
	if len(r.Modules) != len(o.Modules) || len(r.PluginResults) != len(o.PluginResults) {
		return false
	}
	for name, mod := range r.Modules {
		other, ok := o.Modules[name]
		if !ok || !mod.Equal(other) {
			return false
		}
	}
	for i := range r.PluginResults {
		a, b := r.PluginResults[i], o.PluginResults[i]
		if a.Plugin != b.Plugin || a.Historical != b.Historical || !mapsEqual(a.Data, b.Data) {
			return false
		}
	}
	return true
}

// MarshalJSON writes modules as top-level keys alongside plugin_results.
func (r CheckinReport) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Modules)+1)
	for name, mod := range r.Modules {
		out[name] = mod
	}
	if len(r.PluginResults) > 0 {
		out[pluginResultsKey] = r.PluginResults
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat on-disk form.
func (r *CheckinReport) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode report: %w", err)
	}
	out := New()
	for key, body := range raw {
		if key == pluginResultsKey {
			if err := json.Unmarshal(body, &out.PluginResults); err != nil {
				return fmt.Errorf("failed to decode plugin results: %w", err)
			}
			continue
		}
		var mod ModuleReport
		if err := json.Unmarshal(body, &mod); err != nil {
			return fmt.Errorf("failed to decode module %s: %w", key, err)
		}
		out.Modules[key] = mod
	}
	*r = out
	return nil
}

// ItemKey is the managed_items key for an item at a version.
func ItemKey(name, version string) string {
	return name + " " + version
}

// IsValidModuleName validates that a module name contains only safe characters.
func IsValidModuleName(name string) bool {
	const maxModuleNameLength = 100
	for _, r := range name {
		if (r < 'a' || r > 'z') &&
			(r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') &&
			r != '_' && r != '-' {
			return false
		}
	}
	return name != "" && len(name) <= maxModuleNameLength
}

package report

import (
	"github.com/rs/zerolog"
)

// Data types recorded on folded item results.
const (
	DataTypeInstalls   = "ManagedInstalls"
	DataTypeUninstalls = "ManagedUninstalls"
)

// Aggregate merges contributions into one report. Each module is inserted
// under its name, replacing any earlier contribution of the same name, and
// its item results are folded into its managed items. Invalid contributions
// are dropped with a warning. Inputs are not modified.
func Aggregate(log zerolog.Logger, contributions ...Contribution) CheckinReport {
	out := New()
	for i := range contributions {
		c := &contributions[i]
		if err := c.Validate(); err != nil {
			log.Warn().Err(err).Str("module", c.Module).Msg("Dropping module contribution")
			continue
		}
		mod := c.Report.Clone()
		foldItemResults(&mod)
		if _, exists := out.Modules[c.Module]; exists {
			log.Debug().Str("module", c.Module).Msg("Module reported twice, keeping the later contribution")
		}
		out.Modules[c.Module] = mod
	}
	return out
}

// foldItemResults applies a module's item results to its managed items and clears them.
func foldItemResults(mod *ModuleReport) {
	if len(mod.ItemResults) == 0 {
		mod.ItemResults = nil
		return
	}
	if mod.ManagedItems == nil {
		mod.ManagedItems = make(map[string]ManagedItem, len(mod.ItemResults))
	}
	for _, res := range mod.ItemResults {
		status, dataType := StatusPresent, DataTypeInstalls
		if res.Removal {
			status, dataType = StatusAbsent, DataTypeUninstalls
		}
		if res.Failed() {
			status = StatusError
		}
		mod.ManagedItems[ItemKey(res.Name, res.Version)] = ManagedItem{
			Name:        res.Name,
			Status:      status,
			DateManaged: res.Time.UTC().Format(DateLayout),
			Data: map[string]Value{
				"type":    String(dataType),
				"version": String(res.Version),
			},
		}
	}
	mod.ItemResults = nil
}

// AddPluginResults appends plugin results to r, replacing earlier results
// from the same plugin.
func (r *CheckinReport) AddPluginResults(results ...PluginResult) {
	for _, res := range results {
		replaced := false
		for i := range r.PluginResults {
			if r.PluginResults[i].Plugin == res.Plugin {
				r.PluginResults[i] = res
				replaced = true
				break
			}
		}
		if !replaced {
			r.PluginResults = append(r.PluginResults, res)
		}
	}
}

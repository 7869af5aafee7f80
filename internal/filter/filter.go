// Package filter removes blacklisted messages and suppressed facts from a
// checkin report before it is persisted.
package filter

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"salagent/internal/report"
)

// Filter applies the operator's message blacklist and fact suppression set.
type Filter struct {
	skipFacts map[string]struct{}
	log       zerolog.Logger
	patterns  []*regexp.Regexp
}

// Compile compiles the blacklist patterns. Patterns that fail to compile are
// skipped; the returned error joins one error per bad pattern.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	var errs []error
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid blacklist pattern %q: %w", pattern, err))
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled, errors.Join(errs...)
}

// New creates a Filter. Invalid patterns are logged and ignored.
func New(log zerolog.Logger, patterns, skipFacts []string) *Filter {
	compiled, err := Compile(patterns)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring invalid message blacklist patterns")
	}
	skip := make(map[string]struct{}, len(skipFacts))
	for _, fact := range skipFacts {
		skip[fact] = struct{}{}
	}
	return &Filter{
		patterns:  compiled,
		skipFacts: skip,
		log:       log,
	}
}

// Noop reports whether the filter has nothing to apply.
func (f *Filter) Noop() bool {
	return len(f.patterns) == 0 && len(f.skipFacts) == 0
}

// Apply filters r in place and reports whether anything was removed.
func (f *Filter) Apply(r *report.CheckinReport) bool {
	if f.Noop() {
		return false
	}
	changed := false
	for name, mod := range r.Modules {
		modChanged := false
		if kept, dropped := f.filterMessages(mod.Messages); dropped > 0 {
			f.log.Debug().Str("module", name).Int("dropped", dropped).Msg("Removed blacklisted messages")
			mod.Messages = kept
			modChanged = true
		}
		if facts, dropped := f.filterFacts(mod.Facts); dropped > 0 {
			f.log.Debug().Str("module", name).Int("dropped", dropped).Msg("Removed suppressed facts")
			mod.Facts = facts
			modChanged = true
		}
		if modChanged {
			r.Modules[name] = mod
			changed = true
		}
	}
	return changed
}

func (f *Filter) filterMessages(messages []report.Message) ([]report.Message, int) {
	if len(f.patterns) == 0 || len(messages) == 0 {
		return messages, 0
	}
	kept := make([]report.Message, 0, len(messages))
	for _, msg := range messages {
		if f.blacklisted(msg.Text) {
			continue
		}
		kept = append(kept, msg)
	}
	return kept, len(messages) - len(kept)
}

func (f *Filter) blacklisted(text string) bool {
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (f *Filter) filterFacts(facts map[string]report.Value) (map[string]report.Value, int) {
	if len(f.skipFacts) == 0 || len(facts) == 0 {
		return facts, 0
	}
	dropped := 0
	out := make(map[string]report.Value, len(facts))
	for k, v := range facts {
		if _, skip := f.skipFacts[k]; skip {
			dropped++
			continue
		}
		out[k] = v
	}
	if dropped == 0 {
		return facts, 0
	}
	return out, dropped
}

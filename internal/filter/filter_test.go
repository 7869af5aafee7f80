package filter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salagent/internal/report"
)

func sampleReport() report.CheckinReport {
	r := report.New()
	r.Modules["Machine"] = report.ModuleReport{
		Facts: map[string]report.Value{
			"uptime":   report.String("5d"),
			"hostname": report.String("mac1"),
		},
		Messages: []report.Message{
			{Type: report.MessageWarning, Text: "Could not retrieve managed install report"},
			{Type: report.MessageError, Text: "Disk full"},
		},
	}
	return r
}

func TestApplySkipFacts(t *testing.T) {
	r := sampleReport()
	f := New(zerolog.Nop(), nil, []string{"uptime"})

	changed := f.Apply(&r)

	assert.True(t, changed)
	assert.Equal(t, map[string]report.Value{"hostname": report.String("mac1")}, r.Modules["Machine"].Facts)
	assert.Len(t, r.Modules["Machine"].Messages, 2)
}

func TestApplyBlacklist(t *testing.T) {
	r := sampleReport()
	f := New(zerolog.Nop(), []string{"^Could not retrieve"}, nil)

	changed := f.Apply(&r)

	assert.True(t, changed)
	require.Len(t, r.Modules["Machine"].Messages, 1)
	assert.Equal(t, report.Message{Type: report.MessageError, Text: "Disk full"}, r.Modules["Machine"].Messages[0])
}

func TestApplyNoop(t *testing.T) {
	r := sampleReport()
	before := sampleReport()
	f := New(zerolog.Nop(), nil, nil)

	assert.True(t, f.Noop())
	assert.False(t, f.Apply(&r))
	assert.True(t, r.Equal(&before))
}

func TestApplyNoMatch(t *testing.T) {
	r := sampleReport()
	before := sampleReport()
	f := New(zerolog.Nop(), []string{"kernel panic"}, []string{"serial"})

	assert.False(t, f.Apply(&r))
	assert.True(t, r.Equal(&before))
}

func TestApplyIdempotent(t *testing.T) {
	r := sampleReport()
	f := New(zerolog.Nop(), []string{"(?i)disk"}, []string{"uptime"})

	assert.True(t, f.Apply(&r))
	once := r.Modules["Machine"].Clone()
	assert.False(t, f.Apply(&r))
	assert.True(t, once.Equal(r.Modules["Machine"]))
}

func TestInvalidPatternSkipped(t *testing.T) {
	compiled, err := Compile([]string{"([", "Disk"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"(["`)
	assert.Len(t, compiled, 1)

	r := sampleReport()
	f := New(zerolog.Nop(), []string{"([", "Disk"}, nil)
	assert.True(t, f.Apply(&r))
	assert.Len(t, r.Modules["Machine"].Messages, 1)
}

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salagent/internal/report"
)

func testReport() report.CheckinReport {
	r := report.New()
	r.Modules["Sal"] = report.ModuleReport{
		ExtraData: map[string]report.Value{"key": report.String("abc")},
		Facts:     map[string]report.Value{"checkin_module_version": report.String("1.0.0")},
	}
	return r
}

func TestLoadMissingIsEmpty(t *testing.T) {
	s := New(zerolog.Nop(), filepath.Join(t.TempDir(), "checkin_results.json"))

	r, err := s.Load()
	require.NoError(t, err)
	assert.True(t, r.Empty())
	assert.False(t, s.Exists())
}

func TestSaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkin_results.json")
	s := New(zerolog.Nop(), path)
	r := testReport()

	written, err := s.Save(&r)
	require.NoError(t, err)
	assert.True(t, written)
	assert.True(t, s.Exists())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(reportFilePerm), info.Mode().Perm())

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.True(t, r.Equal(&loaded))

	require.NoError(t, s.Clear())
	assert.False(t, s.Exists())
	require.NoError(t, s.Clear(), "clearing twice is fine")
}

func TestSaveSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkin_results.json")
	s := New(zerolog.Nop(), path)
	r := testReport()

	written, err := s.Save(&r)
	require.NoError(t, err)
	require.True(t, written)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	written, err = s.Save(&r)
	require.NoError(t, err)
	assert.False(t, written)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, past, info.ModTime(), time.Second)

	r.Modules["Machine"] = report.ModuleReport{Facts: map[string]report.Value{"hostname": report.String("mac1")}}
	written, err = s.Save(&r)
	require.NoError(t, err)
	assert.True(t, written)
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkin_results.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(zerolog.Nop(), path).Load()
	assert.Error(t, err)
}

func TestSaveRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	r := testReport()

	_, err := New(zerolog.Nop(), dir).Save(&r)
	assert.Error(t, err)
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")

	require.NoError(t, WriteAtomic(path, []byte("#!/bin/sh\n"), 0o755))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestPluginResults(t *testing.T) {
	p := NewPluginResults(zerolog.Nop(), filepath.Join(t.TempDir(), "plugin_results.json"))

	results, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, p.Append(report.PluginResult{Plugin: "A", Data: map[string]report.Value{"v": report.Int(1)}}))
	require.NoError(t, p.Append(
		report.PluginResult{Plugin: "B", Historical: true},
		report.PluginResult{Plugin: "A", Data: map[string]report.Value{"v": report.Int(2)}},
	))

	results, err = p.Load()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Plugin)
	assert.Equal(t, report.Int(2), results[0].Data["v"])
	assert.True(t, results[1].Historical)

	require.NoError(t, p.Remove())
	require.NoError(t, p.Remove())
	results, err = p.Load()
	require.NoError(t, err)
	assert.Empty(t, results)
}

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevels(t *testing.T) {
	var buf bytes.Buffer
	log, err := Init(Config{Output: &buf})
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	log, err = Init(Config{Output: &buf, Debug: true})
	require.NoError(t, err)
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestInitBadLevel(t *testing.T) {
	_, err := Init(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	_, err := Init(Config{Output: &buf})
	require.NoError(t, err)

	WithComponent("checkin").Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "checkin", entry["component"])
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduleData(t *testing.T) {
	data, err := newScheduleData("/usr/local/sal/bin/sal-submit", "/etc/sal/agent.yaml", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1800, data.Interval)
	assert.Equal(t, 180, data.Delay)
	assert.Equal(t, launchdLabel, data.Label)

	_, err = newScheduleData("/bin/agent", "/etc/sal/agent.yaml", time.Minute)
	require.Error(t, err)

	_, err = newScheduleData("/bin/agent\nExecStartPre=/bin/sh", "/etc/sal/agent.yaml", time.Hour)
	require.Error(t, err)
}

func TestRenderLaunchd(t *testing.T) {
	data, err := newScheduleData("/usr/local/sal/bin/sal-submit", "/etc/sal/agent.yaml", time.Hour)
	require.NoError(t, err)

	out, err := render("plist", launchdTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<string>com.salopensource.sal-submit</string>")
	assert.Contains(t, string(out), "<integer>3600</integer>")
	assert.Contains(t, string(out), "<string>/usr/local/sal/bin/sal-submit</string>")
	assert.Contains(t, string(out), "<string>360</string>")
}

func TestRenderSystemd(t *testing.T) {
	data, err := newScheduleData("/usr/local/bin/sal-submit", "/etc/sal/agent.yaml", 15*time.Minute)
	require.NoError(t, err)

	service, err := render("service", systemdServiceTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, string(service), "ExecStart=/usr/local/bin/sal-submit --config /etc/sal/agent.yaml\n")
	assert.Contains(t, string(service), "Type=oneshot")

	timer, err := render("timer", systemdTimerTemplate, data)
	require.NoError(t, err)
	assert.Contains(t, string(timer), "OnUnitActiveSec=900s")
	assert.Contains(t, string(timer), "RandomizedDelaySec=90s")
}

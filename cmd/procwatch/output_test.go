package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/loykin/procwatch/pkg/client"
)

func sampleTargets() []client.Target {
	return []client.Target{{
		Config: client.TargetConfig{Name: "api", Path: "/bin/api", MaxRestarts: 5},
		State: client.RuntimeState{
			Name:         "api",
			Status:       "running",
			PID:          4242,
			RestartCount: 1,
			MaxRestarts:  5,
			LastStats:    client.StatSample{CPUPercent: 12.5, MemoryMB: 64, Uptime: "1m0s"},
		},
	}}
}

func TestParseOutput(t *testing.T) {
	for in, want := range map[string]outputFormat{"": outputTable, "JSON": outputJSON, " yaml ": outputYAML, "table": outputTable} {
		got, err := parseOutput(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseOutput("xml")
	assert.Error(t, err)
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printer{w: &buf, format: outputTable}.targets(sampleTargets()))
	out := buf.String()
	assert.Contains(t, out, "api")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "1/5")
	assert.Contains(t, out, "12.5")
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printer{w: &buf, format: outputJSON}.targets(sampleTargets()))
	var got []client.Target
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 4242, got[0].State.PID)
}

func TestPrinter_YAMLUsesJSONKeys(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printer{w: &buf, format: outputYAML}.targets(sampleTargets()))
	assert.Contains(t, buf.String(), "max_restarts: 5")

	var got []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	state := got[0]["state"].(map[string]any)
	assert.Equal(t, "running", state["status"])
}

func TestEventLine(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)

	line := eventLine(client.Event{Kind: "status", Target: "api", Time: at, Status: "errored", Error: "boom"})
	assert.Equal(t, `03:04:05 [api] status=errored error="boom"`, line)

	line = eventLine(client.Event{Kind: "stats", Target: "api", Time: at,
		Stats: client.StatSample{CPUPercent: 2, MemoryMB: 8.3, RestartCount: 1, Uptime: "5s"}})
	assert.Equal(t, "03:04:05 [api] cpu=2.0% mem=8.3MB restarts=1 uptime=5s", line)

	line = eventLine(client.Event{Kind: "log", Target: "api", Time: at, Text: "hello"})
	assert.Equal(t, "03:04:05 [api] hello", line)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "-", pidString(0))
	assert.Equal(t, "12", pidString(12))
	assert.Equal(t, "-", dash(""))
	assert.Equal(t, "-", nextRestart(nil))
}

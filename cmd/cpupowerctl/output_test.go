package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseFormat(t *testing.T) {
	for _, f := range []string{"text", "JSON", "yaml"} {
		_, err := parseFormat(f)
		assert.NoError(t, err, f)
	}

	_, err := parseFormat("xml")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestFormatKHz(t *testing.T) {
	assert.Equal(t, "3.6 GHz", formatKHz(3600000))
	assert.Equal(t, "800 MHz", formatKHz(800000))
	assert.Equal(t, "2.2 GHz", formatKHz(2200000))
	assert.Equal(t, "-", formatKHz(0))
}

func TestParseSwitch(t *testing.T) {
	on, err := parseSwitch("ON")
	require.NoError(t, err)
	assert.True(t, on)

	on, err = parseSwitch("off")
	require.NoError(t, err)
	assert.False(t, on)

	_, err = parseSwitch("maybe")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestExitCode(t *testing.T) {
	f := errors.New()
	assert.Equal(t, 4, exitCode(f.New(errors.ErrPermissionDenied)))
	assert.Equal(t, 3, exitCode(f.New(errors.ErrUnsupported)))
	assert.Equal(t, 2, exitCode(f.New(errors.ErrProfileNotFound)))
	assert.Equal(t, 5, exitCode(f.New(errors.ErrAlreadyRunning)))
	assert.Equal(t, 1, exitCode(io.EOF))
}

func TestRenderProfiles(t *testing.T) {
	specs := profile.Builtins()

	var text bytes.Buffer
	require.NoError(t, render(&text, formatText, specs, func(w io.Writer) error {
		return writeProfiles(w, specs, "balanced")
	}))
	assert.Contains(t, text.String(), "* ")
	assert.Contains(t, text.String(), profile.NamePowerSaver)

	var js bytes.Buffer
	require.NoError(t, render(&js, formatJSON, specs, nil))
	var decoded []profile.Spec
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Len(t, decoded, len(specs))

	var ym bytes.Buffer
	require.NoError(t, render(&ym, formatYAML, specs, nil))
	var raw []map[string]any
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &raw))
	require.Len(t, raw, len(specs))
	assert.Equal(t, specs[0].Name, raw[0]["name"])
}

func TestWriteStatus(t *testing.T) {
	on := true
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := engine.Status{
		Topology: &cpufreq.Topology{Capabilities: cpufreq.Capabilities{Driver: "intel_pstate"}},
		Cores: []cpufreq.Snapshot{
			{Core: 0, Governor: "powersave", CurFreq: 1200000, MinFreq: 800000, MaxFreq: 3600000, HardwareMin: 800000, HardwareMax: 3600000},
		},
		Turbo:    &on,
		State:    &engine.State{Profile: profile.NameBalanced, Phase: engine.PhaseSteady, Ticks: 1234, LastTick: now.Add(-5 * time.Second)},
		AutoTune: true,
	}

	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, st, now))

	out := buf.String()
	assert.Contains(t, out, "intel_pstate")
	assert.Contains(t, out, "1,234 ticks")
	assert.Contains(t, out, "1.2 GHz")
	assert.Contains(t, out, "Turbo:")
	assert.Contains(t, out, "Balanced (steady")

	st.State = nil
	buf.Reset()
	require.NoError(t, writeStatus(&buf, st, now))
	assert.Contains(t, buf.String(), "service not running")
	assert.NotContains(t, buf.String(), "ticks")
}

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"2400", 2400000},
		{"1800.5", 1800500},
		{"2.4GHz", 2400000},
		{"800 MHz", 800000},
	}
	for _, tt := range tests {
		got, err := parseFrequency(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"0", "-5", "fast", "2.4GB"} {
		_, err := parseFrequency(bad)
		assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument), bad)
	}
}

func TestFormatCap(t *testing.T) {
	assert.Equal(t, "max", formatCap(profile.FreqCap{}))
	assert.Equal(t, "max", formatCap(profile.FreqCap{Percent: 100}))
	assert.Equal(t, "80%", formatCap(profile.FreqCap{Percent: 80}))
	assert.Equal(t, "2.2 GHz", formatCap(profile.FreqCap{KHz: 2200000}))
}

func TestWriteReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := applier.Report{
		ID:         "r-1",
		Profile:    profile.NameSilent,
		StartedAt:  start,
		FinishedAt: start.Add(12 * time.Millisecond),
		Cores: []applier.CoreResult{
			{Core: 1, Outcome: applier.OutcomeForcedSafe, Error: "permission denied"},
			{Core: 0, Outcome: applier.OutcomeApplied, Final: cpufreq.Snapshot{Governor: "powersave", MaxFreq: 2200000}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, r))

	out := buf.String()
	assert.Contains(t, out, `"Silent": partial`)
	assert.Contains(t, out, "forced_safe")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("core 0")), bytes.Index(buf.Bytes(), []byte("core 1")))
}

func TestGovernorCompletionsAreAccepted(t *testing.T) {
	for _, g := range setGovernorCmd.ValidArgs {
		assert.NotEqual(t, cpufreq.GovernorUnknown, cpufreq.ParseGovernor(g), g)
	}
}

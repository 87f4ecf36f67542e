package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/config"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level = "debug"
autotune = true

[polling]
base = "3s"
floor = "1s"
ceiling = "20s"

[hysteresis]
cooldown = "45s"

[thermal]
high = 78
emergency = 92
zones = ["x86_pkg_temp"]

[load]
high = 70
low = 15
window = 4

[profiles]
ac = "Gaming"
battery = "Silent"

[[profile]]
name = "Gaming"
governor = "performance"
turbo = "on"
max_freq_percent = 90

  [[profile.override]]
  core = 0
  governor = "schedutil"
  max_freq_khz = 2000000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cpupowerctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("CPUPOWERCTL_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Polling.Base)
	assert.Equal(t, time.Second, cfg.Polling.Floor)
	assert.Equal(t, 20*time.Second, cfg.Polling.Ceiling)
	assert.Equal(t, 45*time.Second, cfg.Hysteresis.Cooldown)
	assert.InDelta(t, 78.0, cfg.Thermal.High, 0.001)
	assert.Equal(t, []string{"x86_pkg_temp"}, cfg.Thermal.Zones)
	assert.Equal(t, 4, cfg.Load.Window)
	assert.Equal(t, "Gaming", cfg.Profiles.AC)

	users, err := cfg.UserProfiles()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, cpufreq.GovernorPerformance, users[0].Governor)
	assert.Equal(t, profile.TurboOn, users[0].Turbo)
	assert.InDelta(t, 90.0, users[0].MaxFreq.Percent, 0.001)
	require.Len(t, users[0].Overrides, 1)
	assert.Equal(t, uint64(2000000), users[0].Overrides[0].MaxFreqKHz)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CPUPOWERCTL_CONFIG", "")

	cfg, err := config.Load(config.WithSearchPaths(t.TempDir()))
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.True(t, cfg.AutoTune)
	assert.Equal(t, 2*time.Second, cfg.Polling.Base)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.Floor)
	assert.Equal(t, 10*time.Second, cfg.Polling.Ceiling)
	assert.Equal(t, 30*time.Second, cfg.Hysteresis.Cooldown)
	assert.InDelta(t, 95.0, cfg.Thermal.Emergency, 0.001)
	assert.Equal(t, profile.NameBalanced, cfg.Profiles.AC)
	assert.Equal(t, profile.NamePowerSaver, cfg.Profiles.Battery)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, "This is not a valid TOML file\n")

	_, err := config.Load(config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestEnvAndFlagOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("CPUPOWERCTL_HYSTERESIS_COOLDOWN", "10s")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.Duration("interval", 2*time.Second, "")
	require.NoError(t, fs.Parse([]string{"--log-level=error", "--interval=5s"}))

	cfg, err := config.Load(config.WithConfigFile(path), config.WithFlags(fs))
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Polling.Base)
	assert.Equal(t, 10*time.Second, cfg.Hysteresis.Cooldown)
}

func TestLoadThresholdsReplaceSection(t *testing.T) {
	cfg, err := config.Load(config.WithConfigFile(writeConfig(t, sampleConfig)))
	require.NoError(t, err)

	cfg.Load = config.LoadThresholds{High: 70, Low: 10, Window: 3, TurboThreshold: 50}
	require.NoError(t, cfg.Validate())

	cfg.Load = config.LoadThresholds{High: 70, Low: 10, Window: 3, TurboThreshold: 120}
	assert.True(t, errors.HasCode(cfg.Validate(), errors.ErrInvalidConfig))
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *config.Config {
		t.Helper()
		cfg, err := config.Load(config.WithConfigFile(writeConfig(t, sampleConfig)))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   errors.ErrorCode
	}{
		{"floor above base", func(c *config.Config) { c.Polling.Floor = 5 * time.Second }, errors.ErrInvalidInterval},
		{"base above ceiling", func(c *config.Config) { c.Polling.Base = time.Minute }, errors.ErrInvalidInterval},
		{"high not below emergency", func(c *config.Config) { c.Thermal.High = 95 }, errors.ErrInvalidConfig},
		{"load bounds inverted", func(c *config.Config) { c.Load.Low = 80 }, errors.ErrInvalidConfig},
		{"empty window", func(c *config.Config) { c.Load.Window = 0 }, errors.ErrInvalidConfig},
		{"bad log level", func(c *config.Config) { c.LogLevel = "chatty" }, errors.ErrInvalidLogLevel},
		{"unknown ac profile", func(c *config.Config) { c.Profiles.AC = "Turbo" }, errors.ErrProfileNotFound},
		{"reserved user profile", func(c *config.Config) { c.Profile[0].Name = "Silent"; c.Profiles.AC = "Silent" }, errors.ErrInvalidProfile},
		{"bad user governor", func(c *config.Config) { c.Profile[0].Governor = "fast" }, errors.ErrInvalidProfile},
		{"metrics without batch", func(c *config.Config) { c.Metrics.Enabled = true; c.Metrics.BatchSize = 0 }, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	loader, err := config.NewLoader(config.WithConfigFile(path))
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *config.Config, 16)
	require.NoError(t, loader.Watch(ctx, func(c *config.Config) {
		select {
		case reloaded <- c:
		default:
		}
	}))

	updated := strings.Replace(sampleConfig, `cooldown = "45s"`, `cooldown = "90s"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	// a truncating write may surface an intermediate reload first
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Hysteresis.Cooldown == 90*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("configuration change not observed")
		}
	}
}

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	appName          = "cpupowerctl"
	DefaultEnvPrefix = "CPUPOWERCTL"
	DefaultLogLevel  = "info"
)

type Polling struct {
	Base              time.Duration `mapstructure:"base"`
	Floor             time.Duration `mapstructure:"floor"`
	Ceiling           time.Duration `mapstructure:"ceiling"`
	RelaxAfter        int           `mapstructure:"relax_after"`
	RelaxFactor       float64       `mapstructure:"relax_factor"`
	FastDischargeRate float64       `mapstructure:"fast_discharge_rate"`
}

type Hysteresis struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type Thermal struct {
	High            float64  `mapstructure:"high"`
	Emergency       float64  `mapstructure:"emergency"`
	Headroom        float64  `mapstructure:"headroom"`
	Zones           []string `mapstructure:"zones"`
	SensorsFallback bool     `mapstructure:"sensors_fallback"`
}

type LoadThresholds struct {
	High           float64 `mapstructure:"high"`
	Low            float64 `mapstructure:"low"`
	Window         int     `mapstructure:"window"`
	TurboThreshold float64 `mapstructure:"turbo_threshold"`
}

type Profiles struct {
	AC      string `mapstructure:"ac"`
	Battery string `mapstructure:"battery"`
}

type OverrideEntry struct {
	Core       int    `mapstructure:"core"`
	Governor   string `mapstructure:"governor"`
	MaxFreqKHz uint64 `mapstructure:"max_freq_khz"`
}

type ProfileEntry struct {
	Name           string          `mapstructure:"name"`
	Description    string          `mapstructure:"description"`
	Governor       string          `mapstructure:"governor"`
	Turbo          string          `mapstructure:"turbo"`
	MaxFreqKHz     uint64          `mapstructure:"max_freq_khz"`
	MaxFreqPercent float64         `mapstructure:"max_freq_percent"`
	Override       []OverrideEntry `mapstructure:"override"`
}

type Sysfs struct {
	CPURoot         string        `mapstructure:"cpu_root"`
	ThermalRoot     string        `mapstructure:"thermal_root"`
	PowerSupplyRoot string        `mapstructure:"power_supply_root"`
	IOTimeout       time.Duration `mapstructure:"io_timeout"`
}

type Metrics struct {
	Enabled       bool          `mapstructure:"enabled"`
	DBPath        string        `mapstructure:"db_path"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

type Config struct {
	LogLevel      string         `mapstructure:"log_level"`
	AutoTune      bool           `mapstructure:"autotune"`
	RestoreOnExit bool           `mapstructure:"restore_on_exit"`
	LockFile      string         `mapstructure:"lock_file"`
	PIDFile       string         `mapstructure:"pid_file"`
	StateFile     string         `mapstructure:"state_file"`
	Polling       Polling        `mapstructure:"polling"`
	Hysteresis    Hysteresis     `mapstructure:"hysteresis"`
	Thermal       Thermal        `mapstructure:"thermal"`
	Load          LoadThresholds `mapstructure:"load"`
	Profiles      Profiles       `mapstructure:"profiles"`
	Profile       []ProfileEntry `mapstructure:"profile"`
	Sysfs         Sysfs          `mapstructure:"sysfs"`
	Metrics       Metrics        `mapstructure:"metrics"`

	// File is the configuration file in use, empty when running on defaults.
	File string `mapstructure:"-"`
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"autotune":   "autotune",
	"interval":   "polling.base",
	"cooldown":   "hysteresis.cooldown",
	"metrics":    "metrics.enabled",
	"metrics-db": "metrics.db_path",
	"restore":    "restore_on_exit",
	"lock-file":  "lock_file",
	"pid-file":   "pid_file",
	"state-file": "state_file",
	"sensors":    "thermal.sensors_fallback",
	"battery":    "profiles.battery",
	"ac":         "profiles.ac",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("autotune", true)
	v.SetDefault("restore_on_exit", true)
	v.SetDefault("lock_file", "/run/cpupowerctl.lock")
	v.SetDefault("pid_file", "/run/cpupowerctl.pid")
	v.SetDefault("state_file", "/run/cpupowerctl/state.json")

	v.SetDefault("polling.base", "2s")
	v.SetDefault("polling.floor", "500ms")
	v.SetDefault("polling.ceiling", "10s")
	v.SetDefault("polling.relax_after", 3)
	v.SetDefault("polling.relax_factor", 1.5)
	v.SetDefault("polling.fast_discharge_rate", 15.0)

	v.SetDefault("hysteresis.cooldown", "30s")

	v.SetDefault("thermal.high", 80.0)
	v.SetDefault("thermal.emergency", 95.0)
	v.SetDefault("thermal.headroom", 10.0)
	v.SetDefault("thermal.zones", []string{})
	v.SetDefault("thermal.sensors_fallback", true)

	v.SetDefault("load.high", 75.0)
	v.SetDefault("load.low", 20.0)
	v.SetDefault("load.window", 5)
	v.SetDefault("load.turbo_threshold", 60.0)

	v.SetDefault("profiles.ac", profile.NameBalanced)
	v.SetDefault("profiles.battery", profile.NamePowerSaver)

	v.SetDefault("sysfs.cpu_root", "/sys/devices/system/cpu")
	v.SetDefault("sysfs.thermal_root", "/sys/class/thermal")
	v.SetDefault("sysfs.power_supply_root", "/sys/class/power_supply")
	v.SetDefault("sysfs.io_timeout", "2s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.db_path", filepath.Join(xdg.StateHome, appName, "metrics.db"))
	v.SetDefault("metrics.batch_size", 50)
	v.SetDefault("metrics.batch_timeout", "30s")
	v.SetDefault("metrics.retention", "168h")
	v.SetDefault("metrics.prune_schedule", "0 0 * * * *")
}

var _ Watcher = (*Loader)(nil)

// Loader reads the configuration from file, environment and flags, and keeps
// the viper instance around for watching.
type Loader struct {
	v    *viper.Viper
	opts options
	mu   sync.Mutex
}

func NewLoader(opts ...Option) (*Loader, error) {
	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.New().Wrap(errors.ErrInvalidArgument, err)
		}
	}

	if o.searchPaths == nil {
		o.searchPaths = []string{"/etc", filepath.Join(xdg.ConfigHome, appName)}
	}

	return &Loader{v: viper.New(), opts: o}, nil
}

// Load is a shorthand for NewLoader followed by Loader.Load.
func Load(opts ...Option) (*Config, error) {
	l, err := NewLoader(opts...)
	if err != nil {
		return nil, err
	}
	return l.Load()
}

func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	errFactory := errors.New()
	v := l.v

	setDefaults(v)

	v.SetEnvPrefix(l.opts.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := l.opts.configPath
	if path == "" {
		path = os.Getenv(l.opts.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("toml")
		for _, p := range l.opts.searchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
		logger.Debug().Msg("No configuration file found, using defaults")
	}

	if l.opts.flags != nil {
		for name, key := range flagKeys {
			if f := l.opts.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errFactory.Wrap(errors.ErrBindFlags, err)
				}
			}
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	cfg.File = l.v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Watch reloads on every change to the loaded file. It requires a prior
// successful Load from a file.
func (l *Loader) Watch(ctx context.Context, callback func(*Config)) error {
	if l.v.ConfigFileUsed() == "" {
		return errors.New().WithMessage(errors.ErrReadConfig, "no configuration file to watch")
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil || !(e.Has(fsnotify.Write) || e.Has(fsnotify.Create)) {
			return
		}

		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}

		logger.Info().Str("file", e.Name).Msg("Configuration reloaded")
		callback(cfg)
	})
	l.v.WatchConfig()

	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	errFactory := errors.New()
	invalid := func(format string, args ...any) error {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	p := c.Polling
	if p.Floor <= 0 || p.Floor > p.Base || p.Base > p.Ceiling {
		return errFactory.WithData(errors.ErrInvalidInterval,
			fmt.Sprintf("need 0 < floor <= base <= ceiling, got %s/%s/%s", p.Floor, p.Base, p.Ceiling))
	}
	if p.RelaxAfter < 1 {
		return invalid("polling.relax_after must be at least 1")
	}
	if p.RelaxFactor < 1 {
		return invalid("polling.relax_factor must be at least 1")
	}
	if p.FastDischargeRate <= 0 {
		return invalid("polling.fast_discharge_rate must be positive")
	}

	if c.Hysteresis.Cooldown < 0 {
		return invalid("hysteresis.cooldown must not be negative")
	}

	if c.Thermal.High >= c.Thermal.Emergency {
		return invalid("thermal.high (%.1f) must be below thermal.emergency (%.1f)", c.Thermal.High, c.Thermal.Emergency)
	}
	if c.Thermal.Headroom < 0 {
		return invalid("thermal.headroom must not be negative")
	}

	if c.Load.Low < 0 || c.Load.High > 100 || c.Load.Low >= c.Load.High {
		return invalid("need 0 <= load.low < load.high <= 100")
	}
	if c.Load.Window < 1 {
		return invalid("load.window must be at least 1")
	}
	if c.Load.TurboThreshold < 0 || c.Load.TurboThreshold > 100 {
		return invalid("load.turbo_threshold must be within 0..100")
	}

	if c.Sysfs.IOTimeout <= 0 {
		return invalid("sysfs.io_timeout must be positive")
	}

	users, err := c.UserProfiles()
	if err != nil {
		return err
	}
	catalog := profile.NewCatalog()
	if err := catalog.Replace(users); err != nil {
		return err
	}
	for _, name := range []string{c.Profiles.AC, c.Profiles.Battery} {
		if _, ok := catalog.Get(name); !ok {
			return errFactory.WithData(errors.ErrProfileNotFound, name)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.DBPath == "" {
			return invalid("metrics.db_path is required when metrics are enabled")
		}
		if c.Metrics.BatchSize < 1 || c.Metrics.BatchTimeout <= 0 {
			return invalid("metrics.batch_size and metrics.batch_timeout must be positive")
		}
	}

	return nil
}

// UserProfiles converts the [[profile]] tables into profile specs.
func (c *Config) UserProfiles() ([]profile.Spec, error) {
	specs := make([]profile.Spec, 0, len(c.Profile))
	for _, e := range c.Profile {
		turbo, err := profile.ParseTurboPolicy(e.Turbo)
		if err != nil {
			return nil, err
		}

		s := profile.Spec{
			Name:        e.Name,
			Description: e.Description,
			Governor:    cpufreq.Governor(strings.ToLower(e.Governor)),
			Turbo:       turbo,
			MaxFreq:     profile.FreqCap{KHz: e.MaxFreqKHz, Percent: e.MaxFreqPercent},
			Tier:        profile.NoTier,
		}
		for _, o := range e.Override {
			s.Overrides = append(s.Overrides, profile.Override{
				Core:       cpufreq.CoreID(o.Core),
				Governor:   cpufreq.Governor(strings.ToLower(o.Governor)),
				MaxFreqKHz: o.MaxFreqKHz,
			})
		}
		specs = append(specs, s)
	}

	return specs, nil
}

package engine

import (
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/config"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/load"
	"codeberg.org/mutker/cpupowerctl/internal/power"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"codeberg.org/mutker/cpupowerctl/internal/thermal"
)

// Config holds the thresholds the engine decides with. Values are assumed
// validated.
type Config struct {
	AutoTune      bool
	RestoreOnExit bool

	Base              time.Duration
	Floor             time.Duration
	Ceiling           time.Duration
	RelaxAfter        int
	RelaxFactor       float64
	FastDischargeRate float64

	Cooldown time.Duration

	HighTemp      float64
	EmergencyTemp float64
	Headroom      float64

	HighLoad       float64
	LowLoad        float64
	Window         int
	TurboThreshold float64

	ACProfile      string
	BatteryProfile string
}

func FromConfig(c *config.Config) Config {
	return Config{
		AutoTune:          c.AutoTune,
		RestoreOnExit:     c.RestoreOnExit,
		Base:              c.Polling.Base,
		Floor:             c.Polling.Floor,
		Ceiling:           c.Polling.Ceiling,
		RelaxAfter:        c.Polling.RelaxAfter,
		RelaxFactor:       c.Polling.RelaxFactor,
		FastDischargeRate: c.Polling.FastDischargeRate,
		Cooldown:          c.Hysteresis.Cooldown,
		HighTemp:          c.Thermal.High,
		EmergencyTemp:     c.Thermal.Emergency,
		Headroom:          c.Thermal.Headroom,
		HighLoad:          c.Load.High,
		LowLoad:           c.Load.Low,
		Window:            c.Load.Window,
		TurboThreshold:    c.Load.TurboThreshold,
		ACProfile:         c.Profiles.AC,
		BatteryProfile:    c.Profiles.Battery,
	}
}

// State is the engine's mutable state. Only the engine writes it; readers
// get a deep copy.
type State struct {
	Profile          string                              `json:"profile" yaml:"profile"`
	Phase            Phase                               `json:"phase" yaml:"phase"`
	Rule             Rule                                `json:"last_rule" yaml:"last_rule"`
	Interval         time.Duration                       `json:"interval" yaml:"interval"`
	AppliedSource    power.Source                        `json:"applied_source" yaml:"applied_source"`
	HasAppliedSource bool                                `json:"has_applied_source" yaml:"has_applied_source"`
	CooldownUntil    time.Time                           `json:"cooldown_until" yaml:"cooldown_until"`
	SteadyTicks      int                                 `json:"steady_ticks" yaml:"steady_ticks"`
	LastApplied      map[cpufreq.CoreID]cpufreq.Snapshot `json:"last_applied" yaml:"last_applied"`
	Failures         map[cpufreq.CoreID]int              `json:"failures" yaml:"failures"`
	Ticks            uint64                              `json:"ticks" yaml:"ticks"`
	LastTick         time.Time                           `json:"last_tick" yaml:"last_tick"`
}

func (s State) clone() State {
	c := s
	c.LastApplied = make(map[cpufreq.CoreID]cpufreq.Snapshot, len(s.LastApplied))
	for k, v := range s.LastApplied {
		c.LastApplied[k] = v
	}
	c.Failures = make(map[cpufreq.CoreID]int, len(s.Failures))
	for k, v := range s.Failures {
		c.Failures[k] = v
	}
	return c
}

// Signals holds the most recent sample of each input, nil when the last
// attempt produced nothing.
type Signals struct {
	Thermal *thermal.Reading `json:"thermal,omitempty" yaml:"thermal,omitempty"`
	Load    *load.Reading    `json:"load,omitempty" yaml:"load,omitempty"`
	Power   *power.State     `json:"power,omitempty" yaml:"power,omitempty"`
}

func signalsFrom(in Inputs) Signals {
	var s Signals
	if in.HasThermal {
		t := in.Thermal
		s.Thermal = &t
	}
	if in.HasLoad {
		l := in.Load
		s.Load = &l
	}
	if in.HasPower {
		p := in.Power
		s.Power = &p
	}
	return s
}

// Status is the read-only view handed to presentation shells. State and
// Active are nil when the view does not come from a running engine loop.
type Status struct {
	Topology *cpufreq.Topology  `json:"topology" yaml:"topology"`
	Cores    []cpufreq.Snapshot `json:"cores" yaml:"cores"`
	Turbo    *bool              `json:"turbo,omitempty" yaml:"turbo,omitempty"`
	State    *State             `json:"state,omitempty" yaml:"state,omitempty"`
	Signals  Signals            `json:"signals" yaml:"signals"`
	AutoTune bool               `json:"autotune" yaml:"autotune"`
	Active   *profile.Spec      `json:"active_profile,omitempty" yaml:"active_profile,omitempty"`
}

package profile

import (
	"strings"

	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

const (
	NamePerformance = "Performance"
	NameBalanced    = "Balanced"
	NamePowerSaver  = "Power Saver"
	NameSilent      = "Silent"
)

type TurboPolicy string

const (
	TurboOn   TurboPolicy = "on"
	TurboOff  TurboPolicy = "off"
	TurboLoad TurboPolicy = "load"
)

func ParseTurboPolicy(s string) (TurboPolicy, error) {
	switch p := TurboPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case TurboOn, TurboOff, TurboLoad:
		return p, nil
	case "":
		return TurboLoad, nil
	default:
		return "", errors.New().WithData(errors.ErrInvalidProfile, "turbo="+s)
	}
}

// Tier ranks built-in profiles by power draw, Silent lowest.
type Tier int

const (
	NoTier Tier = iota - 1
	TierSilent
	TierPowerSaver
	TierBalanced
	TierPerformance
)

// FreqCap limits the maximum frequency, either absolutely or as a percentage
// of each core's hardware range. KHz wins when both are set.
type FreqCap struct {
	KHz     uint64  `json:"khz,omitempty" yaml:"khz,omitempty"`
	Percent float64 `json:"percent,omitempty" yaml:"percent,omitempty"`
}

func (c FreqCap) IsSet() bool {
	return c.KHz > 0 || c.Percent > 0
}

// Resolve returns the cap for a core with the given hardware range, clipped
// into that range. An unset cap resolves to hwMax.
func (c FreqCap) Resolve(hwMin, hwMax uint64) uint64 {
	target := hwMax
	switch {
	case c.KHz > 0:
		target = c.KHz
	case c.Percent > 0 && c.Percent < 100:
		target = hwMin + uint64(float64(hwMax-hwMin)*c.Percent/100)
	}

	if target < hwMin {
		return hwMin
	}
	if target > hwMax {
		return hwMax
	}
	return target
}

// Override replaces the governor and/or cap for a single core.
type Override struct {
	Core       cpufreq.CoreID   `json:"core" yaml:"core"`
	Governor   cpufreq.Governor `json:"governor,omitempty" yaml:"governor,omitempty"`
	MaxFreqKHz uint64           `json:"max_freq_khz,omitempty" yaml:"max_freq_khz,omitempty"`
}

// Spec is an immutable named bundle of settings.
type Spec struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Governor    cpufreq.Governor `json:"governor" yaml:"governor"`
	Turbo       TurboPolicy      `json:"turbo" yaml:"turbo"`
	MaxFreq     FreqCap          `json:"max_freq" yaml:"max_freq"`
	Overrides   []Override       `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Tier        Tier             `json:"tier" yaml:"tier"`
	Builtin     bool             `json:"builtin" yaml:"builtin"`
}

// EffectiveTier places user profiles at Balanced for stepping.
func (s Spec) EffectiveTier() Tier {
	if s.Tier == NoTier {
		return TierBalanced
	}
	return s.Tier
}

func (s Spec) Validate() error {
	errFactory := errors.New()

	if strings.TrimSpace(s.Name) == "" {
		return errFactory.WithMessage(errors.ErrInvalidProfile, "profile name is empty")
	}
	if s.Governor == "" || cpufreq.ParseGovernor(string(s.Governor)) == cpufreq.GovernorUnknown {
		return errFactory.WithData(errors.ErrInvalidProfile, s.Name+": governor "+string(s.Governor))
	}
	if _, err := ParseTurboPolicy(string(s.Turbo)); err != nil {
		return err
	}
	if s.MaxFreq.Percent < 0 || s.MaxFreq.Percent > 100 {
		return errFactory.WithData(errors.ErrInvalidProfile, s.Name+": max_freq_percent out of range")
	}

	seen := make(map[cpufreq.CoreID]bool, len(s.Overrides))
	for _, o := range s.Overrides {
		if o.Core < 0 || seen[o.Core] {
			return errFactory.WithData(errors.ErrInvalidProfile, s.Name+": bad or duplicate override core")
		}
		seen[o.Core] = true
		if o.Governor != "" && cpufreq.ParseGovernor(string(o.Governor)) == cpufreq.GovernorUnknown {
			return errFactory.WithData(errors.ErrInvalidProfile, s.Name+": override governor "+string(o.Governor))
		}
	}

	return nil
}

var builtins = []Spec{
	{
		Name:        NamePerformance,
		Description: "Maximum performance, turbo always on",
		Governor:    cpufreq.GovernorPerformance,
		Turbo:       TurboOn,
		Tier:        TierPerformance,
		Builtin:     true,
	},
	{
		Name:        NameBalanced,
		Description: "Scheduler-driven scaling, turbo under load",
		Governor:    cpufreq.GovernorSchedutil,
		Turbo:       TurboLoad,
		Tier:        TierBalanced,
		Builtin:     true,
	},
	{
		Name:        NamePowerSaver,
		Description: "Reduced clocks, turbo off",
		Governor:    cpufreq.GovernorPowersave,
		Turbo:       TurboOff,
		MaxFreq:     FreqCap{Percent: 80},
		Tier:        TierPowerSaver,
		Builtin:     true,
	},
	{
		Name:        NameSilent,
		Description: "Lowest clocks for minimal heat and fan noise",
		Governor:    cpufreq.GovernorPowersave,
		Turbo:       TurboOff,
		MaxFreq:     FreqCap{Percent: 50},
		Tier:        TierSilent,
		Builtin:     true,
	},
}

// Builtins returns the four fixed profiles, highest tier first.
func Builtins() []Spec {
	return append([]Spec(nil), builtins...)
}

// AtTier returns the built-in profile at tier t.
func AtTier(t Tier) (Spec, bool) {
	for _, b := range builtins {
		if b.Tier == t {
			return b, true
		}
	}
	return Spec{}, false
}

// StepDown returns the built-in one tier below s, false at Silent.
func StepDown(s Spec) (Spec, bool) {
	return AtTier(s.EffectiveTier() - 1)
}

// StepUp returns the built-in one tier above s, false at Performance.
func StepUp(s Spec) (Spec, bool) {
	return AtTier(s.EffectiveTier() + 1)
}

// IsReserved reports whether name belongs to a built-in profile.
func IsReserved(name string) bool {
	for _, b := range builtins {
		if strings.EqualFold(b.Name, name) {
			return true
		}
	}
	return false
}

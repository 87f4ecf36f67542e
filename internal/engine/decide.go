package engine

import (
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/load"
	"codeberg.org/mutker/cpupowerctl/internal/power"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"codeberg.org/mutker/cpupowerctl/internal/thermal"
)

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseEvaluating    Phase = "evaluating"
	PhaseTransitioning Phase = "transitioning"
	PhaseSteady        Phase = "steady"
)

// Rule names the decision rule that produced a tick's outcome, in priority
// order.
type Rule string

const (
	RuleNone        Rule = "none"
	RuleEmergency   Rule = "emergency"
	RuleThermalHigh Rule = "thermal_high"
	RulePowerSource Rule = "power_source"
	RuleLoadHigh    Rule = "load_high"
	RuleLoadLow     Rule = "load_low"
	RuleManual      Rule = "manual"
)

// Bypasses reports whether the rule ignores the cool-down.
func (r Rule) Bypasses() bool {
	return r == RuleEmergency || r == RuleThermalHigh
}

// Inputs are the signals gathered for one tick. A missing signal never fires
// a rule that depends on it.
type Inputs struct {
	Thermal    thermal.Reading
	HasThermal bool
	Load       load.Reading
	HasLoad    bool
	Power      power.State
	HasPower   bool
}

// Decision is the outcome of Decide. Target is empty when no profile should
// be applied. Suppressed records a rule that matched but was held back by the
// cool-down.
type Decision struct {
	Rule       Rule
	Target     string
	Phase      Phase
	Suppressed Rule
	Reason     string
}

// Transition reports whether the decision asks for an apply.
func (d Decision) Transition() bool {
	return d.Target != ""
}

// Decide evaluates the rules against one tick's inputs. It reads state and
// never changes it, so the same inputs always give the same decision.
func Decide(in Inputs, st State, current profile.Spec, cfg Config, now time.Time) Decision {
	temp := in.Thermal.MaxTemp()
	coolingDown := now.Before(st.CooldownUntil)
	tier := current.EffectiveTier()

	if in.HasThermal && temp > cfg.EmergencyTemp {
		// Manual governor and turbo writes leave the recorded profile alone,
		// so the safe profile is applied again rather than trusted.
		target := profile.NamePowerSaver
		if current.Builtin && tier < profile.TierPowerSaver {
			target = current.Name
		}
		return Decision{
			Rule:   RuleEmergency,
			Target: target,
			Phase:  PhaseTransitioning,
			Reason: "temperature above emergency threshold",
		}
	}

	if in.HasThermal && temp > cfg.HighTemp {
		if next, ok := profile.StepDown(current); ok {
			return Decision{
				Rule:   RuleThermalHigh,
				Target: next.Name,
				Phase:  PhaseTransitioning,
				Reason: "temperature above high threshold",
			}
		}
	}

	var (
		rule   Rule
		target string
		reason string
	)

	switch {
	case in.HasPower && (!st.HasAppliedSource || st.AppliedSource != in.Power.Source):
		rule = RulePowerSource
		target = cfg.ACProfile
		if in.Power.Source == power.SourceBattery {
			target = cfg.BatteryProfile
		}
		reason = "power source is " + in.Power.Source.String()

	case in.HasLoad && in.Load.Full && in.Load.Min > cfg.HighLoad && hasHeadroom(in, cfg):
		if next, ok := profile.StepUp(current); ok {
			rule, target, reason = RuleLoadHigh, next.Name, "sustained high load"
		}

	case in.HasLoad && in.Load.Full && in.Load.Max < cfg.LowLoad &&
		in.HasPower && in.Power.Source == power.SourceBattery &&
		(!in.HasThermal || temp < cfg.HighTemp):
		if next, ok := profile.StepDown(current); ok {
			rule, target, reason = RuleLoadLow, next.Name, "sustained low load on battery"
		}
	}

	if rule == "" {
		if coolingDown {
			return Decision{Rule: RuleNone, Phase: PhaseIdle, Reason: "cooling down"}
		}
		return Decision{Rule: RuleNone, Phase: PhaseSteady}
	}

	if coolingDown {
		return Decision{Rule: RuleNone, Phase: PhaseIdle, Suppressed: rule, Reason: reason + ", cooling down"}
	}

	return Decision{Rule: rule, Target: target, Phase: PhaseTransitioning, Reason: reason}
}

// hasHeadroom is true when the temperature is unknown or at least Headroom
// degrees below the high threshold.
func hasHeadroom(in Inputs, cfg Config) bool {
	if !in.HasThermal {
		return true
	}
	return in.Thermal.MaxTemp() < cfg.HighTemp-cfg.Headroom
}

// NextInterval computes the next wake-up. Fast battery discharge halves the
// interval; a run of steady ticks on AC at nominal temperature stretches it
// by RelaxFactor; anything else returns to Base. The result always lies in
// [Floor, Ceiling].
func NextInterval(current time.Duration, d Decision, in Inputs, steadyTicks int, cfg Config) time.Duration {
	next := cfg.Base

	onBattery := in.HasPower && in.Power.Source == power.SourceBattery
	onAC := in.HasPower && in.Power.Source == power.SourceAC
	nominal := !in.HasThermal || in.Thermal.MaxTemp() < cfg.HighTemp

	switch {
	case onBattery && in.Power.HasRate && in.Power.Rate > cfg.FastDischargeRate:
		next = current / 2
	case d.Phase == PhaseSteady && onAC && nominal:
		if steadyTicks >= cfg.RelaxAfter {
			next = time.Duration(float64(max(current, cfg.Base)) * cfg.RelaxFactor)
		} else {
			next = max(current, cfg.Base)
		}
	}

	return clampInterval(next, cfg)
}

func clampInterval(d time.Duration, cfg Config) time.Duration {
	if d < cfg.Floor {
		return cfg.Floor
	}
	if d > cfg.Ceiling {
		return cfg.Ceiling
	}
	return d
}

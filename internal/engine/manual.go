package engine

import (
	"context"
	"strconv"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"codeberg.org/mutker/cpupowerctl/internal/broadcast"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
)

// ApplyProfile applies a catalog profile outside the decision rules. It waits
// for any tick in progress and starts a cool-down.
func (e *Engine) ApplyProfile(ctx context.Context, name string) (applier.Report, error) {
	spec, ok := e.catalog.Get(name)
	if !ok {
		return applier.Report{}, errors.New().WithData(errors.ErrProfileNotFound, name)
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	return e.manual(ctx, spec.Name, true, func(ctx context.Context) (applier.Report, error) {
		return e.applier.Apply(ctx, spec, applier.AllCores())
	})
}

// SetGovernorAll writes one governor to every core, leaving frequency bounds
// and turbo alone.
func (e *Engine) SetGovernorAll(ctx context.Context, gov cpufreq.Governor) (applier.Report, error) {
	if cpufreq.ParseGovernor(string(gov)) == cpufreq.GovernorUnknown {
		return applier.Report{}, errors.New().WithData(errors.ErrInvalidArgument, "governor "+string(gov))
	}
	if !e.topo.Capabilities.GovernorWritable {
		return applier.Report{}, errors.New().WithMessage(errors.ErrUnsupported, "governor is not writable on this machine")
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	s := applier.Settings{Name: "governor:" + string(gov), Governor: gov}
	return e.manual(ctx, s.Name, false, func(ctx context.Context) (applier.Report, error) {
		return e.applier.ApplySettings(ctx, s, applier.AllCores())
	})
}

// SetMaxFrequencyAll caps every core at khz, clipped to each core's hardware
// range. Governor and turbo are left alone.
func (e *Engine) SetMaxFrequencyAll(ctx context.Context, khz uint64) (applier.Report, error) {
	if khz == 0 {
		return applier.Report{}, errors.New().WithData(errors.ErrInvalidArgument, "frequency 0")
	}
	if !e.topo.Capabilities.FrequencyWritable {
		return applier.Report{}, errors.New().WithMessage(errors.ErrUnsupported, "frequency limits are not writable on this machine")
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	s := applier.Settings{Name: "max-freq:" + strconv.FormatUint(khz, 10), MaxFreq: &profile.FreqCap{KHz: khz}}
	return e.manual(ctx, s.Name, false, func(ctx context.Context) (applier.Report, error) {
		return e.applier.ApplySettings(ctx, s, applier.AllCores())
	})
}

// SetTurboAll switches the global turbo control.
func (e *Engine) SetTurboAll(ctx context.Context, on bool) (applier.Report, error) {
	if e.topo.Turbo == nil || !e.topo.Capabilities.TurboWritable {
		return applier.Report{}, errors.New().WithMessage(errors.ErrUnsupported, "turbo control is not available")
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	name := "turbo:off"
	if on {
		name = "turbo:on"
	}
	s := applier.Settings{Name: name, Turbo: &on}
	return e.manual(ctx, name, false, func(ctx context.Context) (applier.Report, error) {
		return e.applier.ApplySettings(ctx, s, applier.AllCores())
	})
}

// manual runs apply with the cycle lock held and records the result.
func (e *Engine) manual(ctx context.Context, name string, setProfile bool, apply func(context.Context) (applier.Report, error)) (applier.Report, error) {
	from := e.State().Profile
	e.setPhase(PhaseTransitioning)

	report, err := apply(ctx)
	now := e.now()
	if report.ID != "" {
		e.record(report, name, setProfile, now)
	}

	e.stateMu.Lock()
	e.state.Rule = RuleManual
	e.state.SteadyTicks = 0
	e.state.Phase = PhaseIdle
	e.stateMu.Unlock()

	e.log.Info().
		Str("profile", name).
		Bool("success", report.Success).
		Msg("Manual request applied")

	d := Decision{Rule: RuleManual, Target: name, Phase: PhaseTransitioning}
	e.publish(broadcast.KindManual, d, Inputs{}, &report, from, now)
	if report.Count(applier.OutcomeForcedSafe) > 0 {
		e.publish(broadcast.KindForcedSafe, d, Inputs{}, &report, from, now)
	}

	return report, err
}

func (e *Engine) ListProfiles() []profile.Spec {
	return e.catalog.List()
}

// Status reads every core fresh and returns it with a copy of the state.
func (e *Engine) Status(ctx context.Context) Status {
	e.stateMu.Lock()
	state := e.state.clone()
	st := Status{
		State:    &state,
		Signals:  e.signals,
		AutoTune: e.cfg.AutoTune,
	}
	e.stateMu.Unlock()

	st.Topology = e.topo.Clone()
	if active, ok := e.catalog.Get(state.Profile); ok {
		st.Active = &active
	}

	for _, id := range e.topo.CoreIDs() {
		snap, err := cpufreq.ReadSnapshot(ctx, e.store, e.topo, id)
		if err != nil {
			e.log.Debug().Int("core", int(id)).Err(err).Msg("Status read failed")
			continue
		}
		st.Cores = append(st.Cores, snap)
	}

	if on, err := cpufreq.ReadTurbo(ctx, e.store, e.topo); err == nil {
		st.Turbo = &on
	}

	return st
}

// Sample refreshes the signals without deciding or writing anything.
func (e *Engine) Sample(ctx context.Context) Signals {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	sig := signalsFrom(e.gather(ctx))
	e.stateMu.Lock()
	e.signals = sig
	e.stateMu.Unlock()
	return sig
}

// UpdateConfig swaps thresholds between ticks and wakes the loop so a new
// interval takes effect at once.
func (e *Engine) UpdateConfig(cfg Config) {
	e.stateMu.Lock()
	old := e.cfg
	e.cfg = cfg
	e.state.Interval = clampInterval(cfg.Base, cfg)
	e.stateMu.Unlock()

	if r, ok := e.load.(resizer); ok && cfg.Window != old.Window {
		r.Resize(cfg.Window)
	}

	e.log.Info().
		Dur("interval", cfg.Base).
		Bool("autotune", cfg.AutoTune).
		Str("ac_profile", cfg.ACProfile).
		Str("battery_profile", cfg.BatteryProfile).
		Msg("Engine configuration updated")

	if e.events != nil {
		e.events.Publish(broadcast.Event{Kind: broadcast.KindConfigReload, At: e.now(), Interval: cfg.Base})
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// ReloadProfiles replaces the user profiles. If the active profile is gone
// the engine falls back to Balanced; if it changed it is applied again.
func (e *Engine) ReloadProfiles(ctx context.Context, users []profile.Spec) error {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	active := e.State().Profile
	before, _ := e.catalog.Get(active)

	if err := e.catalog.Replace(users); err != nil {
		return err
	}

	after, ok := e.catalog.Get(active)
	switch {
	case !ok:
		e.log.Warn().Str("profile", active).Msg("Active profile removed, falling back to Balanced")
		after, _ = e.catalog.Get(profile.NameBalanced)
		e.stateMu.Lock()
		e.state.Profile = after.Name
		e.stateMu.Unlock()
	case after.Builtin || specEqual(before, after):
		return nil
	}

	_, err := e.manual(ctx, after.Name, true, func(ctx context.Context) (applier.Report, error) {
		return e.applier.Apply(ctx, after, applier.AllCores())
	})
	return err
}

// Restore writes back the state captured at startup.
func (e *Engine) Restore(ctx context.Context) (applier.Report, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	report, err := e.applier.Restore(ctx, e.startup)
	if err != nil {
		return report, errors.New().Wrap(errors.ErrRestoreState, err)
	}

	e.log.Info().
		Bool("success", report.Success).
		Int("forced_safe", report.Count(applier.OutcomeForcedSafe)).
		Msg("Startup state restored")

	return report, nil
}

func specEqual(a, b profile.Spec) bool {
	if a.Name != b.Name || a.Governor != b.Governor || a.Turbo != b.Turbo ||
		a.MaxFreq != b.MaxFreq || len(a.Overrides) != len(b.Overrides) {
		return false
	}
	for i := range a.Overrides {
		if a.Overrides[i] != b.Overrides[i] {
			return false
		}
	}
	return true
}

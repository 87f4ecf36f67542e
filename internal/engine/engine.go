// Package engine runs the auto-tune decision loop and serves manual requests
// from presentation shells.
package engine

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"codeberg.org/mutker/cpupowerctl/internal/broadcast"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/load"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/power"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"codeberg.org/mutker/cpupowerctl/internal/thermal"
)

type ThermalSampler interface {
	Sample(ctx context.Context) (thermal.Reading, error)
}

type LoadSampler interface {
	Sample(ctx context.Context) (load.Reading, error)
}

type PowerSampler interface {
	Sample(ctx context.Context) (power.State, error)
}

// resizer is implemented by load samplers whose window can change at runtime.
type resizer interface {
	Resize(window int)
}

// Deps are the collaborators the engine drives. Events may be nil.
type Deps struct {
	Store    cpufreq.Store
	Topology *cpufreq.Topology
	Lock     applier.Locker
	Catalog  *profile.Catalog
	Thermal  ThermalSampler
	Load     LoadSampler
	Power    PowerSampler
	Events   *broadcast.Broadcaster
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	store   cpufreq.Store
	topo    *cpufreq.Topology
	applier *applier.Applier
	catalog *profile.Catalog
	thermal ThermalSampler
	load    LoadSampler
	power   PowerSampler
	events  *broadcast.Broadcaster
	now     func() time.Time
	log     logger.Logger
	wake    chan struct{}

	// cycle serializes ticks and manual requests
	cycle sync.Mutex

	stateMu sync.Mutex
	cfg     Config
	state   State
	signals Signals
	startup map[cpufreq.CoreID]cpufreq.Snapshot
}

// New snapshots every core as the restore point for shutdown and starts on
// Balanced until the first tick decides otherwise.
func New(ctx context.Context, deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	errFactory := errors.New()

	if deps.Store == nil || deps.Topology == nil || deps.Lock == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "engine requires a store, topology and lock")
	}
	if len(deps.Topology.Cores) == 0 {
		return nil, errFactory.Wrap(errors.ErrUnsupported, errFactory.New(cpufreq.ErrNoScalingCores))
	}

	e := &Engine{
		store:   deps.Store,
		topo:    deps.Topology,
		catalog: deps.Catalog,
		thermal: deps.Thermal,
		load:    deps.Load,
		power:   deps.Power,
		events:  deps.Events,
		now:     time.Now,
		log:     logger.Get("engine"),
		wake:    make(chan struct{}, 1),
		cfg:     cfg,
	}

	if e.catalog == nil {
		e.catalog = profile.NewCatalog()
	}

	for _, opt := range opts {
		opt(e)
	}

	e.applier = applier.New(deps.Store, deps.Topology, deps.Lock,
		applier.WithTurboHint(e.turboUnderLoad),
		applier.WithClock(e.now),
	)

	e.startup = make(map[cpufreq.CoreID]cpufreq.Snapshot, len(e.topo.Cores))
	for _, id := range e.topo.CoreIDs() {
		snap, err := cpufreq.ReadSnapshot(ctx, e.store, e.topo, id)
		if err != nil {
			e.log.Warn().Int("core", int(id)).Err(err).Msg("Could not snapshot core at startup")
			info, _ := e.topo.Core(id)
			snap = cpufreq.Snapshot{
				Core:        id,
				Governor:    cpufreq.GovernorUnknown,
				HardwareMin: info.HardwareMin,
				HardwareMax: info.HardwareMax,
			}
		}
		e.startup[id] = snap
	}

	e.state = State{
		Profile:     profile.NameBalanced,
		Phase:       PhaseIdle,
		Rule:        RuleNone,
		Interval:    clampInterval(cfg.Base, cfg),
		LastApplied: make(map[cpufreq.CoreID]cpufreq.Snapshot, len(e.startup)),
		Failures:    make(map[cpufreq.CoreID]int, len(e.startup)),
	}
	for id, snap := range e.startup {
		e.state.LastApplied[id] = snap
		e.state.Failures[id] = 0
	}

	return e, nil
}

// Run ticks until ctx is done. Shutdown is only observed between ticks; an
// apply in flight always completes.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().
		Int("cores", len(e.topo.Cores)).
		Str("driver", e.topo.Capabilities.Driver).
		Bool("autotune", e.Config().AutoTune).
		Msg("Engine started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("Engine stopping")
			return nil
		case <-e.wake:
		case <-timer.C:
			if ctx.Err() != nil {
				return nil
			}
			e.Tick(ctx)
		}
		timer.Reset(e.Interval())
	}
}

// Tick runs one decision cycle and returns the decision with the report of
// any apply it caused.
func (e *Engine) Tick(ctx context.Context) (Decision, *applier.Report) {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	now := e.now()
	cfg := e.Config()

	if !cfg.AutoTune {
		e.stateMu.Lock()
		e.state.Phase = PhaseIdle
		e.state.Interval = clampInterval(cfg.Base, cfg)
		e.state.Ticks++
		e.state.LastTick = now
		e.stateMu.Unlock()

		d := Decision{Rule: RuleNone, Phase: PhaseIdle, Reason: "autotune disabled"}
		e.publish(broadcast.KindTick, d, Inputs{}, nil, "", now)
		return d, nil
	}

	e.setPhase(PhaseEvaluating)
	in := e.gather(ctx)

	e.stateMu.Lock()
	st := e.state.clone()
	e.signals = signalsFrom(in)
	e.stateMu.Unlock()

	current, ok := e.catalog.Get(st.Profile)
	if !ok {
		current, _ = e.catalog.Get(profile.NameBalanced)
	}

	d := Decide(in, st, current, cfg, now)

	var report *applier.Report
	if d.Transition() {
		report = e.transition(ctx, d, in, current, now)
	}

	e.stateMu.Lock()
	e.state.Rule = d.Rule
	e.state.Ticks++
	e.state.LastTick = now
	switch {
	case d.Transition():
		e.state.SteadyTicks = 0
	case d.Phase == PhaseSteady:
		e.state.SteadyTicks++
	default:
		e.state.SteadyTicks = 0
	}
	e.state.Interval = NextInterval(e.state.Interval, d, in, e.state.SteadyTicks, cfg)
	e.state.Phase = PhaseSteady
	if now.Before(e.state.CooldownUntil) {
		e.state.Phase = PhaseIdle
	}
	interval := e.state.Interval
	e.stateMu.Unlock()

	ev := e.log.Debug()
	ev.Str("rule", string(d.Rule)).
		Str("phase", string(d.Phase)).
		Dur("interval", interval)
	if in.HasThermal {
		ev.Float64("temp", in.Thermal.MaxTemp())
	}
	if in.HasLoad {
		ev.Float64("load", in.Load.Aggregate)
	}
	if in.HasPower {
		ev.Str("source", in.Power.Source.String())
	}
	if d.Suppressed != "" {
		ev.Str("suppressed", string(d.Suppressed))
	}
	ev.Msg("Tick")

	e.publish(broadcast.KindTick, d, in, nil, "", now)

	return d, report
}

func (e *Engine) transition(ctx context.Context, d Decision, in Inputs, from profile.Spec, now time.Time) *applier.Report {
	spec, ok := e.catalog.Get(d.Target)
	if !ok {
		e.log.Error().Str("profile", d.Target).Msg("Decided profile is not in the catalog")
		return nil
	}

	e.setPhase(PhaseTransitioning)

	e.log.Info().
		Str("rule", string(d.Rule)).
		Str("from", from.Name).
		Str("profile", spec.Name).
		Str("reason", d.Reason).
		Msg("Switching profile")

	report, err := e.applier.Apply(ctx, spec, applier.AllCores())
	if err != nil {
		e.log.Error().Err(err).Str("profile", spec.Name).Msg("Profile apply failed")
	}

	applied := e.record(report, spec.Name, true, now)

	if applied && d.Rule == RulePowerSource {
		e.stateMu.Lock()
		e.state.AppliedSource = in.Power.Source
		e.state.HasAppliedSource = true
		e.stateMu.Unlock()
	}

	e.publish(broadcast.KindTransition, d, in, &report, from.Name, now)
	if report.Count(applier.OutcomeForcedSafe) > 0 {
		e.publish(broadcast.KindForcedSafe, d, in, &report, from.Name, now)
	}

	return &report
}

// record folds an apply report into the state, starts the cool-down and,
// with setProfile, makes name the active profile once every core applied.
func (e *Engine) record(report applier.Report, name string, setProfile bool, now time.Time) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	applied := len(report.Cores) > 0
	for _, c := range report.Cores {
		if c.Outcome == applier.OutcomeApplied {
			e.state.LastApplied[c.Core] = c.Final
			e.state.Failures[c.Core] = 0
			continue
		}
		applied = false
		e.state.Failures[c.Core]++
	}

	if setProfile && applied {
		e.state.Profile = name
	}
	e.state.CooldownUntil = now.Add(e.cfg.Cooldown)

	return applied
}

// gather samples every signal. Failures only drop that signal for the tick.
func (e *Engine) gather(ctx context.Context) Inputs {
	var in Inputs

	if e.thermal != nil {
		r, err := e.thermal.Sample(ctx)
		in.Thermal, in.HasThermal = r, err == nil
		e.logSampleError("thermal", err)
	}
	if e.load != nil {
		r, err := e.load.Sample(ctx)
		in.Load, in.HasLoad = r, err == nil
		e.logSampleError("load", err)
	}
	if e.power != nil {
		r, err := e.power.Sample(ctx)
		in.Power, in.HasPower = r, err == nil
		e.logSampleError("power", err)
	}

	return in
}

func (e *Engine) logSampleError(signal string, err error) {
	if err == nil {
		return
	}
	if errors.HasCode(err, errors.ErrUnavailable) {
		e.log.Debug().Str("signal", signal).Err(err).Msg("Signal unavailable this tick")
		return
	}
	e.log.Warn().Str("signal", signal).Err(err).Msg("Sampling failed")
}

func (e *Engine) turboUnderLoad() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.signals.Load == nil {
		return true
	}
	return e.signals.Load.Aggregate >= e.cfg.TurboThreshold
}

func (e *Engine) setPhase(p Phase) {
	e.stateMu.Lock()
	e.state.Phase = p
	e.stateMu.Unlock()
}

// publish emits an event; from defaults to the active profile.
func (e *Engine) publish(kind broadcast.Kind, d Decision, in Inputs, report *applier.Report, from string, now time.Time) {
	if e.events == nil {
		return
	}

	e.stateMu.Lock()
	ev := broadcast.Event{
		Kind:     kind,
		At:       now,
		Rule:     string(d.Rule),
		Phase:    string(e.state.Phase),
		From:     from,
		To:       d.Target,
		Interval: e.state.Interval,
		Report:   report,
	}
	if from == "" {
		ev.From = e.state.Profile
	}
	e.stateMu.Unlock()

	if report != nil {
		ev.To = report.Profile
	}
	if in.HasThermal {
		ev.Temperature, ev.HasTemp = in.Thermal.MaxTemp(), true
	}
	if in.HasLoad {
		ev.Load, ev.HasLoad = in.Load.Aggregate, true
	}
	if in.HasPower {
		ev.Source = in.Power.Source.String()
	}

	e.events.Publish(ev)
}

// Config returns the thresholds in use.
func (e *Engine) Config() Config {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.cfg
}

// Interval returns the current adaptive poll interval.
func (e *Engine) Interval() time.Duration {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state.Interval
}

// State returns a copy of the engine state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state.clone()
}

// Topology returns a copy of the discovered topology.
func (e *Engine) Topology() *cpufreq.Topology {
	return e.topo.Clone()
}

// StartupSnapshots returns the per-core state captured by New.
func (e *Engine) StartupSnapshots() map[cpufreq.CoreID]cpufreq.Snapshot {
	out := make(map[cpufreq.CoreID]cpufreq.Snapshot, len(e.startup))
	for k, v := range e.startup {
		out[k] = v
	}
	return out
}

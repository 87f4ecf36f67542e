package applier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"github.com/google/uuid"
)

// Locker is the system-wide write lock.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Scope selects the cores an apply touches. The zero value means all cores.
type Scope struct {
	cores []cpufreq.CoreID
}

func AllCores() Scope {
	return Scope{}
}

func Cores(ids ...cpufreq.CoreID) Scope {
	return Scope{cores: append([]cpufreq.CoreID(nil), ids...)}
}

// Settings is a partial target. Empty Governor, nil MaxFreq and nil Turbo
// each leave that part of the machine untouched.
type Settings struct {
	Name      string
	Governor  cpufreq.Governor
	MaxFreq   *profile.FreqCap
	Overrides []profile.Override
	Turbo     *bool
}

// target is the resolved per-core write set.
type target struct {
	governor  cpufreq.Governor
	setBounds bool
	min, max  uint64
}

type Option func(*Applier)

// WithTurboHint supplies the decision for load-based turbo.
func WithTurboHint(fn func() bool) Option {
	return func(a *Applier) { a.turboHint = fn }
}

func WithClock(now func() time.Time) Option {
	return func(a *Applier) { a.now = now }
}

type Applier struct {
	store     cpufreq.Store
	topo      *cpufreq.Topology
	lock      Locker
	turboHint func() bool
	now       func() time.Time
	log       logger.Logger
}

func New(store cpufreq.Store, topo *cpufreq.Topology, lock Locker, opts ...Option) *Applier {
	a := &Applier{
		store:     store,
		topo:      topo,
		lock:      lock,
		turboHint: func() bool { return true },
		now:       time.Now,
		log:       logger.Get("applier"),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// FromProfile converts a profile into settings, resolving load-based turbo
// with turboUnderLoad.
func FromProfile(spec profile.Spec, turboUnderLoad bool) Settings {
	turbo := true
	switch spec.Turbo {
	case profile.TurboOff:
		turbo = false
	case profile.TurboLoad:
		turbo = turboUnderLoad
	}

	maxFreq := spec.MaxFreq

	return Settings{
		Name:      spec.Name,
		Governor:  spec.Governor,
		MaxFreq:   &maxFreq,
		Overrides: spec.Overrides,
		Turbo:     &turbo,
	}
}

// Apply applies a profile to the cores in scope.
func (a *Applier) Apply(ctx context.Context, spec profile.Spec, scope Scope) (Report, error) {
	return a.ApplySettings(ctx, FromProfile(spec, a.turboHint()), scope)
}

// ApplySettings writes s to every in-scope core under the write lock. On any
// terminal core failure every touched core is restored to its pre-apply
// snapshot, or forced to the safe state when restoring fails. The returned
// error is non-nil only when the report could not be produced or a write was
// denied.
func (a *Applier) ApplySettings(ctx context.Context, s Settings, scope Scope) (Report, error) {
	errFactory := errors.New()

	report := Report{
		ID:        uuid.NewString(),
		Profile:   s.Name,
		StartedAt: a.now(),
	}

	cores, err := a.resolveScope(scope)
	if err != nil {
		report.FinishedAt = a.now()
		return report, err
	}

	unlock, err := a.lock.Lock(ctx)
	if err != nil {
		report.FinishedAt = a.now()
		return report, err
	}
	defer unlock()

	// never interrupt a multi-core write once started
	ctx = context.WithoutCancel(ctx)

	snaps := make(map[cpufreq.CoreID]cpufreq.Snapshot, len(cores))
	results := make(map[cpufreq.CoreID]*CoreResult, len(cores))
	failed := false

	for _, core := range cores {
		res := &CoreResult{Core: core, Outcome: OutcomeApplied}
		results[core] = res

		snap, err := cpufreq.ReadSnapshot(ctx, a.store, a.topo, core)
		if err != nil {
			res.Err = errFactory.Wrap(errors.ErrApplyFailed, err).WithMessage("snapshot failed")
			failed = true
			continue
		}
		snaps[core] = snap
	}

	if !failed {
		for _, core := range cores {
			res := results[core]
			res.Retried, res.Err = a.writeTarget(ctx, core, a.resolveTarget(s, core), snaps[core], true)
			if res.Err != nil {
				failed = true
				a.log.Warn().Int("core", int(core)).Err(res.Err).Str("profile", s.Name).Msg("Core write failed")
			}
		}
	}

	forced := false
	if failed {
		for _, core := range cores {
			res := results[core]
			snap, ok := snaps[core]
			if !ok {
				// nothing was written; state is unchanged
				res.Outcome = OutcomeRolledBack
				continue
			}

			if err := a.restore(ctx, core, snap); err != nil {
				a.log.Error().Int("core", int(core)).Err(err).Msg("Rollback failed, forcing safe state")
				res.Outcome = OutcomeForcedSafe
				if res.Err == nil {
					res.Err = err
				}
				forced = true
				if serr := a.forceSafe(ctx, core); serr != nil {
					a.log.Error().Int("core", int(core)).Err(serr).Msg("Safe state write failed")
				}
				continue
			}
			res.Outcome = OutcomeRolledBack
		}
	}

	if forced {
		report.Turbo = a.writeTurbo(ctx, false, false)
	} else if s.Turbo != nil {
		if failed {
			report.Turbo = &TurboResult{Requested: *s.Turbo}
		} else {
			report.Turbo = a.writeTurbo(ctx, *s.Turbo, true)
		}
	}

	report.Success = !failed && (report.Turbo == nil || report.Turbo.Err == nil)

	var denied error
	for _, core := range cores {
		res := results[core]
		if final, err := cpufreq.ReadSnapshot(ctx, a.store, a.topo, core); err == nil {
			res.Final = final
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
			if denied == nil && errors.HasCode(res.Err, errors.ErrPermissionDenied) {
				denied = res.Err
			}
		}
		report.Cores = append(report.Cores, *res)
	}
	if report.Turbo != nil && report.Turbo.Err != nil {
		report.Turbo.Error = report.Turbo.Err.Error()
		if denied == nil && errors.HasCode(report.Turbo.Err, errors.ErrPermissionDenied) {
			denied = report.Turbo.Err
		}
	}

	report.FinishedAt = a.now()

	a.log.Info().
		Str("id", report.ID).
		Str("profile", s.Name).
		Bool("success", report.Success).
		Int("applied", report.Count(OutcomeApplied)).
		Int("rolled_back", report.Count(OutcomeRolledBack)).
		Int("forced_safe", report.Count(OutcomeForcedSafe)).
		Dur("took", report.Duration()).
		Msg("Apply finished")

	if denied != nil {
		return report, errFactory.Wrap(errors.ErrPermissionDenied, denied)
	}

	return report, nil
}

// Restore writes previously captured snapshots back, forcing the safe state
// on any core that cannot be restored.
func (a *Applier) Restore(ctx context.Context, snaps map[cpufreq.CoreID]cpufreq.Snapshot) (Report, error) {
	report := Report{
		ID:        uuid.NewString(),
		Profile:   "restore",
		StartedAt: a.now(),
	}

	unlock, err := a.lock.Lock(ctx)
	if err != nil {
		report.FinishedAt = a.now()
		return report, err
	}
	defer unlock()

	ctx = context.WithoutCancel(ctx)

	cores := make([]cpufreq.CoreID, 0, len(snaps))
	for core := range snaps {
		cores = append(cores, core)
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	report.Success = true
	forced := false
	var turbo *bool

	for _, core := range cores {
		snap := snaps[core]
		res := CoreResult{Core: core, Outcome: OutcomeRolledBack}
		if turbo == nil && snap.Turbo != nil {
			t := *snap.Turbo
			turbo = &t
		}

		if err := a.restore(ctx, core, snap); err != nil {
			res.Outcome = OutcomeForcedSafe
			res.Err = err
			res.Error = err.Error()
			report.Success = false
			forced = true
			_ = a.forceSafe(ctx, core)
		}
		report.Cores = append(report.Cores, res)
	}

	switch {
	case forced:
		report.Turbo = a.writeTurbo(ctx, false, false)
	case turbo != nil:
		report.Turbo = a.writeTurbo(ctx, *turbo, false)
		if report.Turbo.Err != nil {
			report.Turbo.Error = report.Turbo.Err.Error()
			report.Success = false
		}
	}

	report.FinishedAt = a.now()

	return report, nil
}

func (a *Applier) resolveScope(scope Scope) ([]cpufreq.CoreID, error) {
	if len(scope.cores) == 0 {
		return a.topo.CoreIDs(), nil
	}

	seen := make(map[cpufreq.CoreID]bool, len(scope.cores))
	cores := make([]cpufreq.CoreID, 0, len(scope.cores))
	for _, c := range scope.cores {
		if _, ok := a.topo.Core(c); !ok {
			return nil, errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("core %d not managed", c))
		}
		if !seen[c] {
			seen[c] = true
			cores = append(cores, c)
		}
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })

	return cores, nil
}

// resolveTarget clips the settings to what this core and driver support.
func (a *Applier) resolveTarget(s Settings, core cpufreq.CoreID) target {
	info, _ := a.topo.Core(core)
	caps := a.topo.Capabilities

	gov := s.Governor
	capSpec := s.MaxFreq

	if caps.PerCoreGovernor {
		for _, o := range s.Overrides {
			if o.Core != core {
				continue
			}
			if o.Governor != "" {
				gov = o.Governor
			}
			if o.MaxFreqKHz > 0 {
				capSpec = &profile.FreqCap{KHz: o.MaxFreqKHz}
			}
		}
	}

	var t target
	if gov != "" && info.HasGovernor && caps.GovernorWritable {
		t.governor = a.topo.ResolveGovernor(gov)
	}
	if capSpec != nil && info.HasFrequency && caps.FrequencyWritable {
		t.setBounds = true
		t.min = info.HardwareMin
		t.max = capSpec.Resolve(info.HardwareMin, info.HardwareMax)
	}

	return t
}

// writeTarget writes the parts of t that differ from current. With retry set,
// a failed write gets one corrective attempt.
func (a *Applier) writeTarget(ctx context.Context, core cpufreq.CoreID, t target, current cpufreq.Snapshot, retry bool) (bool, error) {
	retried := false

	if t.governor != "" && t.governor != current.Governor {
		err := a.writeGovernor(ctx, core, t.governor)
		if err != nil && retry && cpufreq.Retryable(err) {
			if next, ok := a.topo.NextGovernor(t.governor); ok {
				retried = true
				a.log.Debug().Int("core", int(core)).Str("governor", string(next)).Msg("Retrying with fallback governor")
				err = a.writeGovernor(ctx, core, next)
			}
		}
		if err != nil {
			return retried, err
		}
	}

	if !t.setBounds {
		return retried, nil
	}

	type step struct {
		attr  cpufreq.Attribute
		value uint64
		cur   uint64
	}
	minStep := step{cpufreq.AttrScalingMin, t.min, current.MinFreq}
	maxStep := step{cpufreq.AttrScalingMax, t.max, current.MaxFreq}

	// keep min <= max after every single write
	steps := []step{minStep, maxStep}
	if t.min > current.MaxFreq {
		steps = []step{maxStep, minStep}
	}

	for _, st := range steps {
		if st.value == st.cur {
			continue
		}
		err := a.store.Write(ctx, core, st.attr, cpufreq.FormatKHz(st.value))
		if err != nil && retry && cpufreq.Retryable(err) {
			retried = true
			corrected := a.correctFrequency(ctx, core, st.attr, st.value)
			a.log.Debug().Int("core", int(core)).Str("attr", string(st.attr)).Uint64("khz", corrected).Msg("Retrying with clipped frequency")
			err = a.store.Write(ctx, core, st.attr, cpufreq.FormatKHz(corrected))
		}
		if err != nil {
			return retried, err
		}
	}

	return retried, nil
}

// correctFrequency clips a rejected bound to the nearest value legal against
// the hardware range and the opposite bound as the kernel sees it now.
func (a *Applier) correctFrequency(ctx context.Context, core cpufreq.CoreID, attr cpufreq.Attribute, khz uint64) uint64 {
	khz = a.topo.Clip(core, khz)

	switch attr {
	case cpufreq.AttrScalingMin:
		if hi, err := cpufreq.ReadUint(ctx, a.store, core, cpufreq.AttrScalingMax); err == nil && khz > hi {
			khz = hi
		}
	case cpufreq.AttrScalingMax:
		if lo, err := cpufreq.ReadUint(ctx, a.store, core, cpufreq.AttrScalingMin); err == nil && khz < lo {
			khz = lo
		}
	}

	return khz
}

// writeGovernor writes and reads back, since some drivers accept a governor
// write without switching.
func (a *Applier) writeGovernor(ctx context.Context, core cpufreq.CoreID, gov cpufreq.Governor) error {
	if err := a.store.Write(ctx, core, cpufreq.AttrGovernor, string(gov)); err != nil {
		return err
	}

	got, err := a.store.Read(ctx, core, cpufreq.AttrGovernor)
	if err != nil {
		return err
	}
	if cpufreq.ParseGovernor(got) != gov {
		return errors.New().WithData(errors.ErrInvalidValue, fmt.Sprintf("governor %s ignored, kernel reports %s", gov, got))
	}

	return nil
}

func (a *Applier) writeTurbo(ctx context.Context, on bool, retry bool) *TurboResult {
	res := &TurboResult{Requested: on}
	if a.topo.Turbo == nil || !a.topo.Capabilities.TurboWritable {
		return res
	}
	res.Attempted = true

	if cur, err := cpufreq.ReadTurbo(ctx, a.store, a.topo); err == nil && cur == on {
		res.Applied = true
		return res
	}

	write := func() error {
		if err := a.store.Write(ctx, cpufreq.GlobalCore, a.topo.Turbo.Attr, a.topo.Turbo.Encode(on)); err != nil {
			return err
		}
		got, err := cpufreq.ReadTurbo(ctx, a.store, a.topo)
		if err != nil {
			return err
		}
		if got != on {
			return errors.New().WithData(errors.ErrInvalidValue, fmt.Sprintf("turbo=%t ignored", on))
		}
		return nil
	}

	err := write()
	if err != nil && retry && errors.HasCode(err, errors.ErrIO) {
		err = write()
	}
	if err != nil {
		res.Err = err
		a.log.Warn().Bool("turbo", on).Err(err).Msg("Turbo write failed")
		return res
	}
	res.Applied = true

	return res
}

// restore puts a core back to snap without retries.
func (a *Applier) restore(ctx context.Context, core cpufreq.CoreID, snap cpufreq.Snapshot) error {
	current, err := cpufreq.ReadSnapshot(ctx, a.store, a.topo, core)
	if err != nil {
		// unknown state, rewrite everything
		current = cpufreq.Snapshot{Core: core, Governor: cpufreq.GovernorUnknown}
	}

	info, _ := a.topo.Core(core)
	t := target{}
	if snap.Governor != cpufreq.GovernorUnknown && info.HasGovernor {
		t.governor = snap.Governor
	}
	if info.HasFrequency && snap.MaxFreq > 0 {
		t.setBounds = true
		t.min, t.max = snap.MinFreq, snap.MaxFreq
	}

	_, err = a.writeTarget(ctx, core, t, current, false)

	return err
}

// forceSafe attempts every safe-state write regardless of earlier failures.
// Turbo is handled by the caller once per apply.
func (a *Applier) forceSafe(ctx context.Context, core cpufreq.CoreID) error {
	info, _ := a.topo.Core(core)

	writes := []cpufreq.Write{{Core: core, Attr: cpufreq.AttrGovernor, Value: string(cpufreq.GovernorPowersave)}}
	if info.HasFrequency {
		writes = append(writes,
			cpufreq.Write{Core: core, Attr: cpufreq.AttrScalingMin, Value: cpufreq.FormatKHz(info.HardwareMin)},
			cpufreq.Write{Core: core, Attr: cpufreq.AttrScalingMax, Value: cpufreq.FormatKHz(info.HardwareMax)},
		)
	}

	for _, err := range a.store.WriteBatch(ctx, writes) {
		if err != nil {
			return err
		}
	}

	return nil
}

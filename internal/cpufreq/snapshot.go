package cpufreq

import (
	"context"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

// ReadSnapshot reads a core's current attribute state. Attributes the core
// does not expose are left zero; a governor that cannot be read is Unknown
// and an unreadable turbo state is nil.
func ReadSnapshot(ctx context.Context, store Store, topo *Topology, core CoreID) (Snapshot, error) {
	info, ok := topo.Core(core)
	if !ok {
		return Snapshot{}, errors.New().WithData(errors.ErrInvalidArgument, core)
	}

	snap := Snapshot{
		Core:        core,
		Governor:    GovernorUnknown,
		HardwareMin: info.HardwareMin,
		HardwareMax: info.HardwareMax,
	}

	if info.HasGovernor {
		raw, err := store.Read(ctx, core, AttrGovernor)
		if err != nil && !errors.HasCode(err, errors.ErrUnsupported) {
			return snap, err
		}
		if err == nil {
			snap.Governor = ParseGovernor(raw)
		}
	}

	if info.HasFrequency {
		var err error
		if snap.MinFreq, err = ReadUint(ctx, store, core, AttrScalingMin); err != nil {
			return snap, err
		}
		if snap.MaxFreq, err = ReadUint(ctx, store, core, AttrScalingMax); err != nil {
			return snap, err
		}
		// not every driver exposes the current frequency
		snap.CurFreq, _ = ReadUint(ctx, store, core, AttrCurFreq)
	}

	// turbo is global; a failed read leaves it unknown instead of failing
	// the core
	if topo.Turbo != nil {
		if on, err := ReadTurbo(ctx, store, topo); err == nil {
			snap.Turbo = &on
		}
	}

	return snap, nil
}

// ReadTurbo reports the global turbo state.
func ReadTurbo(ctx context.Context, store Store, topo *Topology) (bool, error) {
	if topo.Turbo == nil {
		return false, errors.New().New(errors.ErrUnsupported)
	}

	raw, err := store.Read(ctx, GlobalCore, topo.Turbo.Attr)
	if err != nil {
		return false, err
	}

	return topo.Turbo.Decode(raw), nil
}

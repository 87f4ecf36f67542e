package cpufreq

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
)

// supportedDrivers are the scaling drivers known to honor every attribute
// this package writes. Others are used, with a warning.
var supportedDrivers = map[string]bool{
	"intel_pstate":   true,
	"intel_cpufreq":  true,
	"acpi-cpufreq":   true,
	"amd-pstate":     true,
	"amd-pstate-epp": true,
	"cppc_cpufreq":   true,
	"cpufreq-dt":     true,
}

// governorFallbacks is the order in which substitutes are tried when a
// requested governor is not offered by the driver.
var governorFallbacks = map[Governor][]Governor{
	GovernorSchedutil:    {GovernorOndemand, GovernorConservative, GovernorPowersave},
	GovernorOndemand:     {GovernorSchedutil, GovernorConservative, GovernorPowersave},
	GovernorConservative: {GovernorOndemand, GovernorSchedutil, GovernorPowersave},
	GovernorPerformance:  {GovernorSchedutil, GovernorOndemand, GovernorPowersave},
	GovernorPowersave:    {GovernorConservative, GovernorSchedutil},
}

// TurboControl describes the global turbo switch. Inverted is set for
// intel_pstate's no_turbo, where "1" means off.
type TurboControl struct {
	Attr     Attribute `json:"attr" yaml:"attr"`
	Inverted bool      `json:"inverted" yaml:"inverted"`
}

// Encode returns the attribute value enabling or disabling turbo.
func (t TurboControl) Encode(on bool) string {
	if on != t.Inverted {
		return "1"
	}
	return "0"
}

// Decode interprets a raw attribute value.
func (t TurboControl) Decode(raw string) bool {
	return (strings.TrimSpace(raw) == "1") != t.Inverted
}

// CoreInfo is the immutable per-core part of the topology.
type CoreInfo struct {
	ID           CoreID `json:"id" yaml:"id"`
	Package      int    `json:"package" yaml:"package"`
	HardwareMin  uint64 `json:"hw_min_freq_khz" yaml:"hw_min_freq_khz"`
	HardwareMax  uint64 `json:"hw_max_freq_khz" yaml:"hw_max_freq_khz"`
	HasGovernor  bool   `json:"has_governor" yaml:"has_governor"`
	HasFrequency bool   `json:"has_frequency" yaml:"has_frequency"`
}

type Capabilities struct {
	Driver             string     `json:"driver" yaml:"driver"`
	KnownDriver        bool       `json:"known_driver" yaml:"known_driver"`
	AvailableGovernors []Governor `json:"available_governors" yaml:"available_governors"`
	PerCoreGovernor    bool       `json:"per_core_governor" yaml:"per_core_governor"`
	GovernorWritable   bool       `json:"governor_writable" yaml:"governor_writable"`
	FrequencyWritable  bool       `json:"frequency_writable" yaml:"frequency_writable"`
	SupportsTurbo      bool       `json:"supports_turbo" yaml:"supports_turbo"`
	TurboWritable      bool       `json:"turbo_writable" yaml:"turbo_writable"`
}

// Topology is discovered once at startup and never mutated afterwards.
type Topology struct {
	Cores        []CoreInfo    `json:"cores" yaml:"cores"`
	Capabilities Capabilities  `json:"capabilities" yaml:"capabilities"`
	Turbo        *TurboControl `json:"turbo,omitempty" yaml:"turbo,omitempty"`
}

// CoreIDs returns the managed cores in ascending order.
func (t *Topology) CoreIDs() []CoreID {
	ids := make([]CoreID, len(t.Cores))
	for i, c := range t.Cores {
		ids[i] = c.ID
	}
	return ids
}

func (t *Topology) Core(id CoreID) (CoreInfo, bool) {
	for _, c := range t.Cores {
		if c.ID == id {
			return c, true
		}
	}
	return CoreInfo{}, false
}

// Packages groups cores by physical package.
func (t *Topology) Packages() map[int][]CoreID {
	pkgs := make(map[int][]CoreID)
	for _, c := range t.Cores {
		pkgs[c.Package] = append(pkgs[c.Package], c.ID)
	}
	return pkgs
}

// Clip bounds khz to the core's hardware range. Cores without a known range
// pass the value through.
func (t *Topology) Clip(id CoreID, khz uint64) uint64 {
	c, ok := t.Core(id)
	if !ok || c.HardwareMax == 0 {
		return khz
	}
	if khz < c.HardwareMin {
		return c.HardwareMin
	}
	if khz > c.HardwareMax {
		return c.HardwareMax
	}
	return khz
}

func (t *Topology) GovernorAvailable(g Governor) bool {
	if len(t.Capabilities.AvailableGovernors) == 0 {
		return true
	}
	for _, a := range t.Capabilities.AvailableGovernors {
		if a == g {
			return true
		}
	}
	return false
}

// ResolveGovernor returns g if offered, else the nearest offered substitute.
func (t *Topology) ResolveGovernor(g Governor) Governor {
	if t.GovernorAvailable(g) {
		return g
	}
	for _, alt := range governorFallbacks[g] {
		if t.GovernorAvailable(alt) {
			return alt
		}
	}
	return t.Capabilities.AvailableGovernors[0]
}

// NextGovernor returns the next substitute after g in its fallback chain,
// reporting false when the chain is exhausted.
func (t *Topology) NextGovernor(g Governor) (Governor, bool) {
	for _, alt := range governorFallbacks[g] {
		if alt != g && t.GovernorAvailable(alt) {
			return alt, true
		}
	}
	return "", false
}

// Clone returns a deep copy for handing out to callers.
func (t *Topology) Clone() *Topology {
	if t == nil {
		return nil
	}
	c := &Topology{
		Cores:        append([]CoreInfo(nil), t.Cores...),
		Capabilities: t.Capabilities,
	}
	c.Capabilities.AvailableGovernors = append([]Governor(nil), t.Capabilities.AvailableGovernors...)
	if t.Turbo != nil {
		turbo := *t.Turbo
		c.Turbo = &turbo
	}
	return c
}

// Discover enumerates online cores and probes which attributes exist and
// accept writes. It fails only when no core exposes a scaling attribute.
func Discover(ctx context.Context, store Store, lister CoreLister) (*Topology, error) {
	log := logger.Get("topology")
	errFactory := errors.New()

	ids, err := lister.ListCores(ctx)
	if err != nil {
		return nil, err
	}

	topo := &Topology{}
	sharedPolicy := false

	for _, id := range ids {
		if online, err := store.Read(ctx, id, AttrOnline); err == nil && online == "0" {
			log.Debug().Int("core", int(id)).Msg("Skipping offline core")
			continue
		}

		info := CoreInfo{ID: id}

		if _, err := store.Read(ctx, id, AttrGovernor); err == nil {
			info.HasGovernor = true
		}

		hwMin, minErr := ReadUint(ctx, store, id, AttrHardwareMin)
		hwMax, maxErr := ReadUint(ctx, store, id, AttrHardwareMax)
		if minErr == nil && maxErr == nil && hwMin <= hwMax {
			info.HardwareMin, info.HardwareMax = hwMin, hwMax
			info.HasFrequency = true
		}

		if !info.HasGovernor && !info.HasFrequency {
			log.Warn().Int("core", int(id)).Msg("Core exposes no scaling attributes")
			continue
		}

		if pkg, err := ReadUint(ctx, store, id, AttrPackageID); err == nil {
			info.Package = int(pkg)
		}

		if related, err := store.Read(ctx, id, AttrRelatedCPUs); err == nil && len(parseCPUList(related)) > 1 {
			sharedPolicy = true
		}

		topo.Cores = append(topo.Cores, info)
	}

	if len(topo.Cores) == 0 {
		return nil, errFactory.Wrap(errors.ErrUnsupported, errFactory.New(ErrNoScalingCores))
	}

	first := topo.Cores[0].ID
	topo.Capabilities.PerCoreGovernor = !sharedPolicy

	if driver, err := store.Read(ctx, first, AttrDriver); err == nil {
		topo.Capabilities.Driver = driver
		topo.Capabilities.KnownDriver = supportedDrivers[driver]
		if !topo.Capabilities.KnownDriver {
			log.Warn().Str("driver", driver).Msg("Unrecognized scaling driver, continuing")
		}
	}

	if avail, err := store.Read(ctx, first, AttrAvailableGovernors); err == nil {
		for _, f := range strings.Fields(avail) {
			if g := ParseGovernor(f); g != GovernorUnknown {
				topo.Capabilities.AvailableGovernors = append(topo.Capabilities.AvailableGovernors, g)
			}
		}
	}

	topo.Capabilities.GovernorWritable = probe(ctx, store, first, AttrGovernor)
	topo.Capabilities.FrequencyWritable = probe(ctx, store, first, AttrScalingMax)

	for _, tc := range []TurboControl{{Attr: AttrNoTurbo, Inverted: true}, {Attr: AttrBoost}} {
		if _, err := store.Read(ctx, GlobalCore, tc.Attr); err != nil {
			continue
		}
		turbo := tc
		topo.Turbo = &turbo
		topo.Capabilities.SupportsTurbo = true
		topo.Capabilities.TurboWritable = probe(ctx, store, GlobalCore, tc.Attr)
		break
	}

	log.Info().
		Int("cores", len(topo.Cores)).
		Int("packages", len(topo.Packages())).
		Str("driver", topo.Capabilities.Driver).
		Bool("per_core_governor", topo.Capabilities.PerCoreGovernor).
		Bool("turbo", topo.Capabilities.SupportsTurbo).
		Msg("Discovered CPU topology")

	return topo, nil
}

// probe rewrites the current value to check the attribute accepts writes.
func probe(ctx context.Context, store Store, core CoreID, attr Attribute) bool {
	current, err := store.Read(ctx, core, attr)
	if err != nil {
		return false
	}
	return store.Write(ctx, core, attr, current) == nil
}

// parseCPUList handles both "0 1 2" and "0-2,4" forms.
func parseCPUList(s string) []int {
	var cpus []int
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		lo, hi, isRange := strings.Cut(field, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			continue
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				continue
			}
		}
		for c := start; c <= end; c++ {
			cpus = append(cpus, c)
		}
	}
	sort.Ints(cpus)
	return cpus
}

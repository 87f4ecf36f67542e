package cpufreq

import (
	"context"
	"strings"
)

// CoreID identifies a logical CPU; stable for the process lifetime.
type CoreID int

// GlobalCore addresses attributes that live directly under the cpu root
// rather than under a cpuN directory (turbo switches).
const GlobalCore CoreID = -1

// Attribute is a path relative to a core directory, or to the cpu root for
// GlobalCore.
type Attribute string

const (
	AttrGovernor           Attribute = "cpufreq/scaling_governor"
	AttrScalingMin         Attribute = "cpufreq/scaling_min_freq"
	AttrScalingMax         Attribute = "cpufreq/scaling_max_freq"
	AttrCurFreq            Attribute = "cpufreq/scaling_cur_freq"
	AttrHardwareMin        Attribute = "cpufreq/cpuinfo_min_freq"
	AttrHardwareMax        Attribute = "cpufreq/cpuinfo_max_freq"
	AttrAvailableGovernors Attribute = "cpufreq/scaling_available_governors"
	AttrDriver             Attribute = "cpufreq/scaling_driver"
	AttrRelatedCPUs        Attribute = "cpufreq/related_cpus"
	AttrPackageID          Attribute = "topology/physical_package_id"
	AttrOnline             Attribute = "online"

	AttrNoTurbo Attribute = "intel_pstate/no_turbo"
	AttrBoost   Attribute = "cpufreq/boost"
)

// Governor is the kernel frequency policy of a core.
type Governor string

const (
	GovernorPerformance  Governor = "performance"
	GovernorPowersave    Governor = "powersave"
	GovernorSchedutil    Governor = "schedutil"
	GovernorOndemand     Governor = "ondemand"
	GovernorConservative Governor = "conservative"
	GovernorUnknown      Governor = "unknown"
)

// ParseGovernor maps a raw attribute value onto the known governor set.
func ParseGovernor(s string) Governor {
	switch g := Governor(strings.TrimSpace(s)); g {
	case GovernorPerformance, GovernorPowersave, GovernorSchedutil, GovernorOndemand, GovernorConservative:
		return g
	default:
		return GovernorUnknown
	}
}

// Write is one entry of a batch write.
type Write struct {
	Core  CoreID
	Attr  Attribute
	Value string
}

// Store is the read/write primitive over named kernel attributes. It holds no
// policy and never retries; callers serialize writes.
type Store interface {
	Read(ctx context.Context, core CoreID, attr Attribute) (string, error)
	Write(ctx context.Context, core CoreID, attr Attribute, value string) error
	// WriteBatch attempts every entry and returns one result per entry,
	// nil meaning success.
	WriteBatch(ctx context.Context, writes []Write) []error
}

// CoreLister enumerates the logical cores the kernel exposes.
type CoreLister interface {
	ListCores(ctx context.Context) ([]CoreID, error)
}

// Snapshot is one core's attribute state, read fresh on demand.
type Snapshot struct {
	Core        CoreID   `json:"core" yaml:"core"`
	Governor    Governor `json:"governor" yaml:"governor"`
	CurFreq     uint64   `json:"cur_freq_khz" yaml:"cur_freq_khz"`
	MinFreq     uint64   `json:"min_freq_khz" yaml:"min_freq_khz"`
	MaxFreq     uint64   `json:"max_freq_khz" yaml:"max_freq_khz"`
	HardwareMin uint64   `json:"hw_min_freq_khz" yaml:"hw_min_freq_khz"`
	HardwareMax uint64   `json:"hw_max_freq_khz" yaml:"hw_max_freq_khz"`
	Turbo       *bool    `json:"turbo,omitempty" yaml:"turbo,omitempty"`
}

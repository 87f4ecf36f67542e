package thermal

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"github.com/shirou/gopsutil/v4/sensors"
)

const (
	DefaultRoot    = "/sys/class/thermal"
	zonePrefix     = "thermal_zone"
	milliPerDegree = 1000.0
	sourceSysfs    = "sysfs"
	sourceSensors  = "sensors"
)

// cpuZoneMarkers identify zones that track the CPU package or cores.
var cpuZoneMarkers = []string{"x86_pkg_temp", "cpu", "core", "k10temp", "tctl"}

type TripPoint struct {
	Type  string  `json:"type" yaml:"type"`
	TempC float64 `json:"temp_c" yaml:"temp_c"`
}

type Zone struct {
	Name  string      `json:"name" yaml:"name"`
	Type  string      `json:"type" yaml:"type"`
	TempC float64     `json:"temp_c" yaml:"temp_c"`
	Trips []TripPoint `json:"trips,omitempty" yaml:"trips,omitempty"`
}

// Reading is one thermal sample. Hottest drives policy; CPU is the preferred
// CPU zone, or the hottest when no zone looks like a CPU.
type Reading struct {
	Zones   []Zone    `json:"zones" yaml:"zones"`
	Hottest Zone      `json:"hottest" yaml:"hottest"`
	CPU     Zone      `json:"cpu" yaml:"cpu"`
	Rate    float64   `json:"rate_c_per_s" yaml:"rate_c_per_s"`
	HasRate bool      `json:"has_rate" yaml:"has_rate"`
	Source  string    `json:"source" yaml:"source"`
	TakenAt time.Time `json:"taken_at" yaml:"taken_at"`
}

// MaxTemp is the policy temperature.
func (r Reading) MaxTemp() float64 {
	return r.Hottest.TempC
}

type Config struct {
	Root string
	// Zones restricts sampling to these zone types; empty means all.
	Zones           []string
	SensorsFallback bool
}

// SensorsFunc returns temperatures from hwmon via gopsutil.
type SensorsFunc func(ctx context.Context) ([]sensors.TemperatureStat, error)

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithSensors(fn SensorsFunc) Option {
	return func(m *Monitor) { m.sensors = fn }
}

// Monitor samples thermal zones on demand. It holds only the previous
// reading, for the rate of change.
type Monitor struct {
	root     string
	allow    map[string]bool
	fallback bool
	sensors  SensorsFunc
	now      func() time.Time
	log      logger.Logger

	mu   sync.Mutex
	last *Reading
}

func New(cfg Config, opts ...Option) *Monitor {
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}

	m := &Monitor{
		root:     root,
		fallback: cfg.SensorsFallback,
		sensors:  sensors.TemperaturesWithContext,
		now:      time.Now,
		log:      logger.Get("thermal"),
	}

	if len(cfg.Zones) > 0 {
		m.allow = make(map[string]bool, len(cfg.Zones))
		for _, z := range cfg.Zones {
			m.allow[strings.ToLower(z)] = true
		}
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Sample reads every allowed zone. It returns an unavailable error when no
// zone can be read and the sensors fallback yields nothing.
func (m *Monitor) Sample(ctx context.Context) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zones, ioErr := m.readZones()
	source := sourceSysfs

	if len(zones) == 0 && m.fallback {
		zones = m.readSensors(ctx)
		source = sourceSensors
	}

	if len(zones) == 0 {
		m.last = nil
		if ioErr != nil {
			return Reading{}, errors.New().Wrap(errors.ErrIO, ioErr)
		}
		return Reading{}, errors.New().WithMessage(errors.ErrUnavailable, "no readable thermal zone")
	}

	r := Reading{
		Zones:   zones,
		Source:  source,
		TakenAt: m.now(),
	}

	r.Hottest = zones[0]
	for _, z := range zones[1:] {
		if z.TempC > r.Hottest.TempC {
			r.Hottest = z
		}
	}

	r.CPU = r.Hottest
	for _, z := range zones {
		if isCPUZone(z.Type) {
			r.CPU = z
			break
		}
	}

	if m.last != nil {
		if dt := r.TakenAt.Sub(m.last.TakenAt).Seconds(); dt > 0 {
			r.Rate = (r.MaxTemp() - m.last.MaxTemp()) / dt
			r.HasRate = true
		}
	}

	last := r
	m.last = &last

	m.log.Debug().
		Float64("max_c", r.MaxTemp()).
		Str("zone", r.Hottest.Name).
		Float64("rate", r.Rate).
		Msg("Thermal sample")

	return r, nil
}

// readZones returns readable zones sorted by name, plus the first
// non-missing read error, if any.
func (m *Monitor) readZones() ([]Zone, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var (
		zones    []Zone
		firstErr error
	)

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), zonePrefix) {
			continue
		}

		dir := filepath.Join(m.root, e.Name())
		zoneType := readString(filepath.Join(dir, "type"))
		if m.allow != nil && !m.allow[strings.ToLower(zoneType)] {
			continue
		}

		temp, err := readMilli(filepath.Join(dir, "temp"))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
				firstErr = err
			}
			m.log.Debug().Str("zone", e.Name()).Err(err).Msg("Skipping unreadable zone")
			continue
		}

		zones = append(zones, Zone{
			Name:  e.Name(),
			Type:  zoneType,
			TempC: temp,
			Trips: readTrips(dir),
		})
	}

	sort.Slice(zones, func(i, j int) bool { return zoneIndex(zones[i].Name) < zoneIndex(zones[j].Name) })

	return zones, firstErr
}

func (m *Monitor) readSensors(ctx context.Context) []Zone {
	stats, err := m.sensors(ctx)
	if err != nil && len(stats) == 0 {
		m.log.Debug().Err(err).Msg("Sensors fallback failed")
		return nil
	}

	var zones []Zone
	for _, s := range stats {
		if s.Temperature <= 0 {
			continue
		}
		if m.allow != nil && !m.allow[strings.ToLower(s.SensorKey)] {
			continue
		}

		z := Zone{Name: s.SensorKey, Type: s.SensorKey, TempC: s.Temperature}
		if s.High > 0 {
			z.Trips = append(z.Trips, TripPoint{Type: "passive", TempC: s.High})
		}
		if s.Critical > 0 {
			z.Trips = append(z.Trips, TripPoint{Type: "critical", TempC: s.Critical})
		}
		zones = append(zones, z)
	}

	return zones
}

func readTrips(dir string) []TripPoint {
	var trips []TripPoint
	for i := 0; ; i++ {
		prefix := filepath.Join(dir, "trip_point_"+strconv.Itoa(i))
		temp, err := readMilli(prefix + "_temp")
		if err != nil {
			return trips
		}

		tripType := readString(prefix + "_type")
		if tripType == "" {
			tripType = "unknown"
		}
		trips = append(trips, TripPoint{Type: tripType, TempC: temp})
	}
}

func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}

	return float64(v) / milliPerDegree, nil
}

func readString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func isCPUZone(zoneType string) bool {
	t := strings.ToLower(zoneType)
	for _, marker := range cpuZoneMarkers {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

func zoneIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, zonePrefix))
	if err != nil {
		return -1
	}
	return n
}

package thermal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZone(t *testing.T, root, name, zoneType, temp string, trips ...string) {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte(zoneType+"\n"), 0o644))
	if temp != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "temp"), []byte(temp+"\n"), 0o644))
	}
	for i := 0; i+1 < len(trips); i += 2 {
		base := filepath.Join(dir, "trip_point_"+string(rune('0'+i/2)))
		require.NoError(t, os.WriteFile(base+"_temp", []byte(trips[i]), 0o644))
		require.NoError(t, os.WriteFile(base+"_type", []byte(trips[i+1]), 0o644))
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func noSensors(context.Context) ([]sensors.TemperatureStat, error) { return nil, nil }

func TestSampleHottestAndCPUZone(t *testing.T) {
	root := t.TempDir()
	writeZone(t, root, "thermal_zone0", "acpitz", "58000", "95000", "critical")
	writeZone(t, root, "thermal_zone1", "x86_pkg_temp", "52000", "85000", "passive", "100000", "critical")
	writeZone(t, root, "cooling_device0", "Processor", "")

	m := New(Config{Root: root}, WithSensors(noSensors))
	r, err := m.Sample(context.Background())
	require.NoError(t, err)

	require.Len(t, r.Zones, 2)
	assert.Equal(t, "thermal_zone0", r.Hottest.Name)
	assert.InDelta(t, 58.0, r.MaxTemp(), 0.001)
	assert.Equal(t, "x86_pkg_temp", r.CPU.Type)
	assert.InDelta(t, 52.0, r.CPU.TempC, 0.001)
	assert.Equal(t, []TripPoint{{Type: "passive", TempC: 85}, {Type: "critical", TempC: 100}}, r.Zones[1].Trips)
	assert.False(t, r.HasRate)
	assert.Equal(t, sourceSysfs, r.Source)
}

func TestSampleRate(t *testing.T) {
	root := t.TempDir()
	writeZone(t, root, "thermal_zone0", "x86_pkg_temp", "50000")

	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := New(Config{Root: root}, WithClock(clock.now), WithSensors(noSensors))

	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	writeZone(t, root, "thermal_zone0", "x86_pkg_temp", "60000")
	clock.t = clock.t.Add(2 * time.Second)

	r, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, r.HasRate)
	assert.InDelta(t, 5.0, r.Rate, 0.001)
}

func TestSampleZoneAllowList(t *testing.T) {
	root := t.TempDir()
	writeZone(t, root, "thermal_zone0", "acpitz", "90000")
	writeZone(t, root, "thermal_zone1", "x86_pkg_temp", "45000")

	m := New(Config{Root: root, Zones: []string{"X86_PKG_TEMP"}}, WithSensors(noSensors))
	r, err := m.Sample(context.Background())
	require.NoError(t, err)

	require.Len(t, r.Zones, 1)
	assert.InDelta(t, 45.0, r.MaxTemp(), 0.001)
}

func TestSampleUnavailable(t *testing.T) {
	m := New(Config{Root: filepath.Join(t.TempDir(), "missing")}, WithSensors(noSensors))

	_, err := m.Sample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
}

func TestSampleSensorsFallback(t *testing.T) {
	fake := func(context.Context) ([]sensors.TemperatureStat, error) {
		return []sensors.TemperatureStat{
			{SensorKey: "coretemp_package_id_0", Temperature: 71, High: 84, Critical: 100},
			{SensorKey: "nvme_composite", Temperature: 40},
		}, nil
	}

	m := New(Config{Root: t.TempDir(), SensorsFallback: true}, WithSensors(fake))
	r, err := m.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sourceSensors, r.Source)
	assert.InDelta(t, 71.0, r.MaxTemp(), 0.001)
	assert.Equal(t, "coretemp_package_id_0", r.CPU.Name)
	assert.Len(t, r.Zones[0].Trips, 2)
}

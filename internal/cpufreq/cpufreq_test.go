package cpufreq

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCPUTree writes a fake sysfs cpu root; keys are paths relative to it.
func setupCPUTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, value := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
	}

	return root
}

func coreFiles(core string, governor string) map[string]string {
	return map[string]string{
		core + "/cpufreq/scaling_governor":            governor,
		core + "/cpufreq/scaling_min_freq":            "800000",
		core + "/cpufreq/scaling_max_freq":            "3600000",
		core + "/cpufreq/scaling_cur_freq":            "1200000",
		core + "/cpufreq/cpuinfo_min_freq":            "800000",
		core + "/cpufreq/cpuinfo_max_freq":            "3600000",
		core + "/cpufreq/scaling_available_governors": "performance powersave",
		core + "/cpufreq/scaling_driver":              "intel_pstate",
		core + "/cpufreq/related_cpus":                core[len("cpu"):],
		core + "/topology/physical_package_id":        "0",
	}
}

func laptopTree(t *testing.T) string {
	t.Helper()

	files := map[string]string{
		"intel_pstate/no_turbo": "0",
		"cpu2/online":           "0",
		"cpufreq/policy0":       "",
	}
	for k, v := range coreFiles("cpu0", "powersave") {
		files[k] = v
	}
	for k, v := range coreFiles("cpu1", "powersave") {
		files[k] = v
	}
	files["cpu1/online"] = "1"

	return setupCPUTree(t, files)
}

func TestSysfsStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	root := laptopTree(t)
	store := NewSysfsStore(root, time.Second)

	gov, err := store.Read(ctx, 0, AttrGovernor)
	require.NoError(t, err)
	assert.Equal(t, "powersave", gov)

	require.NoError(t, store.Write(ctx, 0, AttrGovernor, "performance"))
	gov, err = store.Read(ctx, 0, AttrGovernor)
	require.NoError(t, err)
	assert.Equal(t, "performance", gov)

	turbo, err := store.Read(ctx, GlobalCore, AttrNoTurbo)
	require.NoError(t, err)
	assert.Equal(t, "0", turbo)
}

func TestSysfsStoreErrorMapping(t *testing.T) {
	ctx := context.Background()
	store := NewSysfsStore(laptopTree(t), time.Second)

	_, err := store.Read(ctx, 7, AttrGovernor)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnsupported))

	err = store.Write(ctx, 7, AttrGovernor, "performance")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrIO))
	assert.True(t, Retryable(err))
}

func TestSysfsStoreWriteBatchAttemptsAll(t *testing.T) {
	ctx := context.Background()
	root := laptopTree(t)
	store := NewSysfsStore(root, time.Second)

	results := store.WriteBatch(ctx, []Write{
		{Core: 0, Attr: AttrGovernor, Value: "performance"},
		{Core: 9, Attr: AttrGovernor, Value: "performance"},
		{Core: 1, Attr: AttrGovernor, Value: "performance"},
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
	assert.NoError(t, results[2])

	gov, err := store.Read(ctx, 1, AttrGovernor)
	require.NoError(t, err)
	assert.Equal(t, "performance", gov)
}

func TestSysfsStoreTimeout(t *testing.T) {
	root := laptopTree(t)
	fifo := filepath.Join(root, "cpu0", "cpufreq", "stuck")
	require.NoError(t, syscall.Mkfifo(fifo, 0o644))

	store := NewSysfsStore(root, 20*time.Millisecond)
	_, err := store.Read(context.Background(), 0, Attribute("cpufreq/stuck"))

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrIO))
	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
}

func TestListCores(t *testing.T) {
	store := NewSysfsStore(laptopTree(t), 0)

	cores, err := store.ListCores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []CoreID{0, 1, 2}, cores)
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	store := NewSysfsStore(laptopTree(t), time.Second)

	topo, err := Discover(ctx, store, store)
	require.NoError(t, err)

	assert.Equal(t, []CoreID{0, 1}, topo.CoreIDs())
	assert.Equal(t, "intel_pstate", topo.Capabilities.Driver)
	assert.True(t, topo.Capabilities.KnownDriver)
	assert.True(t, topo.Capabilities.PerCoreGovernor)
	assert.True(t, topo.Capabilities.GovernorWritable)
	assert.True(t, topo.Capabilities.FrequencyWritable)
	assert.True(t, topo.Capabilities.SupportsTurbo)
	assert.True(t, topo.Capabilities.TurboWritable)
	assert.Equal(t, []Governor{GovernorPerformance, GovernorPowersave}, topo.Capabilities.AvailableGovernors)

	require.NotNil(t, topo.Turbo)
	assert.Equal(t, AttrNoTurbo, topo.Turbo.Attr)
	assert.True(t, topo.Turbo.Inverted)

	core, ok := topo.Core(1)
	require.True(t, ok)
	assert.Equal(t, uint64(800000), core.HardwareMin)
	assert.Equal(t, uint64(3600000), core.HardwareMax)

	assert.Equal(t, map[int][]CoreID{0: {0, 1}}, topo.Packages())
}

func TestDiscoverSharedPolicy(t *testing.T) {
	files := coreFiles("cpu0", "schedutil")
	files["cpu0/cpufreq/related_cpus"] = "0-3"
	store := NewSysfsStore(setupCPUTree(t, files), 0)

	topo, err := Discover(context.Background(), store, store)
	require.NoError(t, err)
	assert.False(t, topo.Capabilities.PerCoreGovernor)
	assert.False(t, topo.Capabilities.SupportsTurbo)
	assert.Nil(t, topo.Turbo)
}

func TestDiscoverNoScalingCores(t *testing.T) {
	store := NewSysfsStore(setupCPUTree(t, map[string]string{
		"cpu0/topology/physical_package_id": "0",
	}), 0)

	_, err := Discover(context.Background(), store, store)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnsupported))
}

func TestResolveGovernor(t *testing.T) {
	topo := &Topology{Capabilities: Capabilities{
		AvailableGovernors: []Governor{GovernorPerformance, GovernorPowersave},
	}}

	assert.Equal(t, GovernorPerformance, topo.ResolveGovernor(GovernorPerformance))
	assert.Equal(t, GovernorPowersave, topo.ResolveGovernor(GovernorSchedutil))

	next, ok := topo.NextGovernor(GovernorSchedutil)
	assert.True(t, ok)
	assert.Equal(t, GovernorPowersave, next)

	_, ok = topo.NextGovernor(GovernorPowersave)
	assert.False(t, ok)
}

func TestClip(t *testing.T) {
	topo := &Topology{Cores: []CoreInfo{{ID: 0, HardwareMin: 800000, HardwareMax: 3600000, HasFrequency: true}}}

	assert.Equal(t, uint64(800000), topo.Clip(0, 100))
	assert.Equal(t, uint64(3600000), topo.Clip(0, 9000000))
	assert.Equal(t, uint64(2000000), topo.Clip(0, 2000000))
}

func TestTurboControl(t *testing.T) {
	noTurbo := TurboControl{Attr: AttrNoTurbo, Inverted: true}
	assert.Equal(t, "0", noTurbo.Encode(true))
	assert.Equal(t, "1", noTurbo.Encode(false))
	assert.True(t, noTurbo.Decode("0"))

	boost := TurboControl{Attr: AttrBoost}
	assert.Equal(t, "1", boost.Encode(true))
	assert.False(t, boost.Decode("0"))
}

func TestReadSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewSysfsStore(laptopTree(t), time.Second)
	topo, err := Discover(ctx, store, store)
	require.NoError(t, err)

	snap, err := ReadSnapshot(ctx, store, topo, 0)
	require.NoError(t, err)
	assert.Equal(t, GovernorPowersave, snap.Governor)
	assert.Equal(t, uint64(1200000), snap.CurFreq)
	assert.Equal(t, uint64(800000), snap.MinFreq)
	assert.Equal(t, uint64(3600000), snap.MaxFreq)
	require.NotNil(t, snap.Turbo)
	assert.True(t, *snap.Turbo)

	_, err = ReadSnapshot(ctx, store, topo, 5)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestParseCPUList(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 4}, parseCPUList("0-2,4"))
	assert.Equal(t, []int{0, 1}, parseCPUList("1 0\n"))
	assert.Empty(t, parseCPUList(""))
}

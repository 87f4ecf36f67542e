package runstate

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/broadcast"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/power"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(ticks uint64) Record {
	return Record{
		PID:       os.Getpid(),
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		AutoTune:  true,
		State: engine.State{
			Profile:          profile.NamePowerSaver,
			Phase:            engine.PhaseSteady,
			Rule:             engine.RulePowerSource,
			AppliedSource:    power.SourceBattery,
			HasAppliedSource: true,
			Ticks:            ticks,
		},
	}
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "state.json")

	require.NoError(t, Write(path, record(7)))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, profile.NamePowerSaver, got.State.Profile)
	assert.Equal(t, power.SourceBattery, got.State.AppliedSource)
	assert.Equal(t, uint64(7), got.State.Ticks)
	assert.True(t, got.AutoTune)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestReadWithoutService(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "absent.json"))
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))

	stale := record(1)
	stale.PID = 0
	path := filepath.Join(dir, "state.json")
	require.NoError(t, Write(path, stale))

	_, err = Read(path)
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = Read(path)
	assert.True(t, errors.HasCode(err, errors.ErrIO))
}

func TestRemoveOnlyOwnRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	other := record(1)
	other.PID = os.Getpid() + 1
	require.NoError(t, Write(path, other))
	require.NoError(t, Remove(path))
	assert.FileExists(t, path)

	require.NoError(t, Write(path, record(1)))
	require.NoError(t, Remove(path))
	assert.NoFileExists(t, path)
}

func TestPublisherFollowsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	b := broadcast.New()

	var ticks atomic.Uint64
	p := NewPublisher(path, b, func() Record { return record(ticks.Load()) }, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := Read(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	ticks.Store(3)
	b.Publish(broadcast.Event{Kind: broadcast.KindTick})

	require.Eventually(t, func() bool {
		r, err := Read(path)
		return err == nil && r.State.Ticks == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	b.Close()
}

package main

import (
	"context"

	"codeberg.org/mutker/cpupowerctl/internal/broadcast"
	"codeberg.org/mutker/cpupowerctl/internal/config"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/load"
	"codeberg.org/mutker/cpupowerctl/internal/lock"
	"codeberg.org/mutker/cpupowerctl/internal/power"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"codeberg.org/mutker/cpupowerctl/internal/thermal"
)

// app is the wired engine and its collaborators.
type app struct {
	engine *engine.Engine
	events *broadcast.Broadcaster
}

func newApp(ctx context.Context, c *config.Config) (*app, error) {
	store := cpufreq.NewSysfsStore(c.Sysfs.CPURoot, c.Sysfs.IOTimeout)

	topo, err := cpufreq.Discover(ctx, store, store)
	if err != nil {
		return nil, err
	}

	catalog := profile.NewCatalog()
	users, err := c.UserProfiles()
	if err != nil {
		return nil, err
	}
	if err := catalog.Replace(users); err != nil {
		return nil, err
	}

	events := broadcast.New()

	eng, err := engine.New(ctx, engine.Deps{
		Store:    store,
		Topology: topo,
		Lock:     lock.New(c.LockFile),
		Catalog:  catalog,
		Thermal: thermal.New(thermal.Config{
			Root:            c.Sysfs.ThermalRoot,
			Zones:           c.Thermal.Zones,
			SensorsFallback: c.Thermal.SensorsFallback,
		}),
		Load:   load.New(c.Load.Window),
		Power:  power.New(c.Sysfs.PowerSupplyRoot),
		Events: events,
	}, engine.FromConfig(c))
	if err != nil {
		events.Close()
		return nil, err
	}

	return &app{engine: eng, events: events}, nil
}

func (a *app) Close() {
	a.events.Close()
}

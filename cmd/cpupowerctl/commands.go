package main

import (
	"context"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/runstate"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// statusSampleGap separates the two load samples taken by status; the first
// one only sets the baseline.
const statusSampleGap = 250 * time.Millisecond

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-core state, signals and the active profile",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var listProfilesCmd = &cobra.Command{
	Use:     "list-profiles",
	Aliases: []string{"profiles"},
	Short:   "List built-in and user profiles",
	Args:    cobra.NoArgs,
	RunE:    runListProfiles,
}

var applyProfileCmd = &cobra.Command{
	Use:   "apply-profile <name>",
	Short: "Apply a profile to every core",
	Long: `Apply a profile to every core. Names are matched case-insensitively;
quote names with spaces, e.g. "power saver".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApplyProfile,
}

var setGovernorCmd = &cobra.Command{
	Use:       "set-governor <governor>",
	Short:     "Write one scaling governor to every core",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"performance", "powersave", "schedutil", "ondemand", "conservative"},
	RunE:      runSetGovernor,
}

var setFrequencyCmd = &cobra.Command{
	Use:   "set-frequency <MHz>",
	Short: "Cap the maximum frequency of every core",
	Long: `Cap the maximum frequency of every core. The value is in MHz unless it
carries a unit, e.g. 2400 or 2.4GHz. It is clipped to each core's hardware range.`,
	Args: cobra.ExactArgs(1),
	RunE: runSetFrequency,
}

var setTurboCmd = &cobra.Command{
	Use:       "set-turbo <on|off>",
	Short:     "Enable or disable turbo boost",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runSetTurbo,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listProfilesCmd)
	rootCmd.AddCommand(applyProfileCmd)
	rootCmd.AddCommand(setGovernorCmd)
	rootCmd.AddCommand(setFrequencyCmd)
	rootCmd.AddCommand(setTurboCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.engine.Sample(ctx)
	select {
	case <-time.After(statusSampleGap):
	case <-ctx.Done():
		return ctx.Err()
	}
	rt.engine.Sample(ctx)

	st := rt.engine.Status(ctx)
	attachServiceState(&st, rt.engine, cfg.StateFile)
	return render(cmd.OutOrStdout(), outputFormat, st, func(w io.Writer) error {
		return writeStatus(w, st, time.Now())
	})
}

func runListProfiles(cmd *cobra.Command, _ []string) error {
	rt, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	specs := rt.engine.ListProfiles()
	active := ""
	if rec, err := runstate.Read(cfg.StateFile); err == nil {
		active = rec.State.Profile
	}
	return render(cmd.OutOrStdout(), outputFormat, specs, func(w io.Writer) error {
		return writeProfiles(w, specs, active)
	})
}

// attachServiceState replaces the engine state in st with the running
// service's, or drops it when no service is running: a CLI engine never
// ticks, so its own state says nothing about the machine.
func attachServiceState(st *engine.Status, eng *engine.Engine, path string) {
	st.State, st.Active = nil, nil

	rec, err := runstate.Read(path)
	if err != nil {
		if !errors.HasCode(err, errors.ErrUnavailable) {
			logger.Warn().Err(err).Str("path", path).Msg("Could not read service state")
		}
		return
	}

	st.State = &rec.State
	st.AutoTune = rec.AutoTune
	for _, s := range eng.ListProfiles() {
		if s.Name == rec.State.Profile {
			st.Active = &s
			break
		}
	}
}

func runApplyProfile(cmd *cobra.Command, args []string) error {
	name := strings.Join(args, " ")
	return runManual(cmd, func(ctx context.Context, rt *app) (applier.Report, error) {
		return rt.engine.ApplyProfile(ctx, name)
	})
}

func runSetGovernor(cmd *cobra.Command, args []string) error {
	gov := cpufreq.ParseGovernor(args[0])
	if gov == cpufreq.GovernorUnknown {
		return errors.New().WithData(errors.ErrInvalidArgument, "governor "+args[0])
	}
	return runManual(cmd, func(ctx context.Context, rt *app) (applier.Report, error) {
		return rt.engine.SetGovernorAll(ctx, gov)
	})
}

func runSetFrequency(cmd *cobra.Command, args []string) error {
	khz, err := parseFrequency(args[0])
	if err != nil {
		return err
	}
	return runManual(cmd, func(ctx context.Context, rt *app) (applier.Report, error) {
		return rt.engine.SetMaxFrequencyAll(ctx, khz)
	})
}

func runSetTurbo(cmd *cobra.Command, args []string) error {
	on, err := parseSwitch(args[0])
	if err != nil {
		return err
	}
	return runManual(cmd, func(ctx context.Context, rt *app) (applier.Report, error) {
		return rt.engine.SetTurboAll(ctx, on)
	})
}

// runManual performs one write operation and prints its report. A report
// that is not fully successful is printed and then returned as an error.
func runManual(cmd *cobra.Command, op func(context.Context, *app) (applier.Report, error)) error {
	ctx := cmd.Context()
	rt, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := op(ctx, rt)
	if report.ID == "" {
		return err
	}

	if rerr := render(cmd.OutOrStdout(), outputFormat, report, func(w io.Writer) error {
		return writeReport(w, report)
	}); rerr != nil {
		return rerr
	}

	if err != nil {
		return err
	}
	if !report.Success {
		return errors.New().WithMessage(errors.ErrApplyFailed, "not every core was applied")
	}
	return nil
}

// parseFrequency returns kHz from a bare MHz value or an SI value in Hz.
func parseFrequency(s string) (uint64, error) {
	invalid := errors.New().WithData(errors.ErrInvalidArgument, "frequency "+s)

	mhz, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err == nil {
		if mhz <= 0 {
			return 0, invalid
		}
		return uint64(math.Round(mhz * 1000)), nil
	}

	hz, unit, err := humanize.ParseSI(strings.TrimSpace(s))
	if err != nil || unit != "Hz" || hz < 1000 {
		return 0, invalid
	}
	return uint64(math.Round(hz / 1000)), nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "0", "disable", "disabled":
		return false, nil
	default:
		return false, errors.New().WithData(errors.ErrInvalidArgument, "expected on or off, got "+s)
	}
}

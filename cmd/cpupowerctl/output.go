package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/profile"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func parseFormat(s string) (string, error) {
	switch f := strings.ToLower(s); f {
	case formatText, formatJSON, formatYAML:
		return f, nil
	default:
		return "", errors.New().WithData(errors.ErrInvalidArgument, "output format "+s)
	}
}

// render writes v as JSON or YAML, or through text for the text format.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

// formatKHz prints a sysfs kHz value as a frequency, e.g. "3.6 GHz".
func formatKHz(khz uint64) string {
	if khz == 0 {
		return "-"
	}
	return humanize.SIWithDigits(float64(khz)*1000, 2, "Hz")
}

func formatTurbo(on *bool) string {
	switch {
	case on == nil:
		return "unsupported"
	case *on:
		return "on"
	default:
		return "off"
	}
}

func formatCap(c profile.FreqCap) string {
	switch {
	case !c.IsSet() || (c.KHz == 0 && c.Percent >= 100):
		return "max"
	case c.KHz > 0:
		return formatKHz(c.KHz)
	default:
		return fmt.Sprintf("%g%%", c.Percent)
	}
}

func writeStatus(w io.Writer, st engine.Status, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Driver:\t%s\n", st.Topology.Capabilities.Driver)
	if st.State != nil {
		fmt.Fprintf(tw, "Profile:\t%s (%s, last rule %s)\n", st.State.Profile, st.State.Phase, st.State.Rule)
	} else {
		fmt.Fprintln(tw, "Profile:\tunknown (service not running)")
	}
	fmt.Fprintf(tw, "Auto-tune:\t%t\n", st.AutoTune)
	fmt.Fprintf(tw, "Turbo:\t%s\n", formatTurbo(st.Turbo))
	if st.Signals.Thermal != nil {
		fmt.Fprintf(tw, "Temperature:\t%.1f°C (%s)\n", st.Signals.Thermal.MaxTemp(), st.Signals.Thermal.Hottest.Type)
	}
	if st.Signals.Load != nil {
		fmt.Fprintf(tw, "Load:\t%.1f%%\n", st.Signals.Load.Aggregate)
	}
	if st.Signals.Power != nil {
		p := st.Signals.Power
		line := p.Source.String()
		if p.HasRate {
			line += fmt.Sprintf(", %.1f%%/h", p.Rate)
		}
		fmt.Fprintf(tw, "Power:\t%s\n", line)
	}
	if st.State != nil && !st.State.LastTick.IsZero() {
		fmt.Fprintf(tw, "Last tick:\t%s (%s ticks)\n",
			humanize.RelTime(st.State.LastTick, now, "ago", "from now"),
			humanize.Comma(int64(st.State.Ticks)))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CORE\tGOVERNOR\tCURRENT\tMIN\tMAX\tRANGE")
	for _, c := range st.Cores {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s-%s\n",
			c.Core, c.Governor,
			formatKHz(c.CurFreq), formatKHz(c.MinFreq), formatKHz(c.MaxFreq),
			formatKHz(c.HardwareMin), formatKHz(c.HardwareMax))
	}

	return tw.Flush()
}

func writeProfiles(w io.Writer, specs []profile.Spec, active string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tGOVERNOR\tTURBO\tMAX\tDESCRIPTION")
	for _, s := range specs {
		mark := ""
		if strings.EqualFold(s.Name, active) {
			mark = "*"
		}
		desc := s.Description
		if !s.Builtin {
			desc = strings.TrimSpace(desc + " (user)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, s.Name, s.Governor, s.Turbo, formatCap(s.MaxFreq), desc)
	}
	return tw.Flush()
}

func writeReport(w io.Writer, r applier.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	status := "ok"
	if !r.Success {
		status = "partial"
	}
	fmt.Fprintf(tw, "Applied %q: %s in %s\n", r.Profile, status, r.Duration().Round(time.Millisecond))

	cores := append([]applier.CoreResult(nil), r.Cores...)
	sort.Slice(cores, func(i, j int) bool { return cores[i].Core < cores[j].Core })
	for _, c := range cores {
		if c.Error != "" {
			fmt.Fprintf(tw, "  core %d\t%s\t%s\n", c.Core, c.Outcome, c.Error)
			continue
		}
		fmt.Fprintf(tw, "  core %d\t%s\t%s / %s\n", c.Core, c.Outcome, c.Final.Governor, formatKHz(c.Final.MaxFreq))
	}
	if r.Turbo != nil && r.Turbo.Attempted {
		fmt.Fprintf(tw, "  turbo\trequested %t\tapplied %t %s\n", r.Turbo.Requested, r.Turbo.Applied, r.Turbo.Error)
	}

	return tw.Flush()
}

package power

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
)

const (
	DefaultRoot  = "/sys/class/power_supply"
	DefaultAlpha = 0.3

	statusDischarging = "discharging"
)

type Source int

const (
	SourceAC Source = iota
	SourceBattery
)

func (s Source) String() string {
	if s == SourceBattery {
		return "battery"
	}
	return "ac"
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "ac":
		*s = SourceAC
	case "battery":
		*s = SourceBattery
	default:
		return errors.New().WithData(errors.ErrInvalidValue, "power source "+string(text))
	}
	return nil
}

type Battery struct {
	Name     string  `json:"name" yaml:"name"`
	Capacity float64 `json:"capacity" yaml:"capacity"`
	Status   string  `json:"status" yaml:"status"`
}

// State is one power sample. Rate is the smoothed discharge rate in percent
// per hour and is only meaningful when HasRate is set.
type State struct {
	Source    Source    `json:"source" yaml:"source"`
	Rate      float64   `json:"discharge_rate" yaml:"discharge_rate"`
	HasRate   bool      `json:"has_rate" yaml:"has_rate"`
	Capacity  float64   `json:"capacity" yaml:"capacity"`
	Batteries []Battery `json:"batteries,omitempty" yaml:"batteries,omitempty"`
	TakenAt   time.Time `json:"taken_at" yaml:"taken_at"`
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithAlpha(alpha float64) Option {
	return func(d *Detector) {
		if alpha > 0 && alpha <= 1 {
			d.alpha = alpha
		}
	}
}

// Detector classifies the power source and smooths the battery discharge
// rate across samples.
type Detector struct {
	root  string
	alpha float64
	now   func() time.Time
	log   logger.Logger

	mu sync.Mutex
	// capacity is whole percent, so the rate is measured between steps
	seen      bool
	anchorCap float64
	anchorAt  time.Time
	rate      float64
	hasRate   bool
}

func New(root string, opts ...Option) *Detector {
	if root == "" {
		root = DefaultRoot
	}

	d := &Detector{
		root:  root,
		alpha: DefaultAlpha,
		now:   time.Now,
		log:   logger.Get("power"),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Detector) Sample(_ context.Context) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	errFactory := errors.New()

	entries, err := os.ReadDir(d.root)
	if err != nil {
		d.resetRate()
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, errFactory.WithMessage(errors.ErrUnavailable, "no power_supply class")
		}
		return State{}, errFactory.Wrap(errors.ErrIO, err)
	}

	var (
		mainsOnline bool
		discharging bool
		batteries   []Battery
		draw, full  float64
		direct      = true
	)

	for _, e := range entries {
		dir := filepath.Join(d.root, e.Name())
		switch strings.ToLower(readString(filepath.Join(dir, "type"))) {
		case "mains", "usb", "usb_c", "usb_pd":
			if readString(filepath.Join(dir, "online")) == "1" {
				mainsOnline = true
			}
		case "battery":
			// peripheral batteries (mice, headsets) report scope=Device
			if strings.EqualFold(readString(filepath.Join(dir, "scope")), "device") {
				continue
			}
			b := Battery{
				Name:   e.Name(),
				Status: readString(filepath.Join(dir, "status")),
			}
			if c, err := strconv.ParseFloat(readString(filepath.Join(dir, "capacity")), 64); err == nil {
				b.Capacity = c
			}
			if strings.EqualFold(b.Status, statusDischarging) {
				discharging = true
			}
			if n, f, ok := readDraw(dir); ok {
				draw += n
				full += f
			} else {
				direct = false
			}
			batteries = append(batteries, b)
		}
	}

	sort.Slice(batteries, func(i, j int) bool { return batteries[i].Name < batteries[j].Name })

	st := State{
		Source:    SourceAC,
		Batteries: batteries,
		TakenAt:   d.now(),
	}

	if len(batteries) > 0 {
		var sum float64
		for _, b := range batteries {
			sum += b.Capacity
		}
		st.Capacity = sum / float64(len(batteries))
	}

	if mainsOnline || !discharging {
		d.resetRate()
		return st, nil
	}

	st.Source = SourceBattery
	if direct && full > 0 {
		st.Rate, st.HasRate = d.fold(draw/full*100), true
	} else {
		st.Rate, st.HasRate = d.observe(st.Capacity, st.TakenAt)
	}

	d.log.Debug().
		Float64("capacity", st.Capacity).
		Float64("rate", st.Rate).
		Bool("has_rate", st.HasRate).
		Msg("Battery sample")

	return st, nil
}

// observe derives the rate from capacity steps: the time between two
// consecutive drops gives one measurement. The first drop only sets the
// anchor since the sample before it may be late.
func (d *Detector) observe(capacity float64, at time.Time) (float64, bool) {
	if !d.seen {
		d.seen = true
		d.anchorCap = capacity
		return 0, false
	}

	switch {
	case capacity < d.anchorCap:
		if !d.anchorAt.IsZero() {
			if hours := at.Sub(d.anchorAt).Hours(); hours > 0 {
				d.fold((d.anchorCap - capacity) / hours)
			}
		}
		d.anchorCap, d.anchorAt = capacity, at
	case capacity > d.anchorCap:
		d.anchorCap, d.anchorAt = capacity, time.Time{}
	}

	if !d.hasRate {
		return 0, false
	}

	// a full step has not happened in this long, so the drain is at most
	// one percent over the elapsed time
	if hours := at.Sub(d.anchorAt).Hours(); hours > 0 && 1/hours < d.rate {
		return 1 / hours, true
	}

	return d.rate, true
}

func (d *Detector) fold(instant float64) float64 {
	if instant < 0 {
		instant = 0
	}
	if !d.hasRate {
		d.rate, d.hasRate = instant, true
		return d.rate
	}
	d.rate = d.alpha*instant + (1-d.alpha)*d.rate
	return d.rate
}

func (d *Detector) resetRate() {
	d.seen = false
	d.anchorCap = 0
	d.anchorAt = time.Time{}
	d.rate = 0
	d.hasRate = false
}

// readDraw returns the present draw and the full capacity of a battery in
// matching units, from energy (uW, uWh) or charge (uA, uAh) attributes.
func readDraw(dir string) (now, full float64, ok bool) {
	for _, pair := range [][2]string{{"power_now", "energy_full"}, {"current_now", "charge_full"}} {
		n, err := strconv.ParseFloat(readString(filepath.Join(dir, pair[0])), 64)
		if err != nil {
			continue
		}
		f, err := strconv.ParseFloat(readString(filepath.Join(dir, pair[1])), 64)
		if err != nil || f <= 0 {
			continue
		}
		if n < 0 {
			n = -n
		}
		return n, f, true
	}
	return 0, 0, false
}

func readString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

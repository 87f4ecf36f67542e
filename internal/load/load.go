package load

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"github.com/shirou/gopsutil/v4/cpu"
)

const DefaultWindow = 5

// TimesFunc returns cumulative CPU times, one entry per logical core.
type TimesFunc func(ctx context.Context, percpu bool) ([]cpu.TimesStat, error)

// Reading is the window view after one sample. Min and Max span the
// aggregate utilization of every sample currently in the window.
type Reading struct {
	Aggregate float64   `json:"aggregate" yaml:"aggregate"`
	PerCore   []float64 `json:"per_core" yaml:"per_core"`
	Full      bool      `json:"window_full" yaml:"window_full"`
	Samples   int       `json:"samples" yaml:"samples"`
	Min       float64   `json:"window_min" yaml:"window_min"`
	Max       float64   `json:"window_max" yaml:"window_max"`
	Mean      float64   `json:"window_mean" yaml:"window_mean"`
	TakenAt   time.Time `json:"taken_at" yaml:"taken_at"`
}

type Option func(*Sampler)

func WithTimes(fn TimesFunc) Option {
	return func(s *Sampler) { s.times = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// Sampler keeps the previous counters and a ring of aggregate values so each
// call costs one counter read.
type Sampler struct {
	times TimesFunc
	now   func() time.Time
	log   logger.Logger

	mu     sync.Mutex
	prev   []cpu.TimesStat
	ring   []float64
	next   int
	filled int
}

func New(window int, opts ...Option) *Sampler {
	if window < 1 {
		window = DefaultWindow
	}

	s := &Sampler{
		times: cpu.TimesWithContext,
		now:   time.Now,
		log:   logger.Get("load"),
		ring:  make([]float64, window),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sample computes utilization since the previous call. The first call, and
// any call after the core count changes, only records a baseline and returns
// an unavailable error.
func (s *Sampler) Sample(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()

	current, err := s.times(ctx, true)
	if err != nil {
		return Reading{}, errFactory.Wrap(errors.ErrIO, err)
	}
	if len(current) == 0 {
		return Reading{}, errFactory.WithMessage(errors.ErrUnavailable, "no cpu time counters")
	}

	prev := s.prev
	s.prev = current

	if len(prev) != len(current) {
		s.reset()
		return Reading{}, errFactory.WithMessage(errors.ErrUnavailable, "load baseline recorded")
	}

	perCore := make([]float64, len(current))
	var busySum, totalSum float64
	for i := range current {
		busy, total := delta(prev[i], current[i])
		perCore[i] = percent(busy, total)
		busySum += busy
		totalSum += total
	}

	aggregate := percent(busySum, totalSum)
	s.push(aggregate)

	r := Reading{
		Aggregate: aggregate,
		PerCore:   perCore,
		Full:      s.filled == len(s.ring),
		Samples:   s.filled,
		TakenAt:   s.now(),
	}
	r.Min, r.Max, r.Mean = s.stats()

	s.log.Debug().
		Float64("aggregate", aggregate).
		Float64("window_min", r.Min).
		Float64("window_max", r.Max).
		Bool("full", r.Full).
		Msg("Load sample")

	return r, nil
}

// Resize changes the window length, discarding collected samples.
func (s *Sampler) Resize(window int) {
	if window < 1 {
		window = DefaultWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if window != len(s.ring) {
		s.ring = make([]float64, window)
		s.reset()
	}
}

func (s *Sampler) reset() {
	s.next = 0
	s.filled = 0
}

func (s *Sampler) push(v float64) {
	s.ring[s.next] = v
	s.next = (s.next + 1) % len(s.ring)
	if s.filled < len(s.ring) {
		s.filled++
	}
}

func (s *Sampler) stats() (lo, hi, mean float64) {
	if s.filled == 0 {
		return 0, 0, 0
	}

	lo, hi = 100, 0
	var sum float64
	for i := 0; i < s.filled; i++ {
		v := s.ring[i]
		sum += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	return lo, hi, sum / float64(s.filled)
}

func delta(prev, cur cpu.TimesStat) (busy, total float64) {
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	total = sumTimes(cur) - sumTimes(prev)
	if total <= 0 {
		return 0, 0
	}
	busy = total - idle
	if busy < 0 {
		busy = 0
	}
	return busy, total
}

// sumTimes excludes guest time, which the kernel already counts in user.
func sumTimes(t cpu.TimesStat) float64 {
	return t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func percent(busy, total float64) float64 {
	if total <= 0 {
		return 0
	}
	p := busy / total * 100
	if p > 100 {
		return 100
	}
	return p
}

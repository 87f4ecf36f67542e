package metrics

import (
	"context"
	"time"
)

// Collector is what the daemon records engine history through.
type Collector interface {
	RecordTick(ctx context.Context, tick *Tick) error
	RecordTransition(ctx context.Context, tr *Transition) error
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Repository is the storage behind a Collector.
type Repository interface {
	RecordTick(tick *Tick) error
	RecordTransition(tr *Transition) error
	Prune(before time.Time) (int64, error)
	Close() error
}

// Tick is one decision cycle. Temperature and Load are nil when the signal
// was unavailable.
type Tick struct {
	Timestamp   time.Time
	Profile     string
	Phase       string
	Rule        string
	Source      string
	Temperature *float64
	Load        *float64
	Interval    time.Duration
}

// Transition is one apply, automatic or manual.
type Transition struct {
	ID         string
	Timestamp  time.Time
	Kind       string
	Rule       string
	From       string
	To         string
	Success    bool
	Applied    int
	RolledBack int
	ForcedSafe int
	Duration   time.Duration
}

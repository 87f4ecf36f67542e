package applier

import (
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/cpufreq"
)

// Outcome is the final state of one core after an apply.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeForcedSafe Outcome = "forced_safe"
)

type CoreResult struct {
	Core    cpufreq.CoreID   `json:"core" yaml:"core"`
	Outcome Outcome          `json:"outcome" yaml:"outcome"`
	Retried bool             `json:"retried,omitempty" yaml:"retried,omitempty"`
	Error   string           `json:"error,omitempty" yaml:"error,omitempty"`
	Final   cpufreq.Snapshot `json:"final" yaml:"final"`
	Err     error            `json:"-" yaml:"-"`
}

type TurboResult struct {
	Requested bool   `json:"requested" yaml:"requested"`
	Attempted bool   `json:"attempted" yaml:"attempted"`
	Applied   bool   `json:"applied" yaml:"applied"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
	Err       error  `json:"-" yaml:"-"`
}

// Report describes one apply. Success is set only when every core was
// applied and a requested turbo change took effect.
type Report struct {
	ID         string       `json:"id" yaml:"id"`
	Profile    string       `json:"profile" yaml:"profile"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time    `json:"finished_at" yaml:"finished_at"`
	Cores      []CoreResult `json:"cores" yaml:"cores"`
	Turbo      *TurboResult `json:"turbo,omitempty" yaml:"turbo,omitempty"`
	Success    bool         `json:"success" yaml:"success"`
}

// Outcome returns the outcome recorded for core.
func (r *Report) Outcome(core cpufreq.CoreID) (Outcome, bool) {
	for _, c := range r.Cores {
		if c.Core == core {
			return c.Outcome, true
		}
	}
	return "", false
}

// Count returns how many cores ended with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, c := range r.Cores {
		if c.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

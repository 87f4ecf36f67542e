package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"github.com/robfig/cron/v3"
)

// scheduleParser accepts six-field expressions with seconds, plus descriptors
// such as @hourly.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Pruner drops history older than the retention window on a cron schedule.
type Pruner struct {
	cron      *cron.Cron
	collector Collector
	retention time.Duration
	log       logger.Logger
	now       func() time.Time
}

func NewPruner(c Collector, cfg Config, log logger.Logger) (*Pruner, error) {
	p := &Pruner{
		cron:      cron.New(cron.WithParser(scheduleParser)),
		collector: c,
		retention: cfg.Retention,
		log:       log,
		now:       time.Now,
	}

	if _, err := p.cron.AddFunc(cfg.PruneSchedule, func() {
		if _, err := p.PruneNow(context.Background()); err != nil {
			p.log.Warn().Err(err).Msg("Scheduled prune failed")
		}
	}); err != nil {
		return nil, errors.New().Wrap(ErrInvalidSchedule, err)
	}

	return p, nil
}

func (p *Pruner) Start() {
	p.log.Info().Dur("retention", p.retention).Msg("Metrics pruner started")
	p.cron.Start()
}

// Stop waits for a running prune to finish or ctx to end.
func (p *Pruner) Stop(ctx context.Context) {
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// PruneNow removes rows older than the retention window. A zero retention
// keeps everything.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	cutoff := p.now().Add(-p.retention)
	n, err := p.collector.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	p.log.Debug().
		Int64("rows", n).
		Time("cutoff", cutoff).
		Msg("Pruned metrics history")

	return n, nil
}

package metrics

import (
	"context"

	"codeberg.org/mutker/cpupowerctl/internal/applier"
	"codeberg.org/mutker/cpupowerctl/internal/broadcast"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
)

// Recorder persists engine events from a broadcaster subscription.
type Recorder struct {
	collector Collector
	sub       *broadcast.Subscriber
	events    *broadcast.Broadcaster
	log       logger.Logger
}

func NewRecorder(c Collector, b *broadcast.Broadcaster, log logger.Logger) *Recorder {
	return &Recorder{
		collector: c,
		sub:       b.Subscribe(broadcast.KindTick, broadcast.KindTransition, broadcast.KindManual),
		events:    b,
		log:       log,
	}
}

// Run records until ctx is done or the broadcaster closes.
func (r *Recorder) Run(ctx context.Context) {
	if r.sub == nil {
		return
	}
	defer r.events.Unsubscribe(r.sub.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Events:
			if !ok {
				return
			}
			if err := r.record(ctx, ev); err != nil {
				r.log.Warn().Err(err).Str("kind", ev.Kind.String()).Msg("Failed to record event")
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev broadcast.Event) error {
	switch ev.Kind {
	case broadcast.KindTick:
		return r.collector.RecordTick(ctx, TickFromEvent(ev))
	case broadcast.KindTransition, broadcast.KindManual:
		tr := TransitionFromEvent(ev)
		if tr == nil {
			return nil
		}
		return r.collector.RecordTransition(ctx, tr)
	}
	return nil
}

func TickFromEvent(ev broadcast.Event) *Tick {
	t := &Tick{
		Timestamp: ev.At,
		Profile:   ev.From,
		Phase:     ev.Phase,
		Rule:      ev.Rule,
		Source:    ev.Source,
		Interval:  ev.Interval,
	}
	if ev.HasTemp {
		v := ev.Temperature
		t.Temperature = &v
	}
	if ev.HasLoad {
		v := ev.Load
		t.Load = &v
	}
	return t
}

// TransitionFromEvent returns nil for events that carry no apply report.
func TransitionFromEvent(ev broadcast.Event) *Transition {
	rep := ev.Report
	if rep == nil || rep.ID == "" {
		return nil
	}
	return &Transition{
		ID:         rep.ID,
		Timestamp:  ev.At,
		Kind:       ev.Kind.String(),
		Rule:       ev.Rule,
		From:       ev.From,
		To:         ev.To,
		Success:    rep.Success,
		Applied:    rep.Count(applier.OutcomeApplied),
		RolledBack: rep.Count(applier.OutcomeRolledBack),
		ForcedSafe: rep.Count(applier.OutcomeForcedSafe),
		Duration:   rep.Duration(),
	}
}

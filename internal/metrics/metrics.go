// Package metrics keeps a local history of engine ticks and transitions.
package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

type noopCollector struct{}

// NewService returns a no-op collector when metrics are disabled.
func NewService(cfg Config, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Metrics collection disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create metrics repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Msg("Metrics service initialized successfully")

	return &service{repo: repo, cfg: cfg}, nil
}

func (s *service) RecordTick(ctx context.Context, tick *Tick) error {
	errFactory := errors.New()

	if tick == nil {
		return errFactory.New(ErrInvalidMetrics)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}
	if err := s.repo.RecordTick(tick); err != nil {
		return errFactory.Wrap(ErrMetricsCollection, err)
	}
	return nil
}

func (s *service) RecordTransition(ctx context.Context, tr *Transition) error {
	errFactory := errors.New()

	if tr == nil || tr.ID == "" {
		return errFactory.New(ErrInvalidMetrics)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}
	return s.repo.RecordTransition(tr)
}

func (s *service) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.Prune(before)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

func (*noopCollector) RecordTick(context.Context, *Tick) error             { return nil }
func (*noopCollector) RecordTransition(context.Context, *Transition) error { return nil }
func (*noopCollector) Prune(context.Context, time.Time) (int64, error)     { return 0, nil }
func (*noopCollector) Close() error                                        { return nil }

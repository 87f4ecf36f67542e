package metrics

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []*Tick
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, failedAt(ErrStorageInit, stage{Phase: "create_directory", Path: cfg.DBPath}, err)
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, failedAt(ErrStorageInit, stage{Phase: "open_database"}, err)
	}

	repo, err := newRepository(db, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// newRepository validates the schema on an open database and starts the
// flusher.
func newRepository(db *sql.DB, cfg Config, log logger.Logger) (*repository, error) {
	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		return nil, failedAt(ErrStorageInit, stage{Phase: "schema_version"}, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Metrics repository initialized")

	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultConfig().BatchTimeout
	}

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*Tick, 0, cfg.BatchSize),
		flushTicker:   time.NewTicker(cfg.BatchTimeout),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}
	go repo.flusher()

	return repo, nil
}

// RecordTick buffers tick and flushes once the batch is full.
func (r *repository) RecordTick(tick *Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, tick)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// RecordTransition is written at once; transitions are rare.
func (r *repository) RecordTransition(tr *Transition) error {
	_, err := r.db.Exec(insertTransitionSQL,
		tr.ID,
		tr.Timestamp.Unix(),
		tr.Kind,
		tr.Rule,
		tr.From,
		tr.To,
		boolToInt(tr.Success),
		tr.Applied,
		tr.RolledBack,
		tr.ForcedSafe,
		tr.Duration.Milliseconds(),
	)
	if err != nil {
		return errors.New().Wrap(ErrMetricsCollection, err)
	}
	return nil
}

// Prune deletes ticks and transitions older than before and returns the
// number of rows removed.
func (r *repository) Prune(before time.Time) (int64, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}

	var total int64
	for _, q := range []string{pruneTicksSQL, pruneTransitionsSQL} {
		res, err := tx.Exec(q, before.Unix())
		if err != nil {
			r.rollback(tx)
			return 0, errFactory.Wrap(ErrPruneFailed, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}

	return total, nil
}

func (r *repository) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.close()
	})
	return err
}

func (r *repository) close() error {
	close(r.shutdownChan)
	r.flushTicker.Stop()
	<-r.flushDoneChan

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return failedAt(ErrStorageClose, stage{Phase: "checkpoint_wal"}, err)
	}

	if err := r.db.Close(); err != nil {
		return failedAt(ErrStorageClose, stage{Phase: "close_database"}, err)
	}

	r.logger.Info().Msg("Metrics repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			_ = r.flush()
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			_ = r.flush()
			r.mu.Unlock()
			return
		}
	}
}

// flush writes the buffer in one transaction. Caller holds r.mu. The buffer
// is kept on failure so the next flush retries it.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertTickSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		r.rollback(tx)
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, tick := range r.buffer {
		values := []any{
			tick.Timestamp.Unix(),
			tick.Profile,
			tick.Phase,
			tick.Rule,
			tick.Source,
			nullFloat(tick.Temperature),
			nullFloat(tick.Load),
			tick.Interval.Milliseconds(),
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			r.rollback(tx)
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed ticks to database")
	r.buffer = r.buffer[:0]

	return nil
}

func (r *repository) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		r.logger.Error().Err(err).Msg("Failed to roll back transaction")
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

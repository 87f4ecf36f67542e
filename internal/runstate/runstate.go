// Package runstate shares the service's engine state with CLI invocations
// through a small JSON file under the run directory.
package runstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/broadcast"
	"codeberg.org/mutker/cpupowerctl/internal/engine"
	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"codeberg.org/mutker/cpupowerctl/internal/pid"
)

const DefaultPath = "/run/cpupowerctl/state.json"

// Record is what the service publishes about itself.
type Record struct {
	PID       int          `json:"pid"`
	UpdatedAt time.Time    `json:"updated_at"`
	AutoTune  bool         `json:"autotune"`
	State     engine.State `json:"state"`
}

// Write replaces the record at path. Readers never see a partial file.
func Write(path string, r Record) error {
	errFactory := errors.New()
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errFactory.Wrap(errors.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errFactory.Wrap(errors.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(r); err != nil {
		tmp.Close()
		return errFactory.Wrap(errors.ErrIO, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return errFactory.Wrap(errors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return errFactory.Wrap(errors.ErrIO, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errFactory.Wrap(errors.ErrIO, err)
	}
	return nil
}

// Read returns the record at path. It is Unavailable when no service wrote
// one or the process that wrote it is gone.
func Read(path string) (Record, error) {
	errFactory := errors.New()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errFactory.WithMessage(errors.ErrUnavailable, "service is not running")
		}
		return Record{}, errFactory.Wrap(errors.ErrIO, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, errFactory.Wrap(errors.ErrIO, err).WithMessage("corrupt state file")
	}

	if !pid.IsRunning(r.PID) {
		return Record{}, errFactory.WithData(errors.ErrUnavailable, "stale state from pid "+strconv.Itoa(r.PID))
	}

	return r, nil
}

// Remove deletes the record if this process wrote it.
func Remove(path string) error {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var r Record
	if json.Unmarshal(data, &r) == nil && r.PID != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

// Publisher rewrites the record whenever the engine reports a tick, an
// apply or a configuration change.
type Publisher struct {
	path   string
	source func() Record
	sub    *broadcast.Subscriber
	events *broadcast.Broadcaster
	log    logger.Logger
}

func NewPublisher(path string, b *broadcast.Broadcaster, source func() Record, log logger.Logger) *Publisher {
	return &Publisher{
		path:   path,
		source: source,
		sub:    b.Subscribe(broadcast.KindTick, broadcast.KindTransition, broadcast.KindManual, broadcast.KindConfigReload),
		events: b,
		log:    log,
	}
}

// Run writes an initial record, then one per event until ctx is done or the
// broadcaster closes.
func (p *Publisher) Run(ctx context.Context) {
	if p.sub == nil {
		return
	}
	defer p.events.Unsubscribe(p.sub.ID)

	p.publish()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.sub.Events:
			if !ok {
				return
			}
			p.publish()
		}
	}
}

func (p *Publisher) publish() {
	if err := Write(p.path, p.source()); err != nil {
		p.log.Warn().Err(err).Str("path", p.path).Msg("Failed to write state file")
	}
}

// FromEngine builds the record source for e.
func FromEngine(e *engine.Engine) func() Record {
	return func() Record {
		return Record{
			PID:       os.Getpid(),
			UpdatedAt: time.Now(),
			AutoTune:  e.Config().AutoTune,
			State:     e.State(),
		}
	}
}

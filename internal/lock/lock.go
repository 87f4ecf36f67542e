package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	DefaultPath  = "/run/cpupowerctl.lock"
	pollInterval = 25 * time.Millisecond
)

// WriteLock serializes kernel attribute writes within the process and,
// through flock on a shared file, across processes.
type WriteLock struct {
	path string
	mu   sync.Mutex
	log  logger.Logger
}

// New returns a lock on path. An empty path gives an in-process lock only.
func New(path string) *WriteLock {
	return &WriteLock{
		path: path,
		log:  logger.Get("lock"),
	}
}

// Lock blocks until the lock is held or ctx ends. The returned func releases
// it and must be called exactly once.
func (l *WriteLock) Lock(ctx context.Context) (func(), error) {
	if err := l.lockMutex(ctx); err != nil {
		return nil, err
	}

	if l.path == "" {
		return l.mu.Unlock, nil
	}

	f, err := l.open()
	if err != nil {
		// unprivileged callers cannot write attributes either
		l.log.Warn().Str("path", l.path).Err(err).Msg("Lock file unavailable, holding process lock only")
		return l.mu.Unlock, nil
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			_ = f.Close()
			l.mu.Unlock()
			return nil, errors.New().Wrap(errors.ErrResourceBusy, err)
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			l.mu.Unlock()
			return nil, errors.New().Wrap(errors.ErrResourceBusy, ctx.Err())
		case <-time.After(pollInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		l.mu.Unlock()
	}, nil
}

func (l *WriteLock) lockMutex(ctx context.Context) error {
	if l.mu.TryLock() {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.New().Wrap(errors.ErrResourceBusy, ctx.Err())
		case <-ticker.C:
			if l.mu.TryLock() {
				return nil
			}
		}
	}
}

func (l *WriteLock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
}

package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
	"codeberg.org/mutker/cpupowerctl/internal/logger"
)

const DefaultPath = "/run/cpupowerctl.pid"

// Write records the current process ID at path, refusing when another live
// process already owns the file. A stale file is replaced.
func Write(path string) error {
	errFactory := errors.New()
	if path == "" {
		path = DefaultPath
	}

	if existing, err := Read(path); err == nil {
		if existing != os.Getpid() && IsRunning(existing) {
			return errFactory.WithData(errors.ErrAlreadyRunning, existing)
		}
		logger.Warn().Int("stale_pid", existing).Str("path", path).Msg("Replacing stale PID file")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	return nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// IsRunning checks for a live process with the given PID.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}

// Remove deletes the PID file if it belongs to this process.
func Remove(path string) error {
	if path == "" {
		path = DefaultPath
	}

	existing, err := Read(path)
	if err != nil || existing != os.Getpid() {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

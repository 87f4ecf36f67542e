package metrics

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/cpupowerctl/metrics.db"
)

type Config struct {
	DBPath        string
	BackupDir     string
	BatchSize     int
	BatchTimeout  time.Duration
	Retention     time.Duration
	PruneSchedule string
	Enabled       bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		BatchSize:     50,
		BatchTimeout:  30 * time.Second,
		Retention:     7 * 24 * time.Hour,
		PruneSchedule: "0 0 * * * *",
		Enabled:       false, // Disabled by default
	}
}

// backupDir defaults to a backups directory next to the database.
func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the rest if metrics is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 || c.BatchTimeout <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "batch size and timeout must be positive")
	}
	if c.Retention < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "retention must not be negative")
	}
	if _, err := scheduleParser.Parse(c.PruneSchedule); err != nil {
		return errFactory.Wrap(ErrInvalidSchedule, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package metrics

import "codeberg.org/mutker/cpupowerctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidDBPath   = errors.ErrorCode("metrics_invalid_db_path")
	ErrInvalidSchedule = errors.ErrorCode("metrics_invalid_prune_schedule")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("metrics_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("metrics_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("metrics_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("metrics_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitMetrics
	ErrStorageClose = errors.ErrCloseMetrics
	ErrPruneFailed  = errors.ErrorCode("metrics_prune_failed")

	// Collection Errors
	ErrMetricsCollection = errors.ErrCollectMetrics
	ErrInvalidMetrics    = errors.ErrorCode("metrics_invalid_metrics")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)

// stage names the step of a storage operation that failed.
type stage struct {
	Phase string
	Path  string
	Table string
}

func (s stage) String() string {
	out := s.Phase
	if s.Table != "" {
		out += " " + s.Table
	}
	if s.Path != "" {
		out += " " + s.Path
	}
	return out
}

func failedAt(code errors.ErrorCode, s stage, err error) error {
	return errors.New().Wrap(code, err).WithData(s)
}

package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"

	// Kernel interface taxonomy
	ErrUnsupported      ErrorCode = "unsupported"
	ErrUnavailable      ErrorCode = "unavailable"
	ErrInvalidValue     ErrorCode = "invalid_value"
	ErrPermissionDenied ErrorCode = "permission_denied"
	ErrIO               ErrorCode = "io_error"
	ErrTimeout          ErrorCode = "operation_timeout"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Profile errors
	ErrProfileNotFound     ErrorCode = "profile_not_found"
	ErrInvalidProfile      ErrorCode = "invalid_profile"
	ErrCannotRemoveBuiltin ErrorCode = "cannot_remove_builtin"

	// Lifecycle errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"
	ErrResourceBusy   ErrorCode = "resource_busy"

	// Application errors
	ErrMainLoop     ErrorCode = "main_loop_failed"
	ErrApplyFailed  ErrorCode = "apply_failed"
	ErrRestoreState ErrorCode = "restore_state_failed"

	// Metrics errors
	ErrInitMetrics    ErrorCode = "init_metrics_failed"
	ErrCollectMetrics ErrorCode = "collect_metrics_failed"
	ErrCloseMetrics   ErrorCode = "close_metrics_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:            "Internal error occurred",
	ErrInvalidArgument:     "Invalid argument provided",
	ErrNotImplemented:      "Operation not implemented",
	ErrUnsupported:         "Attribute or driver not supported",
	ErrUnavailable:         "Sensor unavailable",
	ErrInvalidValue:        "Value rejected by kernel",
	ErrPermissionDenied:    "Permission denied",
	ErrIO:                  "I/O error",
	ErrTimeout:             "Operation timed out",
	ErrInvalidConfig:       "Invalid configuration",
	ErrReadConfig:          "Failed to read configuration",
	ErrBindFlags:           "Failed to bind flags",
	ErrInvalidInterval:     "Invalid interval value",
	ErrInvalidLogLevel:     "Invalid log level",
	ErrProfileNotFound:     "Profile not found",
	ErrInvalidProfile:      "Invalid profile",
	ErrCannotRemoveBuiltin: "Built-in profiles cannot be removed",
	ErrInitFailed:          "Initialization failed",
	ErrShutdownFailed:      "Shutdown failed",
	ErrAlreadyRunning:      "Another instance is already running",
	ErrResourceBusy:        "Resource is busy",
	ErrMainLoop:            "Error in main loop",
	ErrApplyFailed:         "Failed to apply settings",
	ErrRestoreState:        "Failed to restore startup state",
	ErrInitMetrics:         "Failed to initialize metrics",
	ErrCollectMetrics:      "Failed to collect metrics data",
	ErrCloseMetrics:        "Failed to close metrics connection",
}

package cpufreq

import (
	"io/fs"
	"syscall"

	"codeberg.org/mutker/cpupowerctl/internal/errors"
)

const (
	ErrNoScalingCores  = errors.ErrorCode("cpufreq_no_scaling_cores")
	ErrListCoresFailed = errors.ErrorCode("cpufreq_list_cores_failed")
	ErrParseAttribute  = errors.ErrorCode("cpufreq_parse_attribute_failed")
)

// classify maps an OS error from a sysfs operation onto the taxonomy.
func classify(err error, write bool) error {
	if err == nil {
		return nil
	}

	errFactory := errors.New()

	switch {
	case errors.Is(err, fs.ErrNotExist):
		if write {
			return errFactory.Wrap(errors.ErrIO, err)
		}
		return errFactory.Wrap(errors.ErrUnsupported, err)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return errFactory.Wrap(errors.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.ERANGE):
		return errFactory.Wrap(errors.ErrInvalidValue, err)
	default:
		return errFactory.Wrap(errors.ErrIO, err)
	}
}

// Retryable reports whether a write failure warrants one corrective retry.
func Retryable(err error) bool {
	return errors.HasCode(err, errors.ErrInvalidValue) || errors.HasCode(err, errors.ErrIO)
}

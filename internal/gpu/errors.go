package gpu

import (
	"errors"

	apperrors "codeberg.org/mutker/hwmonctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"golang.org/x/sys/unix"
)

const (
	ErrInitFailed         = apperrors.ErrorCode("gpu_init_failed")
	ErrShutdownFailed     = apperrors.ErrorCode("gpu_shutdown_failed")
	ErrDeviceNotFound     = apperrors.ErrorCode("gpu_device_not_found")
	ErrDeviceInfoFailed   = apperrors.ErrorCode("gpu_device_info_failed")
	ErrTemperatureRead    = apperrors.ErrorCode("gpu_temperature_read_failed")
	ErrInvalidTemperature = apperrors.ErrorCode("gpu_invalid_temperature")
	ErrReadOnly           = apperrors.ErrorCode("gpu_attribute_read_only")
	ErrInvalidValue       = apperrors.ErrorCode("gpu_invalid_value")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e *nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// IsLocked reports whether a write failed because the hardware refused it,
// as opposed to a generic I/O failure.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range []unix.Errno{unix.EACCES, unix.EPERM, unix.EROFS, unix.EBUSY} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var nerr *nvmlError
	if errors.As(err, &nerr) {
		return nerr.ret == nvml.ERROR_NO_PERMISSION
	}

	return false
}

package errors_test

import (
	"fmt"
	"io"
	"testing"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Device I/O failed", f.New(errors.ErrDeviceIO).Error())
	assert.Equal(t, "Device I/O failed: EOF", f.Wrap(errors.ErrDeviceIO, io.EOF).Error())
	assert.Equal(t, "custom", f.WithMessage(errors.ErrDeviceIO, "custom").Error())
	assert.Equal(t, "Configuration error: bad curve", f.WithData(errors.ErrConfiguration, "bad curve").Error())
}

func TestWrapUnwraps(t *testing.T) {
	err := errors.New().Wrap(errors.ErrDeviceIO, io.EOF)

	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, errors.ErrDeviceIO, err.Code())
}

func TestHasCode(t *testing.T) {
	f := errors.New()

	wrapped := fmt.Errorf("tick: %w", f.Wrap(errors.ErrUnlockRequired, io.EOF))
	assert.True(t, errors.HasCode(wrapped, errors.ErrUnlockRequired))
	assert.False(t, errors.HasCode(wrapped, errors.ErrDeviceIO))

	nested := f.Wrap(errors.ErrRollback, f.New(errors.ErrDeviceIO))
	assert.True(t, errors.HasCode(nested, errors.ErrRollback))
	assert.True(t, errors.HasCode(nested, errors.ErrDeviceIO))

	joined := errors.Join(f.New(errors.ErrDeviceIO), f.New(errors.ErrUnlockRequired))
	assert.True(t, errors.HasCode(joined, errors.ErrUnlockRequired))
	assert.False(t, errors.HasCode(joined, errors.ErrNoMatch))

	assert.False(t, errors.HasCode(nil, errors.ErrDeviceIO))
	assert.False(t, errors.HasCode(io.EOF, errors.ErrDeviceIO))
}

const errBusGone = errors.ErrorCode("bus_gone")

type busError struct{}

func (busError) Error() string          { return "bus gone" }
func (busError) Code() errors.ErrorCode { return errBusGone }

func TestHasCodeMatchesCoder(t *testing.T) {
	err := fmt.Errorf("watch: %w", busError{})
	assert.True(t, errors.HasCode(err, errBusGone))

	decorated := errors.New().New(errors.ErrDeviceIO)
	plain := decorated.WithMessage("write pwm1")
	assert.Equal(t, "Device I/O failed", decorated.Error(), "decorating returns a copy")
	assert.Equal(t, "write pwm1", plain.Error())
}

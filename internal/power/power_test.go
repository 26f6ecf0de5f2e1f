package power_test

import (
	"syscall"
	"testing"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/ledger"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"codeberg.org/mutker/hwmonctl/internal/power"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T) (*power.Controller, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(logger.Nop())
	return power.NewController(l, t.TempDir(), logger.Nop()), l
}

func TestApply(t *testing.T) {
	c, l := newController(t)
	dev, attrs := gpu.NewMockDevice("0000:0b:00.0", gpu.FanModeAutomatic)

	require.NoError(t, c.Apply(dev, 200000000))
	assert.Equal(t, power.Applied, c.Status(dev))
	assert.Equal(t, "200000000", attrs.PowerLimit.Value())

	require.NoError(t, l.RollbackAll())
	assert.Equal(t, "180000000", attrs.PowerLimit.Value())
}

func TestOutOfRangeNeverWritten(t *testing.T) {
	c, l := newController(t)
	dev, attrs := gpu.NewMockDevice("0000:0b:00.0", gpu.FanModeAutomatic)

	for _, limit := range []gpu.MicroWatts{99999999, 250000001} {
		err := c.Apply(dev, limit)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrConfiguration))
	}

	assert.Empty(t, attrs.PowerLimit.Writes())
	assert.Zero(t, l.Len())
	assert.Equal(t, power.Pending, c.Status(dev))
}

func TestValidateWithoutAttribute(t *testing.T) {
	dev, _ := gpu.NewMockDevice("0000:0b:00.0", gpu.FanModeAutomatic)
	dev.PowerLimit = nil

	err := power.Validate(dev, 150000000)
	assert.True(t, errors.HasCode(err, errors.ErrConfiguration))
}

func TestUnlockRequiredDisables(t *testing.T) {
	c, _ := newController(t)
	dev, attrs := gpu.NewMockDevice("0000:0b:00.0", gpu.FanModeAutomatic)
	attrs.PowerLimit.SetWriteErr(syscall.EACCES)

	err := c.Apply(dev, 200000000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnlockRequired))
	assert.Equal(t, power.Disabled, c.Status(dev))

	attrs.PowerLimit.SetWriteErr(nil)
	require.NoError(t, c.Apply(dev, 200000000), "disabled devices are skipped silently")
	assert.Empty(t, attrs.PowerLimit.Writes())
}

func TestIOErrorStaysPending(t *testing.T) {
	c, _ := newController(t)
	dev, attrs := gpu.NewMockDevice("0000:0b:00.0", gpu.FanModeAutomatic)
	attrs.PowerLimit.SetWriteErr(syscall.EIO)

	err := c.Apply(dev, 200000000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrDeviceIO))
	assert.False(t, errors.HasCode(err, errors.ErrUnlockRequired))
	assert.Equal(t, power.Pending, c.Status(dev))

	attrs.PowerLimit.SetWriteErr(nil)
	require.NoError(t, c.Apply(dev, 200000000))
	assert.Equal(t, power.Applied, c.Status(dev))
}

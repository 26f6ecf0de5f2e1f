// Package power validates and applies per-device power limits.
package power

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/ledger"
	"codeberg.org/mutker/hwmonctl/internal/logger"
)

// Status of power limit management for one device.
type Status int

const (
	Pending Status = iota
	Applied
	Disabled
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Disabled:
		return "disabled"
	default:
		return "pending"
	}
}

// Controller applies power limits through the ledger. A device whose
// hardware refuses the write is disabled for the rest of the run.
type Controller struct {
	ledger    *ledger.Ledger
	logger    logger.Logger
	sysfsRoot string
	status    map[*gpu.Device]Status
}

func NewController(l *ledger.Ledger, sysfsRoot string, log logger.Logger) *Controller {
	return &Controller{
		ledger:    l,
		logger:    log,
		sysfsRoot: sysfsRoot,
		status:    make(map[*gpu.Device]Status),
	}
}

// Validate checks limit against the bounds the hardware reports.
func Validate(dev *gpu.Device, limit gpu.MicroWatts) error {
	errFactory := errors.New()

	if !dev.HasPowerLimit() {
		return errFactory.WithData(errors.ErrConfiguration, fmt.Sprintf("%s: no power limit attribute", dev))
	}

	if !dev.PowerRange.Contains(int64(limit)) {
		return errFactory.WithData(errors.ErrConfiguration, fmt.Sprintf("%s: power limit %.1fW outside %.1fW-%.1fW",
			dev, limit.Watts(), gpu.MicroWatts(dev.PowerRange.Min).Watts(), gpu.MicroWatts(dev.PowerRange.Max).Watts()))
	}

	return nil
}

// Status returns the management state of dev.
func (c *Controller) Status(dev *gpu.Device) Status {
	return c.status[dev]
}

// Apply validates and writes limit. Out of range limits are never written.
// A refused write returns ErrUnlockRequired and disables dev; other
// failures leave it pending for the next attempt.
func (c *Controller) Apply(dev *gpu.Device, limit gpu.MicroWatts) error {
	errFactory := errors.New()

	if c.status[dev] == Disabled {
		return nil
	}

	if err := Validate(dev, limit); err != nil {
		return err
	}

	err := c.ledger.Apply(dev.PowerLimit, strconv.FormatInt(int64(limit), 10))
	if err == nil {
		if c.status[dev] != Applied {
			c.logger.Info().Str("device", dev.String()).Float64("watts", limit.Watts()).Msg("Power limit applied")
		}
		c.status[dev] = Applied
		return nil
	}

	if gpu.IsLocked(err) {
		c.status[dev] = Disabled
		ev := c.logger.Error().Err(err).Str("device", dev.String())
		if enabled, known := gpu.OverdriveEnabled(c.sysfsRoot); known && !enabled {
			ev = ev.Str("hint", "overdrive is disabled in amdgpu.ppfeaturemask, run the overdrive unlock step and reboot")
		}
		ev.Msg("Hardware refused power limit, power management disabled for this device")

		return errFactory.Wrap(errors.ErrUnlockRequired, err)
	}

	c.status[dev] = Pending

	return err
}

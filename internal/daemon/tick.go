package daemon

import (
	"context"
	"strconv"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/fancurve"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/metrics"
	"codeberg.org/mutker/hwmonctl/internal/power"
)

// tick samples, computes and applies for every managed device in slot
// order. Failed writes are not retried within the tick.
func (l *Loop) tick(ctx context.Context) {
	if l.sleeping {
		l.logger.Debug().Msg("Sleeping, tick skipped")
		return
	}

	utilization := l.readStats()

	for _, m := range l.devices {
		m.degraded = false

		reading, err := m.sensor.Sample()
		if err != nil {
			m.degraded = true
			l.logger.Warn().Err(err).Str("device", m.dev.String()).Msg("Temperature read failed")
			continue
		}

		duty, changed := m.engine.Compute(reading)

		if !l.cfg.Monitor {
			if changed {
				l.applyDuty(m, duty)
			}
			l.applyPowerLimit(m)
		}

		l.report(ctx, m, reading, duty, utilization)
	}
}

func (l *Loop) applyDuty(m *managed, duty gpu.Duty) {
	manual := m.dev.ModeValue(gpu.FanModeManual)

	if current, ok := l.ledger.Current(m.dev.Mode); !ok || current != manual {
		if err := l.ledger.Apply(m.dev.Mode, manual); err != nil {
			l.degrade(m, err, "Failed to switch fan to manual control")
			return
		}
		l.logger.Info().Str("device", m.dev.String()).Msg("Fan switched to manual control")
	}

	if err := l.ledger.Apply(m.dev.Duty, m.dev.NativeDuty(duty)); err != nil {
		l.degrade(m, err, "Failed to set fan duty")
		return
	}

	l.logger.Debug().
		Str("device", m.dev.String()).
		Float64("duty", float64(duty)).
		Str("state", m.engine.State().String()).
		Msg("Fan duty changed")
}

func (l *Loop) applyPowerLimit(m *managed) {
	limit := m.profile.PowerLimit
	if limit == nil || l.power.Status(m.dev) != power.Pending {
		return
	}

	err := l.power.Apply(m.dev, *limit)
	if err == nil || errors.HasCode(err, errors.ErrUnlockRequired) {
		return
	}

	m.degraded = true
	l.logger.Warn().Err(err).Str("device", m.dev.String()).Msg("Failed to set power limit, will retry")
}

// degrade marks the device for this cycle and forces the next computation
// to write again.
func (l *Loop) degrade(m *managed, err error, msg string) {
	m.degraded = true
	m.engine.Reset()
	l.logger.Warn().Err(err).Str("device", m.dev.String()).Msg(msg)
}

func (l *Loop) readStats() map[string]gpu.Utilization {
	if l.stats == nil {
		return nil
	}

	stats, err := l.stats.Read()
	if err != nil {
		if !l.statsErr {
			l.logger.Debug().Err(err).Msg("GPU utilization unavailable")
			l.statsErr = true
		}
		return nil
	}
	l.statsErr = false

	return stats
}

func (l *Loop) report(ctx context.Context, m *managed, r gpu.Reading, duty gpu.Duty, utilization map[string]gpu.Utilization) {
	sample := &metrics.Sample{
		Timestamp: l.now(),
		Device:    m.dev.String(),
		Temperature: metrics.TempMetrics{
			Current: float64(r.Current),
			Average: float64(r.Average),
		},
		Fan: metrics.FanMetrics{
			Duty: float64(duty),
		},
		PowerLimit: metrics.PowerMetrics{
			Managed: l.power.Status(m.dev) == power.Applied,
		},
		State: metrics.StateMetrics{
			FanOff:   m.engine.State() == fancurve.Off,
			Degraded: m.degraded,
			Monitor:  l.cfg.Monitor,
		},
	}

	if native, err := strconv.ParseInt(m.dev.NativeDuty(duty), 10, 64); err == nil {
		sample.Fan.Native = native
	}

	if m.dev.HasPowerLimit() {
		if raw, err := m.dev.PowerLimit.Read(); err == nil {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				sample.PowerLimit.Current = v
			}
		}
	}

	if u, ok := utilization[m.dev.Card]; ok {
		sample.Utilization = metrics.UtilizationMetrics{
			Known:          true,
			BusyPercent:    u.BusyPercent,
			VRAMUsedBytes:  u.VRAMUsedBytes,
			VRAMTotalBytes: u.VRAMTotalBytes,
		}
	}

	ev := l.logger.Debug()
	if l.cfg.Monitor {
		ev = l.logger.Info()
	}
	ev.Str("device", sample.Device).
		Float64("temperature", sample.Temperature.Current).
		Float64("avg_temperature", sample.Temperature.Average).
		Float64("duty", sample.Fan.Duty).
		Int64("power_limit", sample.PowerLimit.Current).
		Str("fan_state", m.engine.State().String()).
		Str("power_state", l.power.Status(m.dev).String()).
		Bool("degraded", m.degraded).
		Msg("")

	if l.exporter != nil {
		l.exporter.Observe(sample)
	}

	if err := l.collector.Record(ctx, sample); err != nil {
		l.logger.Debug().Err(err).Msg("Failed to record metrics sample")
	}
}

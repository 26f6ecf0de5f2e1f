// Package daemon runs the control loop: one goroutine that owns every
// device, the settings ledger and the power controller.
package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/exporter"
	"codeberg.org/mutker/hwmonctl/internal/fancurve"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/ledger"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"codeberg.org/mutker/hwmonctl/internal/metrics"
	"codeberg.org/mutker/hwmonctl/internal/power"
	"codeberg.org/mutker/hwmonctl/internal/profile"
	"codeberg.org/mutker/hwmonctl/internal/resume"
)

// State of the loop.
type State int

const (
	Running State = iota
	ShuttingDown
)

func (s State) String() string {
	if s == ShuttingDown {
		return "shutting_down"
	}

	return "running"
}

type Config struct {
	Interval       time.Duration
	ResumeDebounce time.Duration
	Monitor        bool
	SysfsRoot      string
}

// StatsSource reports utilization keyed by card name.
type StatsSource interface {
	Read() (map[string]gpu.Utilization, error)
}

type Option func(*Loop)

// WithMetrics stores a sample per device per tick.
func WithMetrics(c metrics.Collector) Option {
	return func(l *Loop) { l.collector = c }
}

func WithExporter(e *exporter.Exporter) Option {
	return func(l *Loop) { l.exporter = e }
}

func WithStats(s StatsSource) Option {
	return func(l *Loop) { l.stats = s }
}

// WithTicks replaces the interval ticker.
func WithTicks(ticks <-chan time.Time) Option {
	return func(l *Loop) { l.ticks = ticks }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop is the single owner of all mutable control state.
type Loop struct {
	cfg       Config
	logger    logger.Logger
	devices   []*managed
	ledger    *ledger.Ledger
	power     *power.Controller
	debouncer *resume.Debouncer
	collector metrics.Collector
	exporter  *exporter.Exporter
	stats     StatsSource
	ticks     <-chan time.Time
	now       func() time.Time
	state     State
	sleeping  bool
	statsErr  bool
}

type managed struct {
	dev      *gpu.Device
	profile  *profile.Profile
	sensor   *gpu.Sensor
	engine   *fancurve.Engine
	degraded bool
}

// New matches every device against the registry and validates the
// configured power limits. Devices without a profile are left alone. Any
// invalid power limit fails the whole startup before a single write.
func New(devices []*gpu.Device, registry *profile.Registry, cfg Config, log logger.Logger, opts ...Option) (*Loop, error) {
	errFactory := errors.New()

	if cfg.Interval <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, cfg.Interval.String())
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = gpu.DefaultSysfsRoot
	}
	if cfg.ResumeDebounce <= 0 {
		cfg.ResumeDebounce = resume.DefaultDebounce
	}

	l := &Loop{
		cfg:       cfg,
		logger:    log,
		ledger:    ledger.New(log.With("component", "ledger")),
		collector: metrics.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.power = power.NewController(l.ledger, cfg.SysfsRoot, log.With("component", "power"))
	l.debouncer = resume.NewDebouncer(cfg.ResumeDebounce, l.now)

	sorted := make([]*gpu.Device, len(devices))
	copy(sorted, devices)
	gpu.SortDevices(sorted)

	var invalid []error
	for _, dev := range sorted {
		p, err := registry.Match(dev)
		if err != nil {
			log.Warn().Err(err).Str("device", dev.String()).Str("pci_id", dev.PCIID).Msg("No profile matches, leaving device unmanaged")
			continue
		}

		if p.PowerLimit != nil {
			if err := power.Validate(dev, *p.PowerLimit); err != nil {
				invalid = append(invalid, err)
				continue
			}
		}

		log.Info().Str("device", dev.String()).Str("profile", p.Name).Msg("Managing device")

		l.devices = append(l.devices, &managed{
			dev:     dev,
			profile: p,
			sensor:  gpu.NewSensor(dev.Temperature, p.Smoothing),
			engine:  fancurve.NewEngine(p),
		})
	}

	if len(invalid) > 0 {
		return nil, errFactory.Wrap(errors.ErrConfiguration, errors.Join(invalid...))
	}

	return l, nil
}

// Managed returns the devices the loop controls, in tick order.
func (l *Loop) Managed() []*gpu.Device {
	out := make([]*gpu.Device, 0, len(l.devices))
	for _, m := range l.devices {
		out = append(out, m.dev)
	}

	return out
}

// Run ticks until ctx is cancelled, then restores every original setting.
// A panic inside a tick or event handler is turned into an error after the
// same rollback.
func (l *Loop) Run(ctx context.Context, events <-chan resume.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = l.fatal(r)
		}
	}()

	if l.ticks == nil {
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		l.ticks = ticker.C
	}

	if l.cfg.Monitor {
		l.logger.Info().Msg("Monitor mode activated. Logging GPU status...")
	}

	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case ev, ok := <-events:
			if !ok {
				events = nil
				l.eventsClosed()
				continue
			}
			l.handleEvent(ev)
		case <-l.ticks:
			l.tick(ctx)
		}
	}
}

func (l *Loop) handleEvent(ev resume.Event) {
	switch ev {
	case resume.Sleeping:
		l.sleeping = true
		l.logger.Info().Msg("System is going to sleep, pausing control")
	case resume.Resumed:
		l.sleeping = false
		if !l.debouncer.Allow() {
			l.logger.Debug().Msg("Duplicate resume notification ignored")
			return
		}
		l.resumed()
	}
}

func (l *Loop) resumed() {
	l.logger.Info().Int("settings", l.ledger.Len()).Msg("System resumed, reapplying settings")

	if err := l.ledger.Reapply(); err != nil {
		l.logger.Warn().Err(err).Msg("Some settings could not be reapplied")
	}

	for _, m := range l.devices {
		m.sensor.Reset()
	}

	if l.exporter != nil {
		l.exporter.Resumed()
	}
}

// eventsClosed un-pauses the loop when the watcher goes away mid-sleep.
func (l *Loop) eventsClosed() {
	l.logger.Warn().Msg("Sleep notifications stopped")
	if l.sleeping {
		l.sleeping = false
		l.resumed()
	}
}

func (l *Loop) shutdown() error {
	l.state = ShuttingDown
	l.logger.Info().Int("settings", l.ledger.Len()).Msg("Restoring original settings")

	err := l.ledger.RollbackAll()
	l.reportRollback(err)

	return err
}

func (l *Loop) fatal(r any) error {
	errFactory := errors.New()
	cause := errFactory.WithData(errors.ErrMainLoop, fmt.Sprint(r))

	l.logger.Error().
		Str("panic", fmt.Sprint(r)).
		Str("stack", string(debug.Stack())).
		Msg("Control loop failed")

	if l.state == ShuttingDown {
		return cause
	}
	l.state = ShuttingDown

	err := l.ledger.RollbackAll()
	l.reportRollback(err)

	return errors.Join(cause, err)
}

func (l *Loop) reportRollback(err error) {
	if err == nil {
		l.logger.Info().Msg("Original settings restored")
		return
	}

	failed := 1
	if joined, ok := errors.Unwrap(err).(interface{ Unwrap() []error }); ok {
		failed = len(joined.Unwrap())
	}

	l.logger.Error().Err(err).Int("failed", failed).Msg("Some settings could not be restored")
	if l.exporter != nil {
		l.exporter.RollbackFailures(failed)
	}
}

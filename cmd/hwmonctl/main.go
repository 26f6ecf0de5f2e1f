package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"codeberg.org/mutker/hwmonctl/internal/config"
	"codeberg.org/mutker/hwmonctl/internal/daemon"
	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/exporter"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"codeberg.org/mutker/hwmonctl/internal/metrics"
	"codeberg.org/mutker/hwmonctl/internal/pid"
	"codeberg.org/mutker/hwmonctl/internal/profile"
	"codeberg.org/mutker/hwmonctl/internal/resume"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const appName = "hwmonctl"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := run(cfg); err != nil {
		var coded errors.Error
		if errors.As(err, &coded) {
			logger.ErrorWithCode(coded).Msg("Exiting with error")
		} else {
			logger.Error().Err(err).Msg("Exiting with error")
		}
		os.Exit(1)
	}

	logger.Info().Msg("Exiting...")
}

func run(cfg *config.Config) error {
	errFactory := errors.New()

	pidFile := pid.New("")
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	devices, closeDiscovery, err := discover(cfg)
	if err != nil {
		return errFactory.Wrap(errors.ErrDiscovery, err)
	}
	defer closeDiscovery()

	registry, err := profile.NewRegistry(cfg.Profiles)
	if err != nil {
		return err
	}

	collector, err := metrics.NewService(metrics.Config{
		DBPath:       cfg.MetricsDB,
		BackupDir:    filepath.Join(filepath.Dir(cfg.MetricsDB), "backups"),
		BatchSize:    metrics.DefaultConfig().BatchSize,
		BatchTimeout: metrics.DefaultConfig().BatchTimeout,
		Enabled:      cfg.Metrics,
	}, logger.New("metrics"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close metrics")
		}
	}()

	opts := []daemon.Option{daemon.WithMetrics(collector)}

	if stats, err := gpu.NewStatsReader(cfg.SysfsRoot); err != nil {
		logger.Debug().Err(err).Msg("GPU utilization stats unavailable")
	} else {
		opts = append(opts, daemon.WithStats(stats))
	}

	var exp *exporter.Exporter
	if cfg.Listen != "" {
		exp = exporter.New(logger.New("exporter"))
		opts = append(opts, daemon.WithExporter(exp))
	}

	// Invalid power limits fail here, before anything is written.
	loop, err := daemon.New(devices, registry, daemon.Config{
		Interval:       cfg.IntervalDuration(),
		ResumeDebounce: cfg.ResumeDebounce,
		Monitor:        cfg.Monitor,
		SysfsRoot:      cfg.SysfsRoot,
	}, logger.New("loop"), opts...)
	if err != nil {
		return err
	}

	if len(loop.Managed()) == 0 {
		logger.Warn().Int("devices", len(devices)).Msg("No device matched a profile, nothing to control")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	watcher := resume.NewWatcher(appName, logger.New("resume"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := watcher.Run(gctx); err != nil {
			logger.Warn().Err(err).Msg("Continuing without sleep notifications")
		}
		return nil
	})
	if exp != nil {
		g.Go(func() error {
			if err := exp.Serve(gctx, cfg.Listen); err != nil {
				logger.Warn().Err(err).Str("listen", cfg.Listen).Msg("Prometheus exporter stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx, watcher.Events())
	})

	return g.Wait()
}

// discover returns amdgpu devices from sysfs and, when enabled, NVIDIA
// devices through NVML.
func discover(cfg *config.Config) ([]*gpu.Device, func(), error) {
	discoverers := []gpu.Discoverer{
		gpu.NewSysfsDiscoverer(cfg.SysfsRoot, cfg.FanModeOnExit, logger.New("gpu")),
	}
	if cfg.NVML {
		discoverers = append(discoverers, gpu.NewNVMLDiscoverer(cfg.FanModeOnExit, logger.New("nvml")))
	}

	closeAll := func() {
		for _, d := range discoverers {
			if err := d.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close GPU backend")
			}
		}
	}

	var (
		devices []*gpu.Device
		errs    []error
	)
	for _, d := range discoverers {
		found, err := d.Discover()
		if err != nil {
			logger.Warn().Err(err).Msg("GPU discovery failed")
			errs = append(errs, err)
			continue
		}
		devices = append(devices, found...)
	}

	if len(devices) == 0 && len(errs) > 0 {
		closeAll()
		return nil, nil, errors.Join(errs...)
	}

	gpu.SortDevices(devices)

	return devices, closeAll, nil
}

func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		logger.Info().Msg("Received termination signal.")
		cancel()
	case <-ctx.Done():
	}
}

// Package exporter publishes per-device control state as Prometheus metrics.
package exporter

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"codeberg.org/mutker/hwmonctl/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace       = "hwmonctl"
	shutdownTimeout = 5 * time.Second
)

// Exporter holds a private registry so tests and multiple instances do not
// collide on the default one.
type Exporter struct {
	registry *prometheus.Registry
	log      logger.Logger

	temperature *prometheus.GaugeVec
	average     *prometheus.GaugeVec
	duty        *prometheus.GaugeVec
	powerLimit  *prometheus.GaugeVec
	busy        *prometheus.GaugeVec
	vramUsed    *prometheus.GaugeVec
	fanOff      *prometheus.GaugeVec
	degraded    *prometheus.CounterVec
	resumes     prometheus.Counter
	rollbacks   prometheus.Counter
}

func New(log logger.Logger) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := []string{"device"}

	return &Exporter{
		registry: reg,
		log:      log,
		temperature: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last raw temperature reading",
		}, labels),
		average: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_smoothed_celsius",
			Help:      "Rolling average temperature used by the fan curve",
		}, labels),
		duty: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fan_duty_percent",
			Help:      "Last applied fan duty",
		}, labels),
		powerLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power_limit_watts",
			Help:      "Current power limit",
		}, labels),
		busy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpu_busy_percent",
			Help:      "GPU busy percentage reported by the driver",
		}, labels),
		vramUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vram_used_bytes",
			Help:      "Used VRAM",
		}, labels),
		fanOff: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fan_off",
			Help:      "1 while the fan curve holds the fan stopped",
		}, labels),
		degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_ticks_total",
			Help:      "Ticks in which at least one write to the device failed",
		}, labels),
		resumes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumes_total",
			Help:      "Resume events that triggered a reapplication",
		}),
		rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_failures_total",
			Help:      "Attributes that could not be restored on exit",
		}),
	}
}

// Observe updates the gauges from one control tick.
func (e *Exporter) Observe(s *metrics.Sample) {
	e.temperature.WithLabelValues(s.Device).Set(s.Temperature.Current)
	e.average.WithLabelValues(s.Device).Set(s.Temperature.Average)
	e.duty.WithLabelValues(s.Device).Set(s.Fan.Duty)
	if s.PowerLimit.Current > 0 {
		e.powerLimit.WithLabelValues(s.Device).Set(float64(s.PowerLimit.Current) / 1e6)
	}
	if s.Utilization.Known {
		e.busy.WithLabelValues(s.Device).Set(float64(s.Utilization.BusyPercent))
		e.vramUsed.WithLabelValues(s.Device).Set(float64(s.Utilization.VRAMUsedBytes))
	}
	e.fanOff.WithLabelValues(s.Device).Set(boolGauge(s.State.FanOff))
	if s.State.Degraded {
		e.degraded.WithLabelValues(s.Device).Inc()
	}
}

func (e *Exporter) Resumed() {
	e.resumes.Inc()
}

func (e *Exporter) RollbackFailures(n int) {
	e.rollbacks.Add(float64(n))
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	errFactory := errors.New()

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errFactory.Wrap(ErrListenFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdownFailed, err)
	}

	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

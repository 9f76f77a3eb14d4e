package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Fetch outcomes reported through IncFetch.
const (
	OutcomeFresh         = "fresh"
	OutcomeStale         = "stale"
	OutcomeFailed        = "failed"
	OutcomeConfigMissing = "config_missing"
)

// Collector captures telemetry events emitted by the poll loop.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. Hooks run inline with every poll cycle.
type Collector interface {
	IncConfigReload(file string)
	IncFetch(outcome string)
	ObserveCycle(d time.Duration)
	SetGlucose(mgdl int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncConfigReload(string)     {}
func (noopCollector) IncFetch(string)            {}
func (noopCollector) ObserveCycle(time.Duration) {}
func (noopCollector) SetGlucose(int)             {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	reloads  *prometheus.CounterVec
	fetches  *prometheus.CounterVec
	cycle    prometheus.Gauge
	glucose  prometheus.Gauge
	gatherer prometheus.Gatherer
}

var (
	registeredMu sync.Mutex
	registered   = map[string]prometheus.Collector{}
)

// register returns the collector already registered under name, registering
// c first if needed. Repeated constructions share one set of metrics.
func register[T prometheus.Collector](reg prometheus.Registerer, name string, c T) (T, error) {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	if existing, ok := registered[name].(T); ok {
		return existing, nil
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			var zero T
			return zero, err
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			var zero T
			return zero, err
		}
		c = existing
	}
	registered[name] = c
	return c, nil
}

// NewPrometheusCollector registers the metrics with reg. A nil registry uses
// the Prometheus default registry.
func NewPrometheusCollector(reg *prometheus.Registry) (*PrometheusCollector, error) {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	reloads, err := register(registerer, "reloads", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glucotray_config_reload_total",
		Help: "Number of configuration reloads triggered per source file.",
	}, []string{"file"}))
	if err != nil {
		return nil, err
	}
	fetches, err := register(registerer, "fetches", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "glucotray_fetch_total",
		Help: "Nightscout fetches by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	cycle, err := register(registerer, "cycle", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "glucotray_cycle_duration_seconds",
		Help: "Duration of the last poll cycle.",
	}))
	if err != nil {
		return nil, err
	}
	glucose, err := register(registerer, "glucose", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "glucotray_glucose_mgdl",
		Help: "Most recent glucose value in mg/dL.",
	}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		reloads:  reloads,
		fetches:  fetches,
		cycle:    cycle,
		glucose:  glucose,
		gatherer: gatherer,
	}, nil
}

// IncConfigReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncConfigReload(file string) {
	if p == nil || p.reloads == nil {
		return
	}
	p.reloads.WithLabelValues(file).Inc()
}

// IncFetch counts one fetch outcome.
func (p *PrometheusCollector) IncFetch(outcome string) {
	if p == nil || p.fetches == nil {
		return
	}
	p.fetches.WithLabelValues(outcome).Inc()
}

// ObserveCycle records the duration of the last cycle.
func (p *PrometheusCollector) ObserveCycle(d time.Duration) {
	if p == nil || p.cycle == nil {
		return
	}
	p.cycle.Set(d.Seconds())
}

func (p *PrometheusCollector) SetGlucose(mgdl int) {
	if p == nil || p.glucose == nil {
		return
	}
	p.glucose.Set(float64(mgdl))
}

// Handler serves the gathered metrics.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listen until ctx is cancelled. The bound address
// is returned once the listener is open.
func (p *PrometheusCollector) Serve(ctx context.Context, listen string, logger zerolog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	logger.Info().Str("listen", ln.Addr().String()).Msg("metrics listener started")
	return ln.Addr(), nil
}

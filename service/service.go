// Package service runs the poll cycle: fetch with cache fallback, derive the
// display state, render the icon and publish the result.
package service

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/glucotray/glucose"
	"github.com/timzifer/glucotray/nightscout"
	"github.com/timzifer/glucotray/telemetry"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 30 * time.Second

// State is the phase the scheduler is currently in.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateRendering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateRendering:
		return "rendering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Target is what a cycle fetches and how it presents the result. It is read
// at the start of every cycle so configuration changes apply to the next one.
type Target struct {
	Endpoint nightscout.Endpoint
	Units    glucose.Units
	Location *time.Location
}

// Fetcher retrieves readings, falling back to cached data on failure.
type Fetcher interface {
	Fetch(ctx context.Context, ep nightscout.Endpoint) nightscout.Result
}

// Renderer draws the tray icon.
type Renderer interface {
	Render(value string, direction nightscout.Direction, class glucose.Class, dark bool) *image.RGBA
}

// TargetSource supplies the current Target.
type TargetSource interface {
	Target() Target
}

// ThemeDetector reports whether the desktop uses a dark theme.
type ThemeDetector interface {
	IsDark() bool
}

// Sink receives the outcome of every cycle. Publish runs on the cycle's
// goroutine with the cycle lock held, so it must not start another cycle.
type Sink interface {
	Publish(CycleResult)
}

// CycleResult is the outcome of one poll cycle.
type CycleResult struct {
	Display  glucose.State
	Icon     *image.RGBA
	Fresh    bool
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Metrics summarises the cycles run so far.
type Metrics struct {
	CycleCount   uint64
	LastDuration time.Duration
	LastError    error
	LastFresh    time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithTheme sets the theme detector. Without one, icons use the light theme.
func WithTheme(theme ThemeDetector) Option {
	return func(s *Service) { s.theme = theme }
}

// WithSink registers the receiver of cycle results.
func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithTelemetry sets the metrics collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *Service) {
		if collector == nil {
			collector = telemetry.Noop()
		}
		s.telemetry = collector
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the poll scheduler. Periodic and manual cycles share one mutex,
// so fetches never overlap and the cache has a single writer.
type Service struct {
	logger    zerolog.Logger
	fetcher   Fetcher
	renderer  Renderer
	target    TargetSource
	theme     ThemeDetector
	sink      Sink
	telemetry telemetry.Collector
	now       func() time.Time
	interval  time.Duration

	controller *cycleController

	cycleMu sync.Mutex
	state   atomic.Int32
	stopped atomic.Bool
	started atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	metrics Metrics
	last    *CycleResult
}

// New builds a scheduler. It does not start polling; call Run.
func New(fetcher Fetcher, renderer Renderer, target TargetSource, opts ...Option) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	if renderer == nil {
		return nil, errors.New("renderer must not be nil")
	}
	if target == nil {
		return nil, errors.New("target source must not be nil")
	}
	s := &Service{
		logger:    zerolog.Nop(),
		fetcher:   fetcher,
		renderer:  renderer,
		target:    target,
		telemetry: telemetry.Noop(),
		now:       time.Now,
		interval:  DefaultInterval,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	s.controller = newCycleController(s.interval)
	return s, nil
}

// Run executes one cycle immediately and then one per interval until ctx is
// cancelled or Stop is called. A running cycle is always completed.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))

	if s.stopped.Load() {
		return nil
	}
	s.logger.Info().Dur("interval", s.controller.Interval()).Msg("scheduler started")
	s.IterateOnce(ctx)
	for {
		if _, err := s.controller.Wait(ctx); err != nil {
			if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info().Msg("scheduler stopped")
				return nil
			}
			return err
		}
		if s.stopped.Load() {
			return nil
		}
		s.IterateOnce(ctx)
	}
}

// Trigger runs one cycle out of band without moving the periodic schedule.
// It waits for a cycle already in progress to finish first. The fetch is
// marked manual, so an open circuit breaker does not suppress it.
func (s *Service) Trigger(ctx context.Context) CycleResult {
	if s.stopped.Load() {
		return CycleResult{Err: ErrStopped}
	}
	return s.IterateOnce(nightscout.Manual(ctx))
}

// IterateOnce performs a single cycle and publishes the result.
func (s *Service) IterateOnce(ctx context.Context) CycleResult {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := s.now()
	target := s.target.Target()

	s.setState(StateFetching)
	res := s.fetcher.Fetch(ctx, target.Endpoint)
	s.telemetry.IncFetch(outcome(res))

	s.setState(StateProcessing)
	display := glucose.Process(res.Readings, glucose.Options{
		Configured: target.Endpoint.Configured(),
		Now:        start,
		Location:   target.Location,
		Units:      target.Units,
		Stale:      res.Stale,
	})

	s.setState(StateRendering)
	dark := s.theme != nil && s.theme.IsDark()
	icon := s.renderer.Render(display.ValueText, display.Direction, display.Class, dark)

	result := CycleResult{
		Display:  display,
		Icon:     icon,
		Fresh:    res.Fresh(),
		Err:      res.Err,
		Started:  start,
		Duration: s.now().Sub(start),
	}
	s.record(result, res.Readings)
	s.setState(StateIdle)

	event := s.logger.Debug()
	if res.Err != nil && !errors.Is(res.Err, nightscout.ErrConfigMissing) {
		event = s.logger.Warn().Err(res.Err)
	}
	event.Str("value", display.ValueText).
		Str("class", string(display.Class)).
		Bool("stale", display.Stale).
		Dur("duration", result.Duration).
		Msg("cycle complete")

	if s.sink != nil {
		s.sink.Publish(result)
	}
	return result
}

func (s *Service) record(result CycleResult, readings []nightscout.Reading) {
	s.telemetry.ObserveCycle(result.Duration)
	if len(readings) > 0 {
		if sgv, err := nightscout.NewestFirst(readings)[0].MgDL(); err == nil {
			s.telemetry.SetGlucose(sgv)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.CycleCount++
	s.metrics.LastDuration = result.Duration
	s.metrics.LastError = result.Err
	if result.Fresh {
		s.metrics.LastFresh = result.Started
	}
	last := result
	s.last = &last
}

func (s *Service) setState(state State) {
	if s.stopped.Load() && state == StateIdle {
		state = StateStopped
	}
	s.state.Store(int32(state))
}

func outcome(res nightscout.Result) string {
	switch {
	case errors.Is(res.Err, nightscout.ErrConfigMissing):
		return telemetry.OutcomeConfigMissing
	case res.Fresh():
		return telemetry.OutcomeFresh
	case res.Stale:
		return telemetry.OutcomeStale
	default:
		return telemetry.OutcomeFailed
	}
}

// Stop asks the loop to exit after the current cycle. It does not block.
func (s *Service) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.controller.Halt()
	if !s.started.Load() || s.State() == StateIdle {
		s.state.Store(int32(StateStopped))
	}
}

// Join waits up to timeout for Run to return. It reports whether the loop
// has exited; a loop that was never started counts as exited.
func (s *Service) Join(timeout time.Duration) bool {
	if !s.started.Load() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when Run returns.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// SetInterval changes the poll period. The current wait restarts.
func (s *Service) SetInterval(d time.Duration) {
	s.controller.SetInterval(d)
}

// Interval returns the poll period.
func (s *Service) Interval() time.Duration {
	return s.controller.Interval()
}

// State returns the current phase.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Metrics returns the last recorded metrics snapshot.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Last returns the most recent cycle result.
func (s *Service) Last() (CycleResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return CycleResult{}, false
	}
	return *s.last, true
}

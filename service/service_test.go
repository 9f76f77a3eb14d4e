package service

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/glucotray/glucose"
	"github.com/timzifer/glucotray/nightscout"
)

var testEndpoint = nightscout.Endpoint{Address: "https://ns.example.com", Token: "t"}

type fakeFetcher struct {
	mu      sync.Mutex
	result  nightscout.Result
	gate    chan struct{}
	entered chan struct{}

	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, ep nightscout.Endpoint) nightscout.Result {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if !ep.Configured() {
		return nightscout.Result{Err: nightscout.ErrConfigMissing}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

type fakeRenderer struct {
	mu   sync.Mutex
	dark []bool
}

func (r *fakeRenderer) Render(value string, direction nightscout.Direction, class glucose.Class, dark bool) *image.RGBA {
	r.mu.Lock()
	r.dark = append(r.dark, dark)
	r.mu.Unlock()
	return image.NewRGBA(image.Rect(0, 0, 32, 32))
}

type staticTarget Target

func (t staticTarget) Target() Target { return Target(t) }

type darkTheme bool

func (d darkTheme) IsDark() bool { return bool(d) }

type chanSink chan CycleResult

func (c chanSink) Publish(r CycleResult) { c <- r }

func freshResult() nightscout.Result {
	now := time.Now()
	return nightscout.Result{Readings: []nightscout.Reading{
		nightscout.NewReading(130, now.Add(-time.Minute), nightscout.DirectionFlat),
		nightscout.NewReading(125, now.Add(-6*time.Minute), nightscout.DirectionFlat),
	}}
}

func newTestService(t *testing.T, f *fakeFetcher, sink Sink, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithSink(sink)}, opts...)
	s, err := New(f, &fakeRenderer{}, staticTarget{Endpoint: testEndpoint}, opts...)
	require.NoError(t, err)
	return s
}

func receive(t *testing.T, sink chanSink) CycleResult {
	t.Helper()
	select {
	case r := <-sink:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle published")
		return CycleResult{}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, &fakeRenderer{}, staticTarget{})
	require.Error(t, err)
	_, err = New(&fakeFetcher{}, nil, staticTarget{})
	require.Error(t, err)
	_, err = New(&fakeFetcher{}, &fakeRenderer{}, nil)
	require.Error(t, err)
}

func TestRunCyclesImmediatelyAndStops(t *testing.T) {
	sink := make(chanSink, 4)
	s := newTestService(t, &fakeFetcher{result: freshResult()}, sink, WithInterval(time.Hour))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	r := receive(t, sink)
	require.True(t, r.Fresh)
	require.Equal(t, "130", r.Display.ValueText)
	require.NotNil(t, r.Icon)

	s.Stop()
	require.True(t, s.Join(2*time.Second))
	require.NoError(t, <-errCh)
	require.Equal(t, StateStopped, s.State())
}

func TestRunPollsPeriodically(t *testing.T) {
	sink := make(chanSink, 16)
	s := newTestService(t, &fakeFetcher{result: freshResult()}, sink, WithInterval(10*time.Millisecond))

	go func() { _ = s.Run(context.Background()) }()
	for i := 0; i < 3; i++ {
		receive(t, sink)
	}
	s.Stop()
	require.True(t, s.Join(2*time.Second))
	require.GreaterOrEqual(t, s.Metrics().CycleCount, uint64(3))
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	sink := make(chanSink, 4)
	s := newTestService(t, &fakeFetcher{result: freshResult()}, sink, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	receive(t, sink)

	cancel()
	require.NoError(t, <-errCh)
	require.Error(t, s.Run(context.Background()), "a scheduler runs once")
}

func TestTriggerIsSerialisedWithLoop(t *testing.T) {
	f := &fakeFetcher{result: freshResult(), gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	sink := make(chanSink, 4)
	s := newTestService(t, f, sink, WithInterval(time.Hour))

	go func() { _ = s.Run(context.Background()) }()
	<-f.entered
	require.Equal(t, StateFetching, s.State())

	triggered := make(chan CycleResult, 1)
	go func() { triggered <- s.Trigger(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, f.calls.Load(), "manual cycle waits for the running one")

	f.gate <- struct{}{}
	receive(t, sink)
	f.gate <- struct{}{}
	r := <-triggered
	require.True(t, r.Fresh)

	require.EqualValues(t, 2, f.calls.Load())
	require.EqualValues(t, 1, f.maxSeen.Load())

	s.Stop()
	require.True(t, s.Join(2*time.Second))
}

func TestStopDoesNotInterruptRunningCycle(t *testing.T) {
	f := &fakeFetcher{result: freshResult(), gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	sink := make(chanSink, 4)
	s := newTestService(t, f, sink, WithInterval(time.Hour))

	go func() { _ = s.Run(context.Background()) }()
	<-f.entered

	s.Stop()
	require.False(t, s.Join(50*time.Millisecond))

	close(f.gate)
	r := receive(t, sink)
	require.True(t, r.Fresh)
	require.True(t, s.Join(2*time.Second))
	require.Equal(t, StateStopped, s.State())
}

func TestTriggerAfterStop(t *testing.T) {
	f := &fakeFetcher{result: freshResult()}
	s := newTestService(t, f, make(chanSink, 1))
	s.Stop()

	r := s.Trigger(context.Background())
	require.ErrorIs(t, r.Err, ErrStopped)
	require.Zero(t, f.calls.Load())
	require.True(t, s.Join(time.Millisecond))
	require.Equal(t, StateStopped, s.State())
}

func TestCycleUnconfigured(t *testing.T) {
	sink := make(chanSink, 1)
	s, err := New(&fakeFetcher{}, &fakeRenderer{}, staticTarget{}, WithSink(sink))
	require.NoError(t, err)

	r := s.Trigger(context.Background())
	require.ErrorIs(t, r.Err, nightscout.ErrConfigMissing)
	require.False(t, r.Fresh)
	require.Equal(t, glucose.TooltipNotConfigured, r.Display.Tooltip)
	require.Equal(t, glucose.ClassError, r.Display.Class)
	require.Equal(t, r, <-sink)
}

func TestCycleStaleUsesThemeAndMarksDisplay(t *testing.T) {
	stale := freshResult()
	stale.Stale = true
	stale.Err = nightscout.ErrNetwork

	renderer := &fakeRenderer{}
	s, err := New(&fakeFetcher{result: stale}, renderer, staticTarget{Endpoint: testEndpoint}, WithTheme(darkTheme(true)))
	require.NoError(t, err)

	r := s.Trigger(context.Background())
	require.False(t, r.Fresh)
	require.True(t, r.Display.Stale)
	require.ErrorIs(t, r.Err, nightscout.ErrNetwork)
	require.Equal(t, []bool{true}, renderer.dark)

	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, r, last)
	require.ErrorIs(t, s.Metrics().LastError, nightscout.ErrNetwork)
	require.True(t, s.Metrics().LastFresh.IsZero())
}

func TestSetIntervalRestartsWait(t *testing.T) {
	sink := make(chanSink, 8)
	s := newTestService(t, &fakeFetcher{result: freshResult()}, sink, WithInterval(time.Hour))
	go func() { _ = s.Run(context.Background()) }()
	receive(t, sink)

	s.SetInterval(10 * time.Millisecond)
	require.Equal(t, 10*time.Millisecond, s.Interval())
	receive(t, sink)

	s.Stop()
	require.True(t, s.Join(2*time.Second))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "fetching", StateFetching.String())
	require.Equal(t, "stopped", StateStopped.String())
	require.Equal(t, "unknown", State(42).String())
}

func TestTriggerKeepsPeriodicPhase(t *testing.T) {
	const interval = 300 * time.Millisecond
	sink := make(chanSink, 8)
	s := newTestService(t, &fakeFetcher{result: freshResult()}, sink, WithInterval(interval))

	go func() { _ = s.Run(context.Background()) }()
	defer func() {
		s.Stop()
		s.Join(2 * time.Second)
	}()

	first := receive(t, sink)
	time.Sleep(interval / 2)
	manual := s.Trigger(context.Background())
	require.Equal(t, manual.Started, receive(t, sink).Started)

	periodic := receive(t, sink)
	// The periodic cycle fires one interval after the first cycle, not one
	// interval after the manual one.
	require.Less(t, periodic.Started.Sub(first.Started), interval+interval/3)
	require.GreaterOrEqual(t, periodic.Started.Sub(first.Started), interval-interval/10)
	require.Greater(t, periodic.Started, manual.Started)
}

package nightscout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	// APIPath is the entries endpoint polled on every cycle.
	APIPath = "/api/v1/entries.json"
	// EntryCount is the number of readings requested; two are enough for a delta.
	EntryCount = 2
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// Endpoint carries the connection settings for one fetch.
type Endpoint struct {
	Address string
	Token   string
	Timeout time.Duration
}

// Configured reports whether both address and token are present.
func (e Endpoint) Configured() bool {
	return strings.TrimSpace(e.Address) != "" && strings.TrimSpace(e.Token) != ""
}

// URL builds the entries request URL. It fails with ErrConfigMissing when the
// address or token is empty.
func (e Endpoint) URL() (string, error) {
	address := strings.TrimSpace(e.Address)
	token := strings.TrimSpace(e.Token)
	if address == "" || token == "" {
		return "", &FetchError{Kind: ErrConfigMissing}
	}
	address = strings.TrimSuffix(address, "/")
	return fmt.Sprintf("%s%s?token=%s&count=%d", address, APIPath, url.QueryEscape(token), EntryCount), nil
}

// Cache is the last-known-good store the fetcher writes to on success and
// reads from on failure.
type Cache interface {
	Current() []Reading
	Load() ([]Reading, error)
	Persist(body []byte, readings []Reading) error
}

// Result is the outcome of one fetch. Readings may be non-empty even when Err
// is set: Stale marks data served from the cache after a failed request.
type Result struct {
	Readings []Reading
	Stale    bool
	Err      error
}

// Fresh reports whether the readings came from a successful request.
func (r Result) Fresh() bool {
	return r.Err == nil
}

type payload struct {
	body     []byte
	readings []Reading
}

// Fetcher performs the entries request and maintains the cache. The circuit
// breaker tracks one endpoint at a time; a new address or token starts with a
// closed breaker.
type Fetcher struct {
	client *http.Client
	cache  Cache
	logger zerolog.Logger

	breakerSettings gobreaker.Settings
	mu              sync.Mutex
	breakerKey      string
	breaker         *gobreaker.CircuitBreaker[payload]
}

type manualKey struct{}

// Manual marks ctx as a user initiated fetch. Manual fetches are sent even
// while the breaker is open and do not count towards tripping it; a success
// closes the breaker again.
func Manual(ctx context.Context) context.Context {
	return context.WithValue(ctx, manualKey{}, true)
}

func isManual(ctx context.Context) bool {
	manual, _ := ctx.Value(manualKey{}).(bool)
	return manual
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*fetcherSettings)

type fetcherSettings struct {
	client  *http.Client
	logger  zerolog.Logger
	breaker gobreaker.Settings
}

// WithHTTPClient replaces the default HTTP client. Per-request timeouts are
// still applied from the Endpoint.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(s *fetcherSettings) {
		if client != nil {
			s.client = client
		}
	}
}

// WithLogger attaches a logger to the fetcher.
func WithLogger(logger zerolog.Logger) FetcherOption {
	return func(s *fetcherSettings) {
		s.logger = logger
	}
}

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(settings gobreaker.Settings) FetcherOption {
	return func(s *fetcherSettings) {
		s.breaker = settings
	}
}

// DefaultBreakerSettings opens the breaker after five consecutive failures and
// probes again after two minutes.
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "nightscout",
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
}

// NewFetcher creates a fetcher backed by the provided cache.
func NewFetcher(cache Cache, opts ...FetcherOption) *Fetcher {
	settings := fetcherSettings{
		client:  &http.Client{},
		logger:  zerolog.Nop(),
		breaker: DefaultBreakerSettings(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	logger := settings.logger.With().Str("component", "fetcher").Logger()
	breakerSettings := settings.breaker
	userHook := breakerSettings.OnStateChange
	breakerSettings.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	return &Fetcher{
		client:          settings.client,
		cache:           cache,
		logger:          logger,
		breakerSettings: breakerSettings,
	}
}

// breakerFor returns the breaker for target, replacing the current one when
// the endpoint changed.
func (f *Fetcher) breakerFor(target string) *gobreaker.CircuitBreaker[payload] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breaker == nil || f.breakerKey != target {
		f.breaker = gobreaker.NewCircuitBreaker[payload](f.breakerSettings)
		f.breakerKey = target
	}
	return f.breaker
}

func (f *Fetcher) resetBreaker(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breakerKey == target && f.breaker != nil && f.breaker.State() != gobreaker.StateClosed {
		f.breaker = gobreaker.NewCircuitBreaker[payload](f.breakerSettings)
		f.logger.Info().Msg("circuit breaker reset after manual fetch")
	}
}

// Fetch requests the latest entries. On success the body is written to the
// cache and returned fresh. On network or parse failure the cached readings
// are returned marked stale alongside the error. A missing configuration
// returns ErrConfigMissing without touching the network or the cache.
func (f *Fetcher) Fetch(ctx context.Context, endpoint Endpoint) Result {
	target, err := endpoint.URL()
	if err != nil {
		return Result{Err: err}
	}

	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	call := func() (payload, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return f.get(reqCtx, target)
	}
	breaker := f.breakerFor(target)

	var data payload
	if isManual(ctx) {
		data, err = call()
		if err == nil {
			f.resetBreaker(target)
		}
	} else {
		data, err = breaker.Execute(call)
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = networkError(err)
		}
		return f.fallback(err)
	}

	if err := f.cache.Persist(data.body, data.readings); err != nil {
		f.logger.Warn().Err(err).Msg("failed to persist reading cache")
	}
	f.logger.Debug().Int("entries", len(data.readings)).Msg("fetched entries")
	return Result{Readings: data.readings}
}

func (f *Fetcher) get(ctx context.Context, target string) (payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return payload{}, networkError(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return payload{}, networkError(redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return payload{}, networkError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return payload{}, networkError(fmt.Errorf("read body: %w", err))
	}
	readings, err := Decode(body)
	if err != nil {
		return payload{}, err
	}
	return payload{body: body, readings: readings}, nil
}

func (f *Fetcher) fallback(cause error) Result {
	readings := f.cache.Current()
	if len(readings) == 0 {
		loaded, err := f.cache.Load()
		if err != nil {
			f.logger.Warn().Err(err).Msg("reading cache unavailable")
		}
		readings = loaded
	}
	f.logger.Warn().Err(cause).Int("cached_entries", len(readings)).Msg("fetch failed, using cached entries")
	return Result{Readings: readings, Stale: len(readings) > 0, Err: cause}
}

// Decode parses an entries response body.
func Decode(body []byte) ([]Reading, error) {
	var readings []Reading
	if err := json.Unmarshal(body, &readings); err != nil {
		return nil, parseError(err)
	}
	return readings, nil
}

// redact strips the request URL, which carries the token, from client errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

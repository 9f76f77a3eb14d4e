// Package store keeps the last successfully fetched reading batch in memory
// and on disk so it can be served while Nightscout is unreachable.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"github.com/timzifer/glucotray/nightscout"
)

// ErrPersistence marks cache files that could not be read or written.
var ErrPersistence = errors.New("reading cache unavailable")

// Store is a single-writer cache of the most recent reading batch. The
// persisted file mirrors the last successful response body.
type Store struct {
	path   string
	logger zerolog.Logger

	fileMu sync.Mutex

	mu      sync.RWMutex
	current []nightscout.Reading
}

// New creates a store persisting to path. An empty path keeps the cache in
// memory only.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

// Current returns a copy of the in-memory working set.
func (s *Store) Current() []nightscout.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneReadings(s.current)
}

// Load reads the persisted cache into memory and returns it. A missing or
// corrupt file yields an empty slice without error; other read failures are
// reported wrapped in ErrPersistence, also with an empty slice.
func (s *Store) Load() ([]nightscout.Reading, error) {
	if s.path == "" {
		return s.Current(), nil
	}
	s.fileMu.Lock()
	data, err := os.ReadFile(s.path)
	s.fileMu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []nightscout.Reading{}, nil
		}
		return []nightscout.Reading{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	readings, err := nightscout.Decode(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", s.path).Msg("ignoring corrupt reading cache")
		return []nightscout.Reading{}, nil
	}
	if readings == nil {
		readings = []nightscout.Reading{}
	}
	s.set(readings)
	return cloneReadings(readings), nil
}

// Save replaces the cache with readings, both in memory and on disk.
func (s *Store) Save(readings []nightscout.Reading) error {
	if readings == nil {
		readings = []nightscout.Reading{}
	}
	body, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("encode reading cache: %w", err)
	}
	return s.Persist(body, readings)
}

// Persist replaces the cache with a raw response body and its decoded form.
// The in-memory set is updated even when the disk write fails.
func (s *Store) Persist(body []byte, readings []nightscout.Reading) error {
	s.set(cloneReadings(readings))
	if s.path == "" {
		return nil
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) set(readings []nightscout.Reading) {
	s.mu.Lock()
	s.current = readings
	s.mu.Unlock()
}

func cloneReadings(src []nightscout.Reading) []nightscout.Reading {
	out := make([]nightscout.Reading, len(src))
	copy(out, src)
	return out
}

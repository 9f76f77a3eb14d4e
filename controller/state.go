package controller

import (
	"sync"
	"time"

	"github.com/timzifer/glucotray/config"
	"github.com/timzifer/glucotray/glucose"
	"github.com/timzifer/glucotray/service"
)

// AppState owns the mutable application configuration. The scheduler reads
// it through Target at the start of every cycle; the controller replaces it
// on save and reload.
type AppState struct {
	mu       sync.RWMutex
	path     string
	cfg      *config.Config
	location *time.Location
}

// NewAppState wraps cfg, persisted at path. A nil cfg uses the defaults.
func NewAppState(path string, cfg *config.Config) *AppState {
	if cfg == nil {
		cfg = config.Default()
	}
	return &AppState{path: path, cfg: cfg.Clone(), location: time.Local}
}

// Path returns the config file location. Empty means the config is not persisted.
func (a *AppState) Path() string {
	return a.path
}

// Config returns a copy of the current configuration.
func (a *AppState) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Clone()
}

// Target implements service.TargetSource.
func (a *AppState) Target() service.Target {
	a.mu.RLock()
	defer a.mu.RUnlock()
	units, err := glucose.ParseUnits(a.cfg.Units)
	if err != nil {
		units = glucose.UnitsMgdl
	}
	return service.Target{
		Endpoint: a.cfg.Endpoint(),
		Units:    units,
		Location: a.location,
	}
}

func (a *AppState) replace(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg.Clone()
	a.mu.Unlock()
}

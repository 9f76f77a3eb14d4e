// Package glucose turns raw Nightscout entries into the state shown in the
// tray: value text, trend arrow, glucose class and tooltip.
package glucose

import (
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/glucotray/nightscout"
)

// Class buckets a glucose value for display.
type Class string

const (
	ClassCriticalLow  Class = "critical-low"
	ClassCriticalHigh Class = "critical-high"
	ClassNormal       Class = "normal"
	ClassError        Class = "error"
)

const (
	// LowThreshold is the first mg/dL value that is not critical-low.
	LowThreshold = 70
	// HighThreshold is the last mg/dL value that is not critical-high.
	HighThreshold = 180
	// UnknownAge is reported when the reading timestamp cannot be parsed.
	UnknownAge = 999

	// TimeLayout formats the reading time for the tooltip.
	TimeLayout = "2006-01-02 15:04:05"

	TooltipNotConfigured = "Nightscout address and/or token not configured"
	TooltipNoData        = "No valid Nightscout data"
	staleNotice          = "(offline, showing cached data)"
)

// State is the derived display state for one cycle.
type State struct {
	ValueText string
	Direction nightscout.Direction
	Class     Class
	Tooltip   string
	DeltaText string
	AgeMin    int
	Stale     bool
}

// Options carries the context Process needs beyond the readings themselves.
type Options struct {
	// Configured selects the empty-state tooltip.
	Configured bool
	// Now is the reference time for the reading age. Zero means time.Now().
	Now time.Time
	// Location is used for the "Updated" line. Nil means time.Local.
	Location *time.Location
	Units    Units
	// Stale appends an offline notice to the tooltip.
	Stale bool
}

// Classify buckets a mg/dL value.
func Classify(sgv int) Class {
	switch {
	case sgv < LowThreshold:
		return ClassCriticalLow
	case sgv > HighThreshold:
		return ClassCriticalHigh
	default:
		return ClassNormal
	}
}

// Process derives the display state from a reading batch. It never fails:
// unparseable fields degrade to placeholders. The input slice is not modified.
func Process(readings []nightscout.Reading, opts Options) State {
	if len(readings) == 0 {
		tooltip := TooltipNoData
		if !opts.Configured {
			tooltip = TooltipNotConfigured
		}
		return State{
			ValueText: "?",
			Direction: nightscout.DirectionNone,
			Class:     ClassError,
			Tooltip:   tooltip,
			DeltaText: "Delta: ?",
			AgeMin:    UnknownAge,
		}
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	sorted := nightscout.NewestFirst(readings)
	latest := sorted[0]

	state := State{
		Direction: latest.Direction,
		Stale:     opts.Stale,
		AgeMin:    UnknownAge,
	}

	state.ValueText = latest.SGVText()
	if sgv, err := latest.MgDL(); err != nil {
		state.Class = ClassError
	} else {
		state.Class = Classify(sgv)
		if opts.Units == UnitsMmol {
			state.ValueText = opts.Units.FormatValue(sgv)
		}
	}

	state.DeltaText = "Delta: ?"
	if len(sorted) > 1 {
		if delta, ok := deltaBetween(latest, sorted[1]); ok {
			state.DeltaText = fmt.Sprintf("Delta: %s %s", opts.Units.FormatDelta(delta), opts.Units.Label())
		}
	}

	updated := "Unknown"
	if t, err := latest.Time(); err == nil {
		state.AgeMin = int(now.Sub(t) / time.Minute)
		updated = t.In(loc).Format(TimeLayout)
	}

	lines := []string{
		fmt.Sprintf("Glucose: %s %s", state.ValueText, opts.Units.Label()),
		state.DeltaText,
		fmt.Sprintf("Direction: %s (%s)", latest.Direction, latest.Direction.Glyph()),
		fmt.Sprintf("Updated: %s", updated),
		fmt.Sprintf("Age: %d min ago", state.AgeMin),
	}
	if opts.Stale {
		lines = append(lines, staleNotice)
	}
	state.Tooltip = strings.Join(lines, "\n")
	return state
}

func deltaBetween(latest, previous nightscout.Reading) (int, bool) {
	a, err := latest.MgDL()
	if err != nil {
		return 0, false
	}
	b, err := previous.MgDL()
	if err != nil {
		return 0, false
	}
	return a - b, true
}

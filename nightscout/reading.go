package nightscout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Direction is the trend token reported by Nightscout for an entry.
type Direction string

const (
	DirectionDoubleUp       Direction = "DoubleUp"
	DirectionSingleUp       Direction = "SingleUp"
	DirectionFortyFiveUp    Direction = "FortyFiveUp"
	DirectionFlat           Direction = "Flat"
	DirectionFortyFiveDown  Direction = "FortyFiveDown"
	DirectionSingleDown     Direction = "SingleDown"
	DirectionDoubleDown     Direction = "DoubleDown"
	DirectionNone           Direction = "NONE"
	DirectionNotComputable  Direction = "NOT COMPUTABLE"
	DirectionRateOutOfRange Direction = "RATE OUT OF RANGE"
)

var glyphs = map[Direction]string{
	DirectionDoubleUp:      "↑↑",
	DirectionSingleUp:      "↑",
	DirectionFortyFiveUp:   "↗",
	DirectionFlat:          "→",
	DirectionFortyFiveDown: "↘",
	DirectionSingleDown:    "↓",
	DirectionDoubleDown:    "↓↓",
}

// Glyph returns the arrow text for the direction. NONE, NOT COMPUTABLE,
// RATE OUT OF RANGE and unknown tokens map to the empty string.
func (d Direction) Glyph() string {
	return glyphs[d]
}

// Known reports whether the token belongs to the documented trend set.
func (d Direction) Known() bool {
	switch d {
	case DirectionNone, DirectionNotComputable, DirectionRateOutOfRange:
		return true
	}
	_, ok := glyphs[d]
	return ok
}

// Reading is a single sensor glucose entry as returned by /api/v1/entries.json.
//
// SGV and Date are kept as raw JSON so numeric, string and null encodings
// survive a cache round trip unchanged.
type Reading struct {
	SGV        json.RawMessage `json:"sgv,omitempty"`
	Date       json.RawMessage `json:"date,omitempty"`
	DateString string          `json:"dateString,omitempty"`
	Direction  Direction       `json:"direction,omitempty"`
}

// NewReading builds a reading from typed values. It is mostly useful in tests
// and for synthesising entries.
func NewReading(sgv int, date time.Time, direction Direction) Reading {
	return Reading{
		SGV:       json.RawMessage(strconv.Itoa(sgv)),
		Date:      json.RawMessage(strconv.FormatInt(date.UnixMilli(), 10)),
		Direction: direction,
	}
}

// SGVText returns the glucose value exactly as the server sent it, or "?"
// when the field is absent.
func (r Reading) SGVText() string {
	text, ok := rawText(r.SGV)
	if !ok {
		return "?"
	}
	return text
}

// MgDL parses the glucose value as an integer in mg/dL.
func (r Reading) MgDL() (int, error) {
	text, ok := rawText(r.SGV)
	if !ok {
		return 0, fmt.Errorf("sgv missing")
	}
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, fmt.Errorf("parse sgv %q: %w", text, err)
	}
	return v, nil
}

// DateText returns the entry timestamp as text, preferring "date" and falling
// back to "dateString" when the former is absent or null.
func (r Reading) DateText() string {
	if text, ok := rawText(r.Date); ok {
		return text
	}
	return r.DateString
}

// Time parses the entry timestamp. See ParseTimestamp for accepted forms.
func (r Reading) Time() (time.Time, error) {
	return ParseTimestamp(r.DateText())
}

// sortKey orders entries by timestamp; entries without a usable timestamp
// sort as the epoch.
func (r Reading) sortKey() int64 {
	t, err := r.Time()
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// NewestFirst returns a copy of readings ordered by descending timestamp.
// Entries with equal timestamps keep their input order.
func NewestFirst(readings []Reading) []Reading {
	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].sortKey() > sorted[j].sortKey()
	})
	return sorted
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts epoch milliseconds (all digits) or an ISO-8601
// timestamp. A literal Z suffix is read as +00:00; timestamps without an
// offset are interpreted in the local zone.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "null" {
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
	if isDigits(value) {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch millis %q: %w", value, err)
		}
		return time.UnixMilli(ms), nil
	}
	if strings.HasSuffix(value, "Z") {
		value = strings.TrimSuffix(value, "Z") + "+00:00"
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// rawText unwraps a raw JSON scalar. Strings are unquoted, other values are
// returned verbatim. Missing and null values report false.
func rawText(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return string(trimmed), true
		}
		return s, true
	}
	return string(trimmed), true
}

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/glucotray/nightscout"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "cache.json"), zerolog.Nop())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	readings := []nightscout.Reading{
		nightscout.NewReading(130, now, nightscout.DirectionFlat),
		nightscout.NewReading(125, now.Add(-5*time.Minute), nightscout.DirectionSingleUp),
	}

	require.NoError(t, s.Save(readings))

	reopened := New(s.Path(), zerolog.Nop())
	got, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range readings {
		require.Equal(t, readings[i].SGVText(), got[i].SGVText())
		require.Equal(t, readings[i].DateText(), got[i].DateText())
		require.Equal(t, readings[i].Direction, got[i].Direction)
	}
	require.Equal(t, got, reopened.Current())
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLoadCorruptFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	got, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLoadUnreadablePathReportsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, zerolog.Nop())

	got, err := s.Load()
	require.ErrorIs(t, err, ErrPersistence)
	require.Empty(t, got)
}

func TestPersistWritesBodyVerbatimAndOverwrites(t *testing.T) {
	s := newTestStore(t)
	first := []byte(`[{"sgv":100,"date":1,"direction":"Flat","device":"xDrip"}]`)
	readings, err := nightscout.Decode(first)
	require.NoError(t, err)
	require.NoError(t, s.Persist(first, readings))

	second := []byte(`[{"sgv":"140","dateString":"2024-01-01T10:00:00Z"}]`)
	readings, err = nightscout.Decode(second)
	require.NoError(t, err)
	require.NoError(t, s.Persist(second, readings))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.Equal(t, string(second), string(data))
	require.Len(t, s.Current(), 1)
	require.Equal(t, "140", s.Current()[0].SGVText())
}

func TestPersistCreatesDirectoryAndLeavesNoTempFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "glucotray", "cache", "readings.json")
	s := New(path, zerolog.Nop())

	require.NoError(t, s.Persist([]byte(`[]`), nil))
	require.NoError(t, s.Persist([]byte(`[{"sgv":99}]`), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `[{"sgv":99}]`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	if os.PathSeparator == '/' {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	s := New("", zerolog.Nop())
	require.NoError(t, s.Save([]nightscout.Reading{nightscout.NewReading(90, time.Now(), nightscout.DirectionFlat)}))

	got := s.Current()
	got[0].Direction = nightscout.DirectionDoubleDown

	require.Equal(t, nightscout.DirectionFlat, s.Current()[0].Direction)
}

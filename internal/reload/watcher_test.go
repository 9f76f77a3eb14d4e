package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherTracksMissingFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "config.yaml")

	watcher, err := NewWatcher(missing)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if len(watcher.files) != 1 {
		t.Fatalf("expected 1 tracked file, got %d", len(watcher.files))
	}
	if changed, _ := watcher.Check(); len(changed) != 0 {
		t.Fatalf("expected no changes while file is missing, got %v", changed)
	}

	writeFile(t, missing, "token: abc\n")
	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !reflect.DeepEqual(changed, []string{missing}) {
		t.Fatalf("Check() = %v, want creation of %s", changed, missing)
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	watcher, err := NewWatcher(fileA, fileB, fileA)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !reflect.DeepEqual(changed, []string{fileA, fileB}) {
		t.Fatalf("Check() = %v, want %v", changed, []string{fileA, fileB})
	}

	if err := watcher.Update(); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changed, _ := watcher.Check(); len(changed) != 0 {
		t.Fatalf("expected no changes after Update, got %v", changed)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update(); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

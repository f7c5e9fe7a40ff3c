package reload

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/timzifer/beamio/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "\t", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherTracksConfigSourceAndExtras(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "beamio.yaml")
	schemaFile := filepath.Join(dir, "site.cue")
	writeFile(t, configFile, "devices: []")
	writeFile(t, schemaFile, "#Site: {}")

	watcher, err := NewWatcher(&config.Config{Source: configFile}, schemaFile, filepath.Join(dir, "missing.cue"), dir)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	want := []string{configFile, schemaFile}
	if got := watcher.Files(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Files() = %v, want %v", got, want)
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.cue")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	watcher, err := NewWatcher(&config.Config{Source: fileA}, fileB)
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
	if want := []string{fileA, fileB}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("Check() = %v, want %v", changed, want)
	}

	if err := watcher.Update(&config.Config{Source: fileA}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changed, _ := watcher.Check(); len(changed) != 0 {
		t.Fatalf("expected no changes after Update, got %v", changed)
	}
}

func TestRunReportsChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "beamio.yaml")
	writeFile(t, file, "name: a")
	watcher, err := NewWatcher(&config.Config{Source: file})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan []string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx, 5*time.Millisecond, func(changed []string) {
			_ = watcher.Update(&config.Config{Source: file})
			select {
			case changes <- changed:
			default:
			}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	writeFile(t, file, "name: changed")
	select {
	case changed := <-changes:
		if !reflect.DeepEqual(changed, []string{file}) {
			t.Fatalf("Run() reported %v", changed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change not reported")
	}
	cancel()
	<-done
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update(&config.Config{}); err != nil {
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

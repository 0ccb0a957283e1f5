package keystoneconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mjdilworth/pickle/internal/keystone"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pickle_keystone.conf")

	corners := [4]keystone.Point{
		{X: -1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: -1}, {X: -1, Y: -1},
	}
	if err := Save(path, corners); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != corners {
		t.Fatalf("expected round-trip corners %v, got %v", corners, got)
	}
}

func TestLoadMissingFileReportsNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected an os.IsNotExist error, got %v", err)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	if err := os.WriteFile(path, []byte("not enough floats\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected a parse error for a malformed config")
	}
}

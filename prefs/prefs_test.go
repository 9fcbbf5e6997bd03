package prefs

import (
	"path/filepath"
	"testing"
)

func TestDefaultWhenMissing(t *testing.T) {
	p, err := Open(filepath.Join(t.TempDir(), "prefs.json"))
	if err != nil {
		t.Fatal(err)
	}
	if p.KeepData() {
		t.Error("keepData should default to false")
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	p, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetKeepData(true); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.KeepData() {
		t.Error("keepData not persisted")
	}

	if err := reopened.SetKeepData(false); err != nil {
		t.Fatal(err)
	}
	again, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.KeepData() {
		t.Error("keepData=false not persisted")
	}
}

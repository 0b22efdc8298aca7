package signals

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSignalLifecycle(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	if m.ShouldStop() {
		t.Error("fresh manager reports stop")
	}
	if m.ShouldPause() {
		t.Error("fresh manager reports pause")
	}

	if err := m.SendStop(); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if !m.ShouldStop() {
		t.Error("stop signal not observed")
	}

	if err := m.SendPause(); err != nil {
		t.Fatalf("send pause: %v", err)
	}
	if !m.ShouldPause() {
		t.Error("pause signal not observed")
	}

	m.Clear()
	if m.ShouldStop() || m.ShouldPause() {
		t.Error("signals survive clear")
	}
	if _, err := os.Stat(filepath.Join(m.Dir(), "stop")); !os.IsNotExist(err) {
		t.Error("stop file survives clear")
	}
}

func TestExternalSignalFile(t *testing.T) {
	project := t.TempDir()
	m, err := NewManager(project)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	// A file dropped by another process is picked up through the stat
	// fallback even when the watcher misses it.
	path := filepath.Join(project, ".shardweave", "signals", "stop")
	if err := os.WriteFile(path, []byte("now"), 0644); err != nil {
		t.Fatalf("write signal file: %v", err)
	}
	if !m.ShouldStop() {
		t.Error("external stop file not observed")
	}
}

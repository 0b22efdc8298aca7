// Package signals provides out-of-band run control through signal files
// in the project's .shardweave directory. An operator (or another
// process) drops a "stop" or "pause" file and the running policy loop
// reacts without any direct channel between the two.
package signals

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager watches the project's signal directory for stop/pause files.
type Manager struct {
	dir string

	mu    sync.RWMutex
	stop  bool
	pause bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewManager creates a manager rooted at the project's .shardweave
// directory. When the fsnotify watcher cannot be created the manager
// still works through stat-based polling in ShouldStop/ShouldPause.
func NewManager(projectPath string) (*Manager, error) {
	dir := filepath.Join(projectPath, ".shardweave", "signals")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m := &Manager{
		dir:  dir,
		done: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil
	}
	m.watcher = watcher

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		m.watcher = nil
		return m, nil
	}

	go m.watch()
	return m, nil
}

// watch monitors the signal directory for stop/pause files.
func (m *Manager) watch() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 && event.Op&fsnotify.Write == 0 {
				continue
			}
			m.mu.Lock()
			switch filepath.Base(event.Name) {
			case "stop":
				m.stop = true
			case "pause":
				m.pause = true
			}
			m.mu.Unlock()
		case <-m.watcher.Errors:
			// Keep watching.
		}
	}
}

// ShouldStop returns true if a stop signal has been received. It also
// checks the file directly in case the watcher missed the event.
func (m *Manager) ShouldStop() bool {
	if _, err := os.Stat(filepath.Join(m.dir, "stop")); err == nil {
		m.mu.Lock()
		m.stop = true
		m.mu.Unlock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stop
}

// ShouldPause returns true if a pause signal has been received.
func (m *Manager) ShouldPause() bool {
	if _, err := os.Stat(filepath.Join(m.dir, "pause")); err == nil {
		m.mu.Lock()
		m.pause = true
		m.mu.Unlock()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pause
}

// SendStop creates a stop signal file.
func (m *Manager) SendStop() error {
	return os.WriteFile(filepath.Join(m.dir, "stop"), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates a pause signal file.
func (m *Manager) SendPause() error {
	return os.WriteFile(filepath.Join(m.dir, "pause"), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes all signal files and resets signal state.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stop = false
	m.pause = false

	os.Remove(filepath.Join(m.dir, "stop"))
	os.Remove(filepath.Join(m.dir, "pause"))
}

// Dir returns the signal directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// Close shuts down the watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

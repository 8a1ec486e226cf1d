// Package registry persists session descriptors to a file shared
// across OS processes. The file is always rewritten wholesale via
// write-to-temp-then-rename, so readers never see a partial write.
// Concurrent writers may clobber each other; last write wins.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version is the registry file format version.
const Version = 1

// Entry is the persisted descriptor of one session.
type Entry struct {
	PID              int               `json:"pid"`
	State            string            `json:"state"`
	WorkingDirectory string            `json:"workingDirectory"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	PermissionMode   string            `json:"permissionMode,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	PromptCount      int               `json:"promptCount"`
	// ConversationID threads new processes onto the same agent
	// conversation when a session is adopted.
	ConversationID string `json:"conversationId"`
}

// Snapshot is the whole registry file.
type Snapshot struct {
	Version  int              `json:"version"`
	Sessions map[string]Entry `json:"sessions"`
}

// Watcher is notified after every successful write so observers can
// refresh instead of polling.
type Watcher func(Snapshot)

// File is a handle to the registry at a fixed path. Safe for
// concurrent use within one process; cross-process writers race by
// design.
type File struct {
	path string

	mu       sync.Mutex
	watchers []Watcher
}

func New(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Subscribe registers a watcher invoked after each write.
func (f *File) Subscribe(w Watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, w)
}

// Load reads the current snapshot. A missing file is an empty
// registry, not an error; any other failure propagates, since a
// corrupt registry must not be silently treated as empty.
func (f *File) Load() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

// Save atomically replaces the registry file with snap.
func (f *File) Save(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(snap)
}

func (f *File) save(snap Snapshot) error {
	snap.Version = Version
	if snap.Sessions == nil {
		snap.Sessions = map[string]Entry{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp registry: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing registry: %w", err)
	}

	for _, w := range f.watchers {
		w(snap)
	}
	return nil
}

// Update applies fn to a freshly loaded snapshot and writes the
// result back. The read-modify-write is atomic within this process
// only.
func (f *File) Update(fn func(*Snapshot)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, err := f.loadLocked()
	if err != nil {
		return err
	}
	fn(&snap)
	return f.save(snap)
}

func (f *File) loadLocked() (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Snapshot{Version: Version, Sessions: map[string]Entry{}}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading registry: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parsing registry: %w", err)
	}
	if snap.Sessions == nil {
		snap.Sessions = map[string]Entry{}
	}
	return snap, nil
}

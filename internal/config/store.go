// Package config implements the Config Store: a single JSON document
// holding the persisted subset of entries, written atomically
// (write-to-temp-then-rename) and watched for out-of-band edits via
// fsnotify so drifted config files on disk are noticed while running.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"exeio/internal/process"
)

// document is the on-disk shape: an array of persisted entries under a
// single top-level key.
type document struct {
	Entries []process.Entry `json:"entries"`
}

// Store owns the single JSON document on disk. It is safe for concurrent
// use; writes are serialized by mu, so there is never more than one writer
// touching the file at a time.
type Store struct {
	mu      sync.Mutex
	path    string
	watcher *fsnotify.Watcher
	onDrift func([]process.Entry)
}

// Open prepares a Store at path without requiring the file to exist yet;
// the first Save creates it.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load reads the document at path. A missing file is not an error (first
// run); it is reported as an empty entry set. Duplicate ids within the
// document are a load-level error.
func (s *Store) Load() ([]process.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]process.Entry, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	seen := make(map[string]bool, len(doc.Entries))
	for _, e := range doc.Entries {
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate id %q in config", e.ID)
		}
		seen[e.ID] = true
	}
	return doc.Entries, nil
}

// Save persists entries atomically: write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never leaves
// an unreadable config.
func (s *Store) Save(entries []process.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{Entries: entries}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watch on the config file's directory and calls
// onDrift with the freshly loaded entries whenever the file is written,
// created, or renamed into place. Changes made by this Store's own Save are
// not told apart and reach onDrift too. The Registry, not the file, remains the
// source of truth while the supervisor is running, so onDrift is expected
// to log rather than mutate the live Registry.
func (s *Store) Watch(onDrift func([]process.Entry)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		_ = w.Close()
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	s.mu.Lock()
	s.watcher = w
	s.onDrift = onDrift
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				entries, err := s.Load()
				if err != nil {
					continue
				}
				if s.onDrift != nil {
					s.onDrift(entries)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the drift watcher, if running.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

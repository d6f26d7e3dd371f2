package instances

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store keeps a YAML snapshot of the registry so an agent can report what a
// previous run left on disk.
type Store struct {
	Path string

	mu sync.Mutex // serializes snapshot and write
}

type snapshotFile struct {
	Installations []Record `yaml:"installations"`
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load returns the records of the last snapshot. A missing file is empty.
func (s *Store) Load() ([]Record, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read installations file %q: %w", s.Path, err)
	}

	var f snapshotFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse installations yaml %q: %w", s.Path, err)
	}
	return f.Installations, nil
}

func (s *Store) Save(records []Record) error {
	return s.Update(func() []Record { return records })
}

// Update takes the snapshot and writes it under one lock, so a snapshot
// taken earlier never lands after a later one.
func (s *Store) Update(snapshot func() []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(snapshotFile{Installations: snapshot()})
	if err != nil {
		return fmt.Errorf("marshal installations: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}

	// Atomic write: write temp then rename
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp installations file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp installations file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp installations file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod temp installations file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("rename temp -> installations file: %w", err)
	}

	return nil
}

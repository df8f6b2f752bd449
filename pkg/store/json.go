package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/naralabs/nara/pkg/pipeline"
)

const storeVersion = 1

// storeFile is the on-disk envelope.
type storeFile struct {
	Version   int               `json:"version"`
	UpdatedAt string            `json:"updated_at"`
	Preferred string            `json:"preferred,omitempty"`
	Pipelines []pipeline.Config `json:"pipelines"`
}

// JSONStore persists pipelines to a single JSON file. Every mutation
// rewrites the file atomically (temp file plus rename).
type JSONStore struct {
	mem  *MemoryStore
	path string
}

// NewJSONStore opens or creates the store at path. A missing file is an
// empty store; the file appears on the first mutation.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		mem:  NewMemoryStore(),
		path: path,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var stored storeFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	s.mem.restore(stored.Pipelines, stored.Preferred)
	return nil
}

func (s *JSONStore) save() error {
	list, preferred := s.mem.snapshot()
	stored := storeFile{
		Version:   storeVersion,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Preferred: preferred,
		Pipelines: list,
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *JSONStore) Get(id string) (pipeline.Config, error) {
	return s.mem.Get(id)
}

func (s *JSONStore) List() ([]pipeline.Config, error) {
	return s.mem.List()
}

func (s *JSONStore) Create(cfg pipeline.Config) (pipeline.Config, error) {
	created, err := s.mem.Create(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}
	if err := s.save(); err != nil {
		return pipeline.Config{}, err
	}
	return created, nil
}

func (s *JSONStore) Update(cfg pipeline.Config) (pipeline.Config, error) {
	updated, err := s.mem.Update(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}
	if err := s.save(); err != nil {
		return pipeline.Config{}, err
	}
	return updated, nil
}

func (s *JSONStore) Delete(id string) error {
	if err := s.mem.Delete(id); err != nil {
		return err
	}
	return s.save()
}

func (s *JSONStore) SetPreferred(id string) error {
	if err := s.mem.SetPreferred(id); err != nil {
		return err
	}
	return s.save()
}

func (s *JSONStore) Preferred() string {
	return s.mem.Preferred()
}

// Path returns the file the store persists to.
func (s *JSONStore) Path() string {
	return s.path
}

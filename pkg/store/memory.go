package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/pipeline"
)

// MemoryStore keeps pipelines in memory. Used by tests and as the
// backing table of JSONStore.
type MemoryStore struct {
	mu        sync.RWMutex
	table     map[string]pipeline.Config
	preferred string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{table: make(map[string]pipeline.Config)}
}

func (s *MemoryStore) Get(id string) (pipeline.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (pipeline.Config, error) {
	if id == "" {
		id = s.preferred
		if id == "" {
			return pipeline.Config{}, notFound("")
		}
	}
	cfg, ok := s.table[id]
	if !ok {
		return pipeline.Config{}, notFound(id)
	}
	return cfg, nil
}

func (s *MemoryStore) List() ([]pipeline.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(), nil
}

func (s *MemoryStore) listLocked() []pipeline.Config {
	out := make([]pipeline.Config, 0, len(s.table))
	for _, cfg := range s.table {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) Create(cfg pipeline.Config) (pipeline.Config, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	} else if _, exists := s.table[cfg.ID]; exists {
		return pipeline.Config{}, errorsx.Wrap(
			fmt.Errorf("pipeline already exists: %s", cfg.ID), errorsx.ReasonConfigInvalid)
	}
	s.table[cfg.ID] = cfg
	if s.preferred == "" {
		s.preferred = cfg.ID
	}
	return cfg, nil
}

func (s *MemoryStore) Update(cfg pipeline.Config) (pipeline.Config, error) {
	cfg, err := normalize(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table[cfg.ID]; !ok {
		return pipeline.Config{}, notFound(cfg.ID)
	}
	s.table[cfg.ID] = cfg
	return cfg, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table[id]; !ok {
		return notFound(id)
	}
	if id == s.preferred {
		return errorsx.Wrap(
			errors.New("cannot delete the preferred pipeline"), errorsx.ReasonConfigInvalid)
	}
	delete(s.table, id)
	return nil
}

func (s *MemoryStore) SetPreferred(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table[id]; !ok {
		return notFound(id)
	}
	s.preferred = id
	return nil
}

func (s *MemoryStore) Preferred() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferred
}

// snapshot copies the table for persistence without holding the write
// path open.
func (s *MemoryStore) snapshot() (list []pipeline.Config, preferred string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(), s.preferred
}

// restore replaces the table wholesale. Load-time only.
func (s *MemoryStore) restore(list []pipeline.Config, preferred string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = make(map[string]pipeline.Config, len(list))
	for _, cfg := range list {
		s.table[cfg.ID] = cfg
	}
	s.preferred = preferred
}

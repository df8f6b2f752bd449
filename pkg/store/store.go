package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/pipeline"
)

// ErrNotFound reports a lookup of a pipeline id the store does not hold.
var ErrNotFound = errors.New("pipeline not found")

// Store persists pipeline configurations. Get with an empty id resolves
// the preferred pipeline, which makes every Store a pipeline.ConfigSource.
type Store interface {
	// Get returns the pipeline with the given id, or the preferred
	// pipeline when id is empty.
	Get(id string) (pipeline.Config, error)

	// List returns all pipelines sorted by name.
	List() ([]pipeline.Config, error)

	// Create stores a new pipeline. A missing id is generated. The
	// first pipeline ever created becomes preferred.
	Create(cfg pipeline.Config) (pipeline.Config, error)

	// Update replaces an existing pipeline, matched by id.
	Update(cfg pipeline.Config) (pipeline.Config, error)

	// Delete removes a pipeline. The preferred pipeline cannot be
	// deleted; re-point preference first.
	Delete(id string) error

	// SetPreferred marks the pipeline answering Get("").
	SetPreferred(id string) error

	// Preferred returns the preferred pipeline id, empty when the
	// store is empty.
	Preferred() string
}

// DefaultConfig is the pipeline seeded into an empty store.
func DefaultConfig() pipeline.Config {
	return pipeline.Config{
		Name:     "Home Assistant",
		Language: "en",
	}
}

// EnsureDefault seeds cfg into s when the store holds no pipelines and
// returns the preferred pipeline either way.
func EnsureDefault(s Store, cfg pipeline.Config) (pipeline.Config, error) {
	existing, err := s.List()
	if err != nil {
		return pipeline.Config{}, err
	}
	if len(existing) > 0 {
		return s.Get("")
	}
	created, err := s.Create(cfg)
	if err != nil {
		return pipeline.Config{}, err
	}
	return created, nil
}

func normalize(cfg pipeline.Config) (pipeline.Config, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return cfg, errorsx.Wrap(errors.New("pipeline name is required"), errorsx.ReasonConfigInvalid)
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return cfg, nil
}

func notFound(id string) error {
	if id == "" {
		return errorsx.Wrap(fmt.Errorf("no preferred pipeline: %w", ErrNotFound), errorsx.ReasonPipelineNotFound)
	}
	return errorsx.Wrap(fmt.Errorf("%w: %s", ErrNotFound, id), errorsx.ReasonPipelineNotFound)
}

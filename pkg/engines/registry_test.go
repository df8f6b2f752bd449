package engines

import (
	"context"
	"strings"
	"testing"

	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/errorsx"
)

type fakeWake struct{}

func (fakeWake) ProcessChunk(context.Context, []byte) (*wake.Detection, error) { return nil, nil }
func (fakeWake) Close() error                                                  { return nil }

func TestRegistryResolveByID(t *testing.T) {
	r := NewRegistry()
	r.RegisterWake(Info{ID: "MicroWake", Languages: []string{"en"}}, func() (wake.Engine, error) {
		return fakeWake{}, nil
	})

	eng, info, err := r.WakeEngine("  microwake ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eng == nil || info.ID != "MicroWake" {
		t.Fatalf("unexpected resolution: %+v", info)
	}
}

func TestRegistryUnknownID(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.STTEngine("ghost")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonEngineNotFound) {
		t.Fatalf("expected engine_not_found, got %v", errorsx.Reason(err))
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error should name the id: %v", err)
	}
}

func TestRegistryLanguageScan(t *testing.T) {
	r := NewRegistry()
	r.RegisterWake(Info{ID: "nl-only", Languages: []string{"nl"}}, func() (wake.Engine, error) {
		return fakeWake{}, nil
	})
	r.RegisterWake(Info{ID: "english", Languages: []string{"en-US"}}, func() (wake.Engine, error) {
		return fakeWake{}, nil
	})

	_, info, err := r.WakeEngineForLanguage("en")
	if err != nil {
		t.Fatalf("resolve by language: %v", err)
	}
	if info.ID != "english" {
		t.Fatalf("expected english engine, got %s", info.ID)
	}

	if _, _, err := r.WakeEngineForLanguage("de"); !errorsx.HasReason(err, errorsx.ReasonEngineNotFound) {
		t.Fatalf("expected engine_not_found for de, got %v", err)
	}
}

func TestRegistryLanguageWildcard(t *testing.T) {
	r := NewRegistry()
	r.RegisterWake(Info{ID: "any", Languages: []string{"*"}}, func() (wake.Engine, error) {
		return fakeWake{}, nil
	})
	if _, _, err := r.WakeEngineForLanguage("ja"); err != nil {
		t.Fatalf("wildcard engine should match: %v", err)
	}
}

func TestCatalogSorted(t *testing.T) {
	r := NewRegistry()
	r.RegisterWake(Info{ID: "zeta"}, func() (wake.Engine, error) { return fakeWake{}, nil })
	r.RegisterWake(Info{ID: "alpha"}, func() (wake.Engine, error) { return fakeWake{}, nil })

	c := r.Catalog()
	if len(c.Wake) != 2 || c.Wake[0].ID != "alpha" {
		t.Fatalf("expected sorted catalog, got %+v", c.Wake)
	}
}

package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/pipeline"
)

func sample(name string) pipeline.Config {
	return pipeline.Config{
		Name:               name,
		Language:           "en",
		STTEngine:          "deepgram",
		ConversationEngine: "openai",
		TTSEngine:          "elevenlabs",
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore()

	created, err := s.Create(sample("Kitchen"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("create did not assign an id")
	}
	if s.Preferred() != created.ID {
		t.Fatalf("first pipeline should become preferred")
	}

	// Get by id and by preference resolve to the same pipeline.
	byID, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	byPref, err := s.Get("")
	if err != nil {
		t.Fatalf("get preferred: %v", err)
	}
	if byID.ID != byPref.ID {
		t.Fatalf("preferred lookup returned %s, want %s", byPref.ID, byID.ID)
	}

	created.Name = "Kitchen v2"
	if _, err := s.Update(created); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.Get(created.ID)
	if got.Name != "Kitchen v2" {
		t.Fatalf("update not applied: %q", got.Name)
	}

	second, err := s.Create(sample("Attic"))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	list, _ := s.List()
	if len(list) != 2 || list[0].Name != "Attic" {
		t.Fatalf("list not sorted by name: %+v", list)
	}

	if err := s.Delete(second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(second.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStorePreferredRules(t *testing.T) {
	s := NewMemoryStore()
	a, _ := s.Create(sample("A"))
	b, _ := s.Create(sample("B"))

	if err := s.Delete(a.ID); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("deleting the preferred pipeline must be refused, got %v", err)
	}
	if err := s.SetPreferred(b.ID); err != nil {
		t.Fatalf("set preferred: %v", err)
	}
	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("delete after re-pointing preference: %v", err)
	}
	if err := s.SetPreferred("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set preferred unknown: %v", err)
	}
}

func TestMemoryStoreValidation(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Create(pipeline.Config{Name: "  "}); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("empty name must be rejected, got %v", err)
	}

	created, _ := s.Create(pipeline.Config{Name: "No language"})
	if created.Language != "en" {
		t.Fatalf("language default not applied: %q", created.Language)
	}

	if _, err := s.Create(pipeline.Config{ID: created.ID, Name: "Dup"}); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("duplicate id must be rejected, got %v", err)
	}

	if _, err := s.Get(""); err != nil {
		t.Fatalf("preferred after create: %v", err)
	}
	empty := NewMemoryStore()
	if _, err := empty.Get(""); !errorsx.HasReason(err, errorsx.ReasonPipelineNotFound) {
		t.Fatalf("empty store preferred lookup: %v", err)
	}
}

func TestJSONStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pipelines.json")

	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := s.Create(sample("Kitchen"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, _ := s.Create(sample("Bedroom"))
	if err := s.SetPreferred(b.ID); err != nil {
		t.Fatalf("set preferred: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store file not written: %v", err)
	}

	// A fresh store over the same file sees everything.
	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, _ := reopened.List()
	if len(list) != 2 {
		t.Fatalf("reopened store holds %d pipelines, want 2", len(list))
	}
	if reopened.Preferred() != b.ID {
		t.Fatalf("preference lost across reload")
	}
	got, err := reopened.Get(a.ID)
	if err != nil || got.STTEngine != "deepgram" {
		t.Fatalf("pipeline lost across reload: %+v, %v", got, err)
	}
}

func TestJSONStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONStore(path); err == nil {
		t.Fatalf("corrupt file must fail the open")
	}
}

func TestEnsureDefault(t *testing.T) {
	s := NewMemoryStore()
	cfg, err := EnsureDefault(s, DefaultConfig())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if cfg.ID == "" || s.Preferred() != cfg.ID {
		t.Fatalf("default pipeline not seeded as preferred: %+v", cfg)
	}

	// A second call does not create another pipeline.
	again, err := EnsureDefault(s, DefaultConfig())
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.ID != cfg.ID {
		t.Fatalf("ensure re-seeded: %s vs %s", again.ID, cfg.ID)
	}
	list, _ := s.List()
	if len(list) != 1 {
		t.Fatalf("store holds %d pipelines, want 1", len(list))
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/naralabs/nara/pkg/briefing"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/media"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/store"
)

func testServer(t *testing.T, mutate func(*Deps)) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	deps := Deps{
		Pipelines: st,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(Config{}, deps), st
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, int(5*time.Second/time.Millisecond))
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestPipelineCRUD(t *testing.T) {
	s, _ := testServer(t, nil)

	resp := doJSON(t, s, http.MethodPost, "/api/pipelines", map[string]any{
		"name":                "Kitchen",
		"language":            "en",
		"stt_engine":          "deepgram",
		"conversation_engine": "openai",
		"tts_engine":          "polly",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	created := decodeBody[pipeline.Config](t, resp)
	if created.ID == "" || created.Name != "Kitchen" {
		t.Fatalf("created: %+v", created)
	}

	resp = doJSON(t, s, http.MethodGet, "/api/pipelines/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}
	got := decodeBody[pipeline.Config](t, resp)
	if got.STTEngine != "deepgram" {
		t.Fatalf("got: %+v", got)
	}

	created.Name = "Kitchen Display"
	resp = doJSON(t, s, http.MethodPut, "/api/pipelines/"+created.ID, created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}

	resp = doJSON(t, s, http.MethodGet, "/api/pipelines", nil)
	listed := decodeBody[struct {
		Preferred string            `json:"preferred"`
		Pipelines []pipeline.Config `json:"pipelines"`
	}](t, resp)
	if len(listed.Pipelines) != 1 || listed.Preferred != created.ID {
		t.Fatalf("list: %+v", listed)
	}
	if listed.Pipelines[0].Name != "Kitchen Display" {
		t.Fatalf("update not visible: %+v", listed.Pipelines[0])
	}
}

func TestPipelineCreateRejectsUnknownField(t *testing.T) {
	s, _ := testServer(t, nil)
	resp := doJSON(t, s, http.MethodPost, "/api/pipelines", map[string]any{
		"name":       "Typo",
		"stt_enigne": "deepgram",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPipelineGetUnknownIs404(t *testing.T) {
	s, _ := testServer(t, nil)
	resp := doJSON(t, s, http.MethodGet, "/api/pipelines/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeletePreferredRejected(t *testing.T) {
	s, st := testServer(t, nil)
	created, err := st.Create(pipeline.Config{Name: "Only"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	resp := doJSON(t, s, http.MethodDelete, "/api/pipelines/"+created.ID, nil)
	if resp.StatusCode == http.StatusNoContent {
		t.Fatalf("deleting the preferred pipeline must fail")
	}
}

func TestPreferEndpoint(t *testing.T) {
	s, st := testServer(t, nil)
	first, _ := st.Create(pipeline.Config{Name: "First"})
	second, _ := st.Create(pipeline.Config{Name: "Second"})
	_ = first

	resp := doJSON(t, s, http.MethodPost, "/api/pipelines/"+second.ID+"/prefer", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prefer status %d", resp.StatusCode)
	}
	if st.Preferred() != second.ID {
		t.Fatalf("preferred = %s", st.Preferred())
	}
}

func TestMediaEndpoint(t *testing.T) {
	ms := media.NewStore("/api/media", time.Minute, 8, slog.New(slog.NewTextHandler(io.Discard, nil)))
	token, _, err := ms.Put("run-1", "audio/wav", []byte("wav-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	s, _ := testServer(t, func(d *Deps) { d.Media = ms })

	resp := doJSON(t, s, http.MethodGet, "/api/media/"+token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("media status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "wav-bytes" {
		t.Fatalf("body %q", body)
	}

	resp = doJSON(t, s, http.MethodGet, "/api/media/unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown token status %d", resp.StatusCode)
	}
}

func TestBriefingEndpoint(t *testing.T) {
	svc := briefing.NewService(briefing.Config{
		Password: "opensesame",
		Feeds: map[string][]briefing.Item{
			"morning": {{Title: "Weather", Text: "Sunny"}},
		},
	}, nil)
	s, _ := testServer(t, func(d *Deps) { d.Briefings = svc })

	resp := doJSON(t, s, http.MethodGet, "/api/briefings/morning?password=wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", resp.StatusCode)
	}

	resp = doJSON(t, s, http.MethodGet, "/api/briefings/evening?password=opensesame", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown feed status %d", resp.StatusCode)
	}

	resp = doJSON(t, s, http.MethodGet, "/api/briefings/morning?password=opensesame", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("briefing status %d", resp.StatusCode)
	}
	payloads := decodeBody[[]briefing.Payload](t, resp)
	if len(payloads) != 1 || payloads[0].TitleText != "Weather" || payloads[0].UID == "" {
		t.Fatalf("payloads: %+v", payloads)
	}
}

type fixedCatalog struct{ c engines.Catalog }

func (f fixedCatalog) Catalog() engines.Catalog { return f.c }

func TestEnginesEndpoint(t *testing.T) {
	s, _ := testServer(t, func(d *Deps) {
		d.Engines = fixedCatalog{c: engines.Catalog{
			STT: []engines.Info{{ID: "deepgram"}},
			TTS: []engines.Info{{ID: "polly"}, {ID: "elevenlabs"}},
		}}
	})
	resp := doJSON(t, s, http.MethodGet, "/api/engines", nil)
	cat := decodeBody[engines.Catalog](t, resp)
	if len(cat.STT) != 1 || len(cat.TTS) != 2 {
		t.Fatalf("catalog: %+v", cat)
	}
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t, nil)
	resp := doJSON(t, s, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

type fakeDialer struct {
	to, from string
	err      error
}

func (d *fakeDialer) Dial(_ context.Context, to, from string) (string, error) {
	d.to, d.from = to, from
	if d.err != nil {
		return "", d.err
	}
	return "CA123", nil
}

func TestCallsEndpoint(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := testServer(t, func(d *Deps) { d.Dialer = dialer })

	resp := doJSON(t, s, http.MethodPost, "/api/calls", map[string]any{
		"to": "+15550100", "from": "+15550199",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("dial status %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["call_id"] != "CA123" {
		t.Fatalf("call id: %+v", body)
	}
	if dialer.to != "+15550100" || dialer.from != "+15550199" {
		t.Fatalf("dialer args: %+v", dialer)
	}

	resp = doJSON(t, s, http.MethodPost, "/api/calls", map[string]any{"to": "+15550100"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing from: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCallsEndpointWithoutDialer(t *testing.T) {
	s, _ := testServer(t, nil)
	resp := doJSON(t, s, http.MethodPost, "/api/calls", map[string]any{
		"to": "+15550100", "from": "+15550199",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

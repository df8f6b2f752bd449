package media

import (
	"strings"
	"testing"
	"time"
)

func TestStorePutGet(t *testing.T) {
	s := NewStore("/api/media", time.Minute, 8, nil)
	token, url, err := s.Put("run-1", "audio/mpeg", []byte("mp3-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if token == "" || !strings.HasPrefix(url, "/api/media/") {
		t.Fatalf("bad handle: token=%q url=%q", token, url)
	}

	item, ok := s.Get(token)
	if !ok {
		t.Fatalf("artifact not found")
	}
	if item.MIME != "audio/mpeg" || string(item.Data) != "mp3-bytes" || item.RunID != "run-1" {
		t.Fatalf("artifact mangled: %+v", item)
	}
	if item.Size != len("mp3-bytes") {
		t.Fatalf("size %d", item.Size)
	}

	if _, ok := s.Get("unknown"); ok {
		t.Fatalf("unknown token resolved")
	}
}

func TestStorePutCopiesData(t *testing.T) {
	s := NewStore("/m", time.Minute, 8, nil)
	data := []byte{1, 2, 3}
	token, _, _ := s.Put("run-1", "audio/wav", data)
	data[0] = 9

	item, _ := s.Get(token)
	if item.Data[0] != 1 {
		t.Fatalf("store aliased the caller's slice")
	}
}

func TestStoreExpiry(t *testing.T) {
	s := NewStore("/m", 10*time.Millisecond, 8, nil)
	token, _, _ := s.Put("run-1", "audio/wav", []byte("x"))

	time.Sleep(25 * time.Millisecond)
	if _, ok := s.Get(token); ok {
		t.Fatalf("expired artifact still resolvable")
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("expired artifact still counted: %d", n)
	}
}

func TestStoreEviction(t *testing.T) {
	s := NewStore("/m", time.Minute, 2, nil)
	first, _, _ := s.Put("run-1", "audio/wav", []byte("a"))
	time.Sleep(2 * time.Millisecond)
	s.Put("run-2", "audio/wav", []byte("b"))
	time.Sleep(2 * time.Millisecond)
	s.Put("run-3", "audio/wav", []byte("c"))

	if s.Len() != 2 {
		t.Fatalf("len %d, want 2", s.Len())
	}
	if _, ok := s.Get(first); ok {
		t.Fatalf("oldest artifact should have been evicted")
	}
}

func TestStorePurge(t *testing.T) {
	s := NewStore("/m", 5*time.Millisecond, 8, nil)
	s.Put("run-1", "audio/wav", []byte("a"))
	s.Put("run-2", "audio/wav", []byte("b"))
	time.Sleep(15 * time.Millisecond)

	if n := s.Purge(); n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
}

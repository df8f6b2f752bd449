// Package media keeps synthesized audio retrievable by token for a
// bounded time, so transports can hand clients a URL instead of raw
// bytes.
package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies one stored audio artifact.
type Handle struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	MIME  string `json:"mime"`
	Size  int    `json:"size"`
}

// Item is a stored artifact with its payload.
type Item struct {
	Handle
	RunID    string
	Data     []byte
	StoredAt time.Time
}

const (
	DefaultTTL      = 10 * time.Minute
	DefaultMaxItems = 256
)

// Store holds synthesized audio in memory, keyed by token. Entries
// expire after the TTL; the oldest entries are evicted when the store
// is full. Satisfies pipeline.MediaStore.
type Store struct {
	mu       sync.Mutex
	items    map[string]Item
	urlBase  string
	ttl      time.Duration
	maxItems int
	logger   *slog.Logger
}

// NewStore builds a store serving URLs under urlBase (for example
// "/api/media"). Zero ttl or maxItems select the defaults.
func NewStore(urlBase string, ttl time.Duration, maxItems int, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		items:    make(map[string]Item),
		urlBase:  urlBase,
		ttl:      ttl,
		maxItems: maxItems,
		logger:   logger,
	}
}

// Put stores one artifact and returns its token and URL.
func (s *Store) Put(runID, mime string, data []byte) (token, url string, err error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	token = uuid.NewString()
	url = s.urlBase + "/" + token
	item := Item{
		Handle: Handle{
			Token: token,
			URL:   url,
			MIME:  mime,
			Size:  len(buf),
		},
		RunID:    runID,
		Data:     buf,
		StoredAt: time.Now(),
	}

	s.mu.Lock()
	s.purgeLocked(time.Now())
	for len(s.items) >= s.maxItems {
		s.evictOldestLocked()
	}
	s.items[token] = item
	s.mu.Unlock()
	return token, url, nil
}

// Get returns the artifact for token, or false when it is unknown or
// already expired.
func (s *Store) Get(token string) (Item, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[token]
	if !ok {
		return Item{}, false
	}
	if now.Sub(item.StoredAt) > s.ttl {
		delete(s.items, token)
		return Item{}, false
	}
	return item, true
}

// Purge drops expired artifacts and returns how many were removed.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(time.Now())
}

// Len reports how many artifacts are currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Janitor purges expired artifacts every interval until ctx ends.
func (s *Store) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Purge(); n > 0 {
				s.logger.Debug("media_purged", "removed", n)
			}
		}
	}
}

func (s *Store) purgeLocked(now time.Time) int {
	var removed int
	for token, item := range s.items {
		if now.Sub(item.StoredAt) > s.ttl {
			delete(s.items, token)
			removed++
		}
	}
	return removed
}

func (s *Store) evictOldestLocked() {
	var oldestToken string
	var oldestAt time.Time
	for token, item := range s.items {
		if oldestToken == "" || item.StoredAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = item.StoredAt
		}
	}
	if oldestToken != "" {
		delete(s.items, oldestToken)
	}
}

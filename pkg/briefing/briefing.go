// Package briefing renders flash-briefing feeds: short spoken-news
// items served as JSON to voice platforms. Titles and texts are Go
// templates so feeds can include live values.
package briefing

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnauthorized reports a missing or wrong feed password.
	ErrUnauthorized = errors.New("briefing password rejected")
	// ErrUnknownBriefing reports a feed id with no configuration.
	ErrUnknownBriefing = errors.New("briefing not configured")
)

// updateDateFormat is the timestamp layout the briefing schema expects.
const updateDateFormat = "2006-01-02T15:04:05.0Z"

// Item is one configured feed entry. Title and Text may be templates;
// UID is generated per response when empty.
type Item struct {
	Title      string `json:"title" mapstructure:"title"`
	Text       string `json:"text" mapstructure:"text"`
	Audio      string `json:"audio,omitempty" mapstructure:"audio"`
	DisplayURL string `json:"display_url,omitempty" mapstructure:"display_url"`
	UID        string `json:"uid,omitempty" mapstructure:"uid"`
}

// Payload is one rendered feed entry in the wire schema.
type Payload struct {
	UID            string `json:"uid"`
	UpdateDate     string `json:"updateDate"`
	TitleText      string `json:"titleText,omitempty"`
	MainText       string `json:"mainText,omitempty"`
	StreamURL      string `json:"streamUrl,omitempty"`
	RedirectionURL string `json:"redirectionUrl,omitempty"`
}

// Config wires briefing feeds into the assistant.
type Config struct {
	// Password authenticates feed requests via the query string.
	Password string `mapstructure:"password"`
	// Feeds maps briefing id to its entries.
	Feeds map[string][]Item `mapstructure:"feeds"`
}

// Service resolves and renders configured feeds.
type Service struct {
	password string
	feeds    map[string][]Item
	// data feeds template rendering; nil means only the builtin
	// fields (Now) are available.
	data func() map[string]any
	now  func() time.Time
}

func NewService(cfg Config, data func() map[string]any) *Service {
	return &Service{
		password: cfg.Password,
		feeds:    cfg.Feeds,
		data:     data,
		now:      time.Now,
	}
}

// Authenticate compares the presented password in constant time.
func (s *Service) Authenticate(password string) bool {
	if password == "" || s.password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
}

// Build renders the feed for briefingID. Items render in configured
// order; every payload gets a fresh updateDate and, when the item has
// no UID, a generated one.
func (s *Service) Build(briefingID string) ([]Payload, error) {
	items, ok := s.feeds[briefingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBriefing, briefingID)
	}

	updateDate := s.now().UTC().Format(updateDateFormat)
	payloads := make([]Payload, 0, len(items))
	for i, item := range items {
		title, err := s.render(item.Title)
		if err != nil {
			return nil, fmt.Errorf("briefing %s item %d title: %w", briefingID, i, err)
		}
		text, err := s.render(item.Text)
		if err != nil {
			return nil, fmt.Errorf("briefing %s item %d text: %w", briefingID, i, err)
		}

		uid := item.UID
		if uid == "" {
			uid = uuid.NewString()
		}
		payloads = append(payloads, Payload{
			UID:            uid,
			UpdateDate:     updateDate,
			TitleText:      title,
			MainText:       text,
			StreamURL:      item.Audio,
			RedirectionURL: item.DisplayURL,
		})
	}
	return payloads, nil
}

func (s *Service) render(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New("briefing").Parse(text)
	if err != nil {
		return "", err
	}
	data := map[string]any{"Now": s.now()}
	if s.data != nil {
		for k, v := range s.data() {
			data[k] = v
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/naralabs/nara/pkg/engines/conversation"
)

// ConversationConfig scripts the agent. Replies maps lowercased input
// to a reply; unmatched input is echoed back.
type ConversationConfig struct {
	Replies map[string]string `mapstructure:"replies"`
	// Err fails every Converse call.
	Err error
}

type Conversation struct {
	cfg ConversationConfig

	mu       sync.Mutex
	requests []conversation.Request
}

func NewConversation(cfg ConversationConfig) *Conversation {
	return &Conversation{cfg: cfg}
}

func (c *Conversation) Converse(ctx context.Context, req conversation.Request) (conversation.Response, error) {
	if c.cfg.Err != nil {
		return conversation.Response{}, c.cfg.Err
	}
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if reply, ok := c.cfg.Replies[strings.ToLower(strings.TrimSpace(req.Text))]; ok {
		return conversation.Response{
			Speech: reply,
			Intent: "scripted_reply",
			Data:   map[string]any{"matched": true},
		}, nil
	}
	return conversation.Response{
		Speech: "You said: " + req.Text,
		Intent: "echo",
		Data:   map[string]any{"matched": false},
	}, nil
}

// Requests returns every request seen so far.
func (c *Conversation) Requests() []conversation.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]conversation.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

var _ conversation.Engine = (*Conversation)(nil)

// Package openai provides the conversation engine on the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/logging"
	"github.com/naralabs/nara/pkg/resilience"
)

const defaultPrompt = "You are a voice assistant. Answer briefly; your reply is spoken aloud. " +
	"When the request maps to a device action, prefix your reply with #intent=<action> on the same line."

// Settings configures the OpenAI engine.
type Settings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	// Prompt overrides the builtin system prompt.
	Prompt string `mapstructure:"prompt"`
	// MaxTurns bounds per-conversation history; older turns fall off.
	MaxTurns int           `mapstructure:"max_turns"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Schema validates the settings block.
const Schema = `{
  "type": "object",
  "properties": {
    "api_key": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "base_url": {"type": "string"},
    "prompt": {"type": "string"},
    "max_turns": {"type": "integer", "minimum": 1},
    "timeout": {"type": "string"}
  },
  "required": ["api_key"],
  "additionalProperties": false
}`

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine implements conversation.Engine. Conversation history is kept
// in memory per conversation id, capped at MaxTurns exchanges.
type Engine struct {
	settings Settings
	client   *http.Client
	logger   *slog.Logger
	breaker  *resilience.CircuitBreaker

	mu      sync.Mutex
	history map[string][]message
}

func New(settings Settings) *Engine {
	if settings.Model == "" {
		settings.Model = "gpt-4o-mini"
	}
	if settings.BaseURL == "" {
		settings.BaseURL = "https://api.openai.com/v1"
	}
	if settings.Prompt == "" {
		settings.Prompt = defaultPrompt
	}
	if settings.MaxTurns <= 0 {
		settings.MaxTurns = 16
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 60 * time.Second
	}
	return &Engine{
		settings: settings,
		client:   &http.Client{Timeout: settings.Timeout},
		logger:   logging.NewComponentLogger(slog.Default(), "openai_conversation"),
		breaker:  resilience.NewCircuitBreaker(3, 30*time.Second),
		history:  make(map[string][]message),
	}
}

// Converse sends the request with its conversation history and returns
// the reply. An #intent= marker in the reply is split off into the
// structured response.
func (e *Engine) Converse(ctx context.Context, req conversation.Request) (conversation.Response, error) {
	if !e.breaker.Allow() {
		return conversation.Response{}, errorsx.Wrap(
			fmt.Errorf("openai rate limited, retry in %s", e.breaker.RetryAfter().Round(time.Second)),
			errorsx.ReasonConverseRateLimit)
	}

	messages := e.assemble(req)

	payload, err := json.Marshal(map[string]any{
		"model":    e.settings.Model,
		"messages": messages,
	})
	if err != nil {
		return conversation.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.settings.BaseURL+"/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return conversation.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.settings.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return conversation.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		rl := resilience.RateLimitError{Provider: "openai", Message: string(body)}
		e.breaker.OnError(rl)
		return conversation.Response{}, errorsx.Wrap(rl, errorsx.ReasonConverseRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return conversation.Response{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Choices []struct {
			Message      message `json:"message"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return conversation.Response{}, err
	}
	if len(out.Choices) == 0 {
		return conversation.Response{}, errors.New("openai response has no choices")
	}

	e.breaker.OnSuccess()

	reply := out.Choices[0].Message.Content
	intent, speech := detectIntent(reply)

	e.remember(req.ConversationID, req.Text, reply)
	e.logger.Debug("conversation_turn",
		slog.String("conversation_id", req.ConversationID),
		slog.String("intent", intent),
		slog.Int("reply_len", len(speech)))

	data := map[string]any{}
	if fr := out.Choices[0].FinishReason; fr != "" {
		data["finish_reason"] = fr
	}
	return conversation.Response{
		Speech: speech,
		Intent: intent,
		Data:   data,
	}, nil
}

func (e *Engine) assemble(req conversation.Request) []message {
	prompt := e.settings.Prompt
	if req.Language != "" {
		prompt += " Reply in language: " + req.Language + "."
	}
	messages := []message{{Role: "system", Content: prompt}}

	e.mu.Lock()
	messages = append(messages, e.history[req.ConversationID]...)
	e.mu.Unlock()

	return append(messages, message{Role: "user", Content: req.Text})
}

func (e *Engine) remember(conversationID, userText, reply string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := append(e.history[conversationID],
		message{Role: "user", Content: userText},
		message{Role: "assistant", Content: reply},
	)
	if max := e.settings.MaxTurns * 2; len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	e.history[conversationID] = turns
}

// Forget drops the history of one conversation.
func (e *Engine) Forget(conversationID string) {
	e.mu.Lock()
	delete(e.history, conversationID)
	e.mu.Unlock()
}

// detectIntent splits an "#intent=<name>" marker out of the reply; the
// rest is what gets spoken.
func detectIntent(text string) (intent, speech string) {
	parts := strings.SplitN(text, "#intent=", 2)
	if len(parts) < 2 {
		return "", strings.TrimSpace(text)
	}
	rest := parts[1]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", strings.TrimSpace(text)
	}
	intent = strings.TrimSpace(fields[0])
	speech = strings.TrimSpace(parts[0] + strings.TrimSpace(strings.TrimPrefix(rest, fields[0])))
	return intent, speech
}

var _ conversation.Engine = (*Engine)(nil)

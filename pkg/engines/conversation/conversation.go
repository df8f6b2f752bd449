package conversation

import "context"

// Request carries one user turn into the agent.
type Request struct {
	Text           string
	ConversationID string
	DeviceID       string
	Language       string
}

// Response is the agent's reply for one turn.
type Response struct {
	Speech string
	Intent string
	Data   map[string]any
}

// Engine defines the contract for any conversation agent implementation.
type Engine interface {
	Converse(ctx context.Context, req Request) (Response, error)
}

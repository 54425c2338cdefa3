package ai

import "context"

// Message is one role-tagged turn in the conversation sent to a backend.
// Roles are "user" and "assistant"; providers remap them to their own
// vocabulary where it differs.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the non-streaming chat contract, used for classification and
// other single-shot calls. Implementations return an error on empty backend
// output and never retry.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming
// chat: fragments arrive on the first channel in order, a backend failure on
// the second, and both channels close when the stream ends. Streams are
// finite and not restartable.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Package llm defines the interfaces the scheduler consumes to obtain AI
// generations. Concrete providers and prompt assembly live outside this
// module; the executor only depends on the shapes below.
package llm

import (
	"context"
	"time"

	"github.com/BaSui01/chatflow/types"
)

// Message is one entry of an assembled prompt.
type Message struct {
	Role    types.Role `json:"role"`
	Name    string     `json:"name,omitempty"`
	Content string     `json:"content"`
}

// ChatRequest is the input to a generation call.
type ChatRequest struct {
	TraceID     string        `json:"trace_id,omitempty"`
	Model       string        `json:"model,omitempty"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ChatResponse is a complete generation.
type ChatResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk is one increment of a streamed generation. A non-nil Err
// terminates the stream.
type StreamChunk struct {
	Delta        string       `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Err          *types.Error `json:"error,omitempty"`
}

// Provider is the generation client consumed by the executor. Errors may
// be transient or permanent; the scheduler records them on the run and
// never auto-retries either kind.
type Provider interface {
	// Completion performs a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat request. The returned channel is
	// closed when the stream ends; chunk boundaries are the executor's
	// safe points for cooperative cancellation.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider's unique identifier.
	Name() string
}

// Assembler turns conversation state into model input. historyCutoff is
// the seq of the last message to include; 0 means the full timeline.
type Assembler interface {
	Build(ctx context.Context, conv *types.Conversation, speaker *types.Participant, historyCutoff int64) ([]Message, error)
}

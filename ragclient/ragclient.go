/*
Package ragclient is the thin boundary to the RAG chat backend — the
retrieval, embedding, and LLM invocation pipeline itself is explicitly
out of scope (§1) and appears here only as a cost-reporter: the
orchestrator calls Stream, streams whatever tokens come back, and
reads the reported model/token usage to compute actual cost.
*/
package ragclient

import (
	"context"
)

// Request is the minimal shape the orchestrator hands to the RAG
// backend after sanitization, identification, and all gate checks
// have passed.
type Request struct {
	RequestID   string
	Query       string
	ChatHistory []ChatMessage
}

// ChatMessage is one turn of prior conversation context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports the token accounting the backend observed for a
// completed (or partially completed, on disconnect) dispatch.
type Usage struct {
	Model         string  `json:"model"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	ActualCostUSD float64 `json:"actual_cost_usd"`
}

// Chunk is one unit of the streamed response.
type Chunk struct {
	Text string
	Done bool
}

// Client is the interface the orchestrator dispatches through. A real
// deployment wires this to the actual RAG service (HTTP, gRPC, or an
// in-process call); tests use a fake.
type Client interface {
	// Stream dispatches req and returns a channel of chunks, closed
	// when the backend finishes or ctx is cancelled. The returned
	// function reports final usage once streaming completes; calling
	// it before the stream closes may return an incomplete or zero Usage.
	Stream(ctx context.Context, req Request) (<-chan Chunk, func() Usage, error)
}

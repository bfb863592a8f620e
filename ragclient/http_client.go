package ragclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient dispatches to the RAG backend over HTTP, reading an SSE
// response body where each "data: " line is a JSON-encoded chunk and
// a final "data: [DONE]" line (carrying a usage summary before it)
// ends the stream.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient constructs an HTTPClient bound to the backend's base URL.
func NewHTTPClient(baseURL string, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 0}, // streaming; bounded by the caller's context
		logger:  logger.With().Str("component", "ragclient").Logger(),
	}
}

type wireChunk struct {
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Usage *Usage `json:"usage,omitempty"`
}

// Stream implements Client.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan Chunk, func() Usage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"request_id":   req.RequestID,
		"query":        req.Query,
		"chat_history": req.ChatHistory,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rag request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("build rag request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("rag backend unreachable: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("rag backend returned status %d", resp.StatusCode)
	}

	out := make(chan Chunk, 16)
	usage := &Usage{}
	usageCh := make(chan struct{})

	go func() {
		defer resp.Body.Close()
		defer close(out)
		defer close(usageCh)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return
			}

			var wc wireChunk
			if err := json.Unmarshal([]byte(payload), &wc); err != nil {
				c.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to parse rag backend chunk")
				continue
			}
			if wc.Usage != nil {
				*usage = *wc.Usage
			}

			select {
			case out <- Chunk{Text: wc.Text, Done: wc.Done}:
			case <-ctx.Done():
				return
			}

			if wc.Done {
				return
			}
		}
	}()

	finalUsage := func() Usage {
		select {
		case <-usageCh:
		case <-time.After(100 * time.Millisecond):
		}
		return *usage
	}

	return out, finalUsage, nil
}

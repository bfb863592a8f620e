/*
Package handler implements the HTTP surface over the orchestrator
state machine and the individual gates: chat dispatch (buffered and
streaming), challenge issuance, health/readiness probes, the metrics
passthrough, admin usage introspection, and webhook ingestion.
*/
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/orchestrator"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ragclient"
)

// ChatHandler exposes the chat dispatch endpoints over a Pipeline.
type ChatHandler struct {
	pipeline *orchestrator.Pipeline
	logger   zerolog.Logger
}

// NewChatHandler constructs a ChatHandler.
func NewChatHandler(pipeline *orchestrator.Pipeline, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{pipeline: pipeline, logger: logger.With().Str("component", "chat-handler").Logger()}
}

type chatRequestBody struct {
	Query        string                  `json:"query"`
	ChatHistory  []ragclient.ChatMessage `json:"chat_history"`
	ChallengeID  string                  `json:"challenge_id"`
	TurnstileTok string                  `json:"turnstile_token"`
}

func (h *ChatHandler) parseRequest(r *http.Request) (orchestrator.ChatRequest, error) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return orchestrator.ChatRequest{}, err
	}
	return orchestrator.ChatRequest{
		HTTPRequest:  r,
		Query:        body.Query,
		ChatHistory:  body.ChatHistory,
		ChallengeID:  body.ChallengeID,
		TurnstileTok: body.TurnstileTok,
	}, nil
}

// Chat handles POST /api/v1/chat — buffers the full response before
// replying, for clients that don't want SSE.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body", 0)
		return
	}

	ctx := orchestrator.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
	outcome, err := h.pipeline.HandleChat(ctx, req)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	var text string
	for chunk := range outcome.Chunks {
		text += chunk.Text
	}
	usage := outcome.FinalUsage()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", outcome.RequestID)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request_id": outcome.RequestID,
		"response":   text,
		"usage": map[string]interface{}{
			"model":         usage.Model,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		},
	})
}

// ChatStream handles POST /api/v1/chat/stream — server-sent events,
// generalizing the reference gateway's disconnect-aware SSE loop from
// LLM-provider chunks to the RAG backend's token stream.
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body", 0)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported by server", 0)
		return
	}

	ctx := orchestrator.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
	outcome, err := h.pipeline.HandleChat(ctx, req)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", outcome.RequestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.streamChunks(r.Context(), w, flusher, outcome)
}

// streamChunks writes each chunk as an SSE event, stopping on client
// disconnect (write error, or request context cancellation) without
// losing the final usage reconciliation — FinalUsage is always called
// so the cost guard's estimate record gets replaced, whether or not
// the stream finished cleanly.
func (h *ChatHandler) streamChunks(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, outcome *orchestrator.Outcome) {
	disconnected := false

loop:
	for {
		select {
		case <-ctx.Done():
			disconnected = true
			break loop
		case chunk, ok := <-outcome.Chunks:
			if !ok {
				break loop
			}
			if _, err := io.WriteString(w, "data: "+chunk.Text+"\n\n"); err != nil {
				disconnected = true
				break loop
			}
			flusher.Flush()
			if chunk.Done {
				break loop
			}
		}
	}

	if disconnected {
		h.logger.Debug().Str("request_id", outcome.RequestID).Msg("client disconnected mid-stream")
	} else {
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	outcome.FinalUsage()
}

func writePipelineError(w http.ResponseWriter, err error) {
	var perr *orchestrator.PipelineError
	if !errors.As(err, &perr) {
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error", 0)
		return
	}

	status, errType := statusForKind(perr.Kind)
	writeError(w, status, errType, perr.Error(), perr.RetryAfterSeconds)
}

func statusForKind(k orchestrator.Kind) (int, string) {
	switch k {
	case orchestrator.KindInputTooLong:
		return http.StatusBadRequest, "invalid_request"
	case orchestrator.KindChallengeRequired, orchestrator.KindChallengeInvalid, orchestrator.KindChallengeMismatch:
		return http.StatusUnauthorized, "challenge_required"
	case orchestrator.KindChallengeRateLimited:
		return http.StatusTooManyRequests, "challenge_rate_limited"
	case orchestrator.KindTooManyChallenges:
		return http.StatusTooManyRequests, "too_many_challenges"
	case orchestrator.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case orchestrator.KindBanned:
		return http.StatusForbidden, "banned"
	case orchestrator.KindCostThrottled:
		return http.StatusTooManyRequests, "cost_throttled"
	case orchestrator.KindDailyCapExceeded:
		return http.StatusTooManyRequests, "daily_cap_exceeded"
	case orchestrator.KindDispatchFailed:
		return http.StatusBadGateway, "dispatch_failed"
	default:
		return http.StatusServiceUnavailable, "store_unavailable"
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string, retryAfterSeconds int64) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	w.WriteHeader(status)
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
	if retryAfterSeconds > 0 {
		body["error"].(map[string]interface{})["retry_after_seconds"] = retryAfterSeconds
	}
	json.NewEncoder(w).Encode(body)
}

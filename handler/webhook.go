package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/audit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/webhook"
)

// WebhookHandler authenticates and accepts inbound content-ingestion
// webhooks. The ingestion logic itself (parsing the payload and
// updating the RAG index) lives in the external content pipeline —
// this boundary only authenticates and acknowledges.
type WebhookHandler struct {
	auth   *webhook.Authenticator
	trail  *audit.Trail
	logger zerolog.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(auth *webhook.Authenticator, trail *audit.Trail, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{auth: auth, trail: trail, logger: logger.With().Str("component", "webhook-handler").Logger()}
}

// Ingest handles POST /api/v1/webhooks/content.
func (h *WebhookHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body", 0)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	ts := r.Header.Get("X-Webhook-Timestamp")

	if err := h.auth.Verify(body, sig, ts); err != nil {
		var werr *webhook.Error
		reason := "unknown"
		if errors.As(err, &werr) {
			reason = err.Error()
		}
		h.trail.Record(audit.Event{Kind: audit.KindWebhookReject, Scope: "webhook"})
		h.logger.Warn().Str("reason", reason).Msg("webhook authentication rejected")
		writeError(w, http.StatusUnauthorized, "webhook_unauthorized", reason, 0)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

/*
Package botcheck verifies a Turnstile-compatible challenge-response
token against an external bot-detection service. It never returns an
error to the caller — network failures, timeouts, and parse errors all
collapse into a Result with success=false, reason="unreachable", so
the orchestrator can apply its fail-open-with-degradation policy
uniformly regardless of why verification failed.
*/
package botcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Result is always returned, never an error.
type Result struct {
	Success bool
	Reason  string
}

// Verifier calls the external verification endpoint.
type Verifier struct {
	secretKey string
	verifyURL string
	client    *http.Client
	logger    zerolog.Logger
}

// New constructs a Verifier. An empty verifyURL falls back to
// Cloudflare's production Turnstile endpoint.
func New(secretKey, verifyURL string, logger zerolog.Logger) *Verifier {
	if verifyURL == "" {
		verifyURL = defaultVerifyURL
	}
	return &Verifier{
		secretKey: secretKey,
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: 2 * time.Second},
		logger:    logger.With().Str("component", "botcheck").Logger(),
	}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify POSTs the token and client IP to the verification endpoint.
func (v *Verifier) Verify(ctx context.Context, token, clientIP string) Result {
	if token == "" {
		return Result{Success: false, Reason: "missing_token"}
	}

	form := url.Values{}
	form.Set("secret", v.secretKey)
	form.Set("response", token)
	form.Set("remoteip", clientIP)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		v.logger.Warn().Err(err).Msg("failed to build bot-check request")
		return Result{Success: false, Reason: "unreachable"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn().Err(err).Msg("bot-check request failed")
		return Result{Success: false, Reason: "unreachable"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Success: false, Reason: "unreachable"}
	}

	var parsed verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		v.logger.Warn().Err(err).Msg("bot-check response parse failed")
		return Result{Success: false, Reason: "unreachable"}
	}

	if !parsed.Success {
		reason := "verification_failed"
		if len(parsed.ErrorCodes) > 0 {
			reason = parsed.ErrorCodes[0]
		}
		return Result{Success: false, Reason: reason}
	}

	return Result{Success: true}
}

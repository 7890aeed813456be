package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"buildline/internal/engine"
)

const (
	agentWebhookPath = "webhooks/agent"
	// SignatureHeader carries "sha256=<hex hmac of the raw body>".
	SignatureHeader = "X-Buildline-Signature"
)

// SignPayload returns the SignatureHeader value for body.
func SignPayload(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, errors.New("webhook secret is empty")
	}
	if signatureHeader == "" {
		return false, errors.New("signature header missing")
	}
	algo, sigHex, ok := strings.Cut(signatureHeader, "=")
	if !ok {
		return false, errors.New("signature header malformed")
	}
	if algo != "sha256" {
		return false, fmt.Errorf("unsupported signature algorithm %q", algo)
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature hex decode failed: %w", err)
	}
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write(body)
	return hmac.Equal(sigBytes, h.Sum(nil)), nil
}

func webhookBody(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

// registerAgentWebhook mounts the agent callback outside Huma: the signature
// covers the raw body, so it must be verified before any decoding.
func registerAgentWebhook(r chi.Router, basePath string, e engine.Engine, secret string) {
	logger := e.Logger
	r.Post(path.Join(basePath, agentWebhookPath), func(w http.ResponseWriter, req *http.Request) {
		if secret == "" {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "webhook_disabled", "webhook secret not configured", nil))
			return
		}
		body := webhookBody(req.Context())
		ok, err := VerifySignature(secret, body, req.Header.Get(SignatureHeader))
		if err != nil || !ok {
			if logger != nil {
				logger.Warn("webhook signature rejected", "err", err)
			}
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "invalid webhook signature", nil))
			return
		}
		var evt engine.WebhookEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid webhook payload", map[string]any{"error": err.Error()}))
			return
		}
		res, err := e.ProcessWebhook(req.Context(), evt)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
}

// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package validate exposes a standalone token check for callers that need an
// authorization decision without proxying anything. Unlike the proxy, which
// deliberately collapses every authentication failure into one generic
// response, this endpoint exists to be diagnostic and reports failures with
// full granularity.
package validate

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/barrix-gateway/pkg/auth"
	"github.com/go-core-stack/barrix-gateway/pkg/metrics"
)

// HeaderToken mirrors the proxy's token header so the plugin can reuse one
// credential path for both endpoints.
const HeaderToken = "x-barrix-token"

// Handler validates signed tokens and maps the verified plan to an uncapped
// flag via the configured allowlist. This is the only place plan-to-capability
// mapping happens.
type Handler struct {
	verifier      *auth.Verifier
	uncappedPlans map[string]struct{}
	collector     *metrics.Collector
	logger        zerolog.Logger
}

// New constructs the validation handler. uncappedPlans is the set of plan
// identifiers exempt from usage caps.
func New(verifier *auth.Verifier, uncappedPlans map[string]struct{}, collector *metrics.Collector) *Handler {
	return &Handler{
		verifier:      verifier,
		uncappedPlans: uncappedPlans,
		collector:     collector,
		logger:        log.With().Str("component", "validate").Logger(),
	}
}

// result is the response body shape for every branch of the endpoint.
type result struct {
	Valid    bool        `json:"valid"`
	Payload  auth.Claims `json:"payload,omitempty"`
	Uncapped *bool       `json:"uncapped,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ServeHTTP accepts the token from the "token" query parameter or the token
// header and reports the verification outcome.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "valid"
	defer func() {
		h.collector.ObserveRequest("validate", outcome, time.Since(start))
	}()

	if r.Method != http.MethodGet {
		outcome = "method_not_allowed"
		w.Header().Set("Allow", http.MethodGet)
		respond(w, http.StatusMethodNotAllowed, result{Valid: false, Error: "Method not allowed"})
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get(HeaderToken)
	}
	if token == "" {
		outcome = "token_missing"
		respond(w, http.StatusBadRequest, result{Valid: false, Error: "Token missing"})
		return
	}

	if h.verifier.Secret == "" {
		outcome = "misconfigured"
		h.logger.Error().Msg("validation requested but no token secret is configured")
		respond(w, http.StatusInternalServerError, result{Valid: false, Error: "Server misconfigured: missing token secret"})
		return
	}

	decision := h.verifier.Verify(token)
	switch {
	case decision.OK:
		uncapped := h.isUncapped(decision.Claims)
		respond(w, http.StatusOK, result{Valid: true, Payload: decision.Claims, Uncapped: &uncapped})
	case decision.Reason == auth.ErrInvalidSignature:
		outcome = "invalid_signature"
		respond(w, http.StatusForbidden, result{Valid: false, Error: "Invalid signature"})
	case decision.Reason == auth.ErrTokenExpired:
		outcome = "token_expired"
		// The expired payload is returned on purpose so the plugin can show
		// the user which plan their lapsed token carried.
		respond(w, http.StatusForbidden, result{Valid: false, Payload: decision.Claims, Error: "Token expired"})
	default:
		outcome = "malformed_token"
		respond(w, http.StatusBadRequest, result{Valid: false, Error: "Invalid token"})
	}
}

func (h *Handler) isUncapped(claims auth.Claims) bool {
	_, ok := h.uncappedPlans[claims.Plan()]
	return ok
}

func respond(w http.ResponseWriter, status int, body result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

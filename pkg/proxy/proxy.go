// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/barrix-gateway/pkg/auth"
	"github.com/go-core-stack/barrix-gateway/pkg/config"
	"github.com/go-core-stack/barrix-gateway/pkg/metrics"
)

const (
	// HeaderSecret carries the long-lived shared secret of a trusted install.
	HeaderSecret = "x-barrix-secret"
	// HeaderToken carries a short-lived signed token minted by the plugin
	// backend.
	HeaderToken = "x-barrix-token"

	// maxErrBody caps how much of an upstream error body is read back and
	// surfaced to the caller.
	maxErrBody = 64 * 1024

	// relayBufSize is the read buffer for the streaming relay loop. Each read
	// is forwarded and flushed immediately, so the buffer bounds chunk size,
	// not latency.
	relayBufSize = 32 * 1024
)

// Proxy authenticates plugin requests and relays chat-completion streams from
// the upstream AI provider.
type Proxy struct {
	// cfg keeps runtime knobs such as the upstream endpoint and secrets.
	cfg config.Config
	// client performs outbound HTTP requests with tuned transport settings.
	client *http.Client
	// verifier checks signed bearer tokens against the shared secret.
	verifier *auth.Verifier
	// collector records request outcomes and relayed byte counts.
	collector *metrics.Collector
	// logger emits structured logs for observability.
	logger zerolog.Logger
}

// New constructs a Proxy backed by an http.Client configured with sensible
// connection pooling defaults and the provided runtime configuration.
func New(cfg config.Config, verifier *auth.Verifier, collector *metrics.Collector) *Proxy {
	// Build a transport that honours system proxies and keeps connections warm.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}

	client := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
	}

	return &Proxy{
		cfg:       cfg,
		client:    client,
		verifier:  verifier,
		collector: collector,
		logger:    log.With().Str("component", "proxy").Logger(),
	}
}

// ServeHTTP runs the full request lifecycle: authenticate, build or pass
// through the upstream payload, call the provider, and relay the stream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := p.logger.With().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	outcome := "success"
	defer func() {
		p.collector.ObserveRequest("proxy", outcome, time.Since(start))
	}()

	if r.Method != http.MethodPost {
		outcome = "method_not_allowed"
		w.Header().Set("Allow", http.MethodPost)
		respondJSON(w, http.StatusMethodNotAllowed, errBody{Error: "Method not allowed"})
		return
	}

	if p.cfg.SharedSecret == "" || (p.cfg.ProviderKey == "" && !headersCarryAuthorization(p.cfg.UpstreamHeaders())) {
		outcome = "misconfigured"
		event.Error().Msg("proxy misconfigured: missing shared secret or provider credentials")
		respondJSON(w, http.StatusInternalServerError, errBody{Error: "Server misconfigured: missing API credentials"})
		return
	}

	if reason, ok := p.authenticate(r); !ok {
		outcome = "forbidden"
		// The response is deliberately generic: callers must not be able to
		// distinguish a missing credential from a bad or expired one.
		event.Warn().Str("reason", reason).Msg("request rejected")
		respondJSON(w, http.StatusForbidden, errBody{Error: "Forbidden"})
		return
	}

	var req gatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		outcome = "bad_request"
		event.Warn().Err(err).Msg("invalid request body")
		respondJSON(w, http.StatusBadRequest, errBody{Error: "Invalid JSON body"})
		return
	}

	endpoint := p.cfg.UpstreamEndpoint
	var body []byte
	if req.passthrough() {
		body = req.UpstreamPayload
		if req.Endpoint != "" {
			endpoint = req.Endpoint
		}
	} else {
		encoded, err := json.Marshal(buildChatPayload(&req, p.cfg.DefaultModel))
		if err != nil {
			outcome = "internal_error"
			event.Error().Err(err).Msg("encode upstream payload")
			respondJSON(w, http.StatusInternalServerError, errBody{Error: "Internal error"})
			return
		}
		body = encoded
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		outcome = "bad_request"
		event.Warn().Err(err).Str("endpoint", endpoint).Msg("build upstream request")
		respondJSON(w, http.StatusBadRequest, errBody{Error: "Invalid upstream endpoint"})
		return
	}
	p.applyUpstreamHeaders(upstreamReq.Header)

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		// Transport failure before any response object exists is reported
		// the same way as an upstream rejection.
		outcome = "upstream_error"
		p.collector.ObserveUpstreamError(0)
		event.Error().Err(err).Dur("duration", time.Since(start)).Msg("upstream call failed")
		respondJSON(w, http.StatusBadGateway, errBody{Error: "Upstream request failed"})
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			event.Error().Err(closeErr).Msg("close upstream response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		outcome = "upstream_error"
		p.collector.ObserveUpstreamError(resp.StatusCode)
		// Read the error body defensively: a read failure must never mask
		// the upstream status we already hold.
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		if readErr != nil {
			event.Error().Err(readErr).Int("status", resp.StatusCode).Msg("failed to read upstream error body")
			payload = nil
		}
		event.Warn().Int("status", resp.StatusCode).Bytes("upstream_body", payload).Msg("upstream returned error")
		respondJSON(w, http.StatusBadGateway, upstreamErrBody{
			Error:  "Upstream returned an error",
			Status: resp.StatusCode,
			Body:   string(payload),
		})
		return
	}

	if !p.relay(w, resp.Body, event) {
		outcome = "stream_interrupted"
		return
	}

	event.Info().Dur("duration", time.Since(start)).Msg("stream complete")
}

// authenticate applies the two accepted credentials in order: the shared
// secret header first, then a signed token. It returns the failure reason for
// logging; the HTTP response stays generic either way.
func (p *Proxy) authenticate(r *http.Request) (string, bool) {
	if secret := r.Header.Get(HeaderSecret); secret != "" {
		// Symmetric comparison against our own secret, but constant time
		// costs nothing here.
		if subtle.ConstantTimeCompare([]byte(secret), []byte(p.cfg.SharedSecret)) == 1 {
			return "", true
		}
	}

	token := r.Header.Get(HeaderToken)
	if token == "" {
		return "credential missing", false
	}

	decision := p.verifier.Verify(token)
	if !decision.OK {
		return decision.Reason.String(), false
	}
	return "", true
}

// applyUpstreamHeaders merges the operator-configured default headers with
// the automatically injected Authorization and Content-Type values. Operator
// headers win; injection only fills gaps.
func (p *Proxy) applyUpstreamHeaders(h http.Header) {
	for k, v := range p.cfg.UpstreamHeaders() {
		h.Set(k, v)
	}
	if h.Get("Authorization") == "" && p.cfg.ProviderKey != "" {
		h.Set("Authorization", "Bearer "+p.cfg.ProviderKey)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
}

// relay forwards the upstream body to the caller chunk by chunk, flushing
// after every write so bytes reach the plugin as soon as the provider emits
// them. It reports false when the stream terminated abnormally. Once the
// event-stream headers are committed no structured error body can follow; an
// interrupted stream is simply closed.
func (p *Proxy) relay(w http.ResponseWriter, src io.Reader, event zerolog.Logger) bool {
	flusher, ok := w.(http.Flusher)
	if !ok {
		event.Error().Msg("response writer does not support flushing for SSE")
		respondJSON(w, http.StatusInternalServerError, errBody{Error: "Streaming unsupported"})
		return false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, relayBufSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// The caller went away; stop consuming upstream output.
				event.Warn().Err(writeErr).Msg("caller write failed mid-stream")
				return false
			}
			flusher.Flush()
			p.collector.AddRelayBytes(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return true
			}
			event.Warn().Err(readErr).Msg("upstream read failed mid-stream")
			return false
		}
	}
}

type errBody struct {
	Error string `json:"error"`
}

type upstreamErrBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// respondJSON writes a JSON response with the given status. Encoding errors
// are ignored: by the time they can occur the status line is already gone.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// headersCarryAuthorization reports whether the operator headers already set
// an Authorization value, which makes a missing provider key acceptable.
func headersCarryAuthorization(headers map[string]string) bool {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == "Authorization" && v != "" {
			return true
		}
	}
	return false
}

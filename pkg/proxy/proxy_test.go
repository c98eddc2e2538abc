// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/barrix-gateway/pkg/auth"
	"github.com/go-core-stack/barrix-gateway/pkg/config"
	"github.com/go-core-stack/barrix-gateway/pkg/metrics"
)

const testSecret = "shared-secret"

func testConfig(upstream string) config.Config {
	return config.Config{
		ListenAddr:       "127.0.0.1:0",
		SharedSecret:     testSecret,
		ProviderKey:      "sk-provider",
		UpstreamEndpoint: upstream,
		DefaultModel:     "gpt-4o-mini",
		RequestTimeout:   5 * time.Second,
		LogLevel:         "info",
	}
}

func newTestProxy(cfg config.Config) *Proxy {
	return New(cfg, auth.NewVerifier(cfg.SharedSecret), metrics.New())
}

func mintToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	seg := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(seg))
	return seg + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// captureUpstream records the last request it received and answers with a
// fixed body.
type captureUpstream struct {
	body    []byte
	headers http.Header
	answer  string
}

func (c *captureUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.body, _ = io.ReadAll(r.Body)
		c.headers = r.Header.Clone()
		_, _ = io.WriteString(w, c.answer)
	})
}

func doProxy(p *Proxy, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestMethodNotAllowed(t *testing.T) {
	p := newTestProxy(testConfig("http://127.0.0.1:0"))

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec := doProxy(p, httptest.NewRequest(method, "/proxy", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	}
}

func TestForbiddenResponsesAreIndistinguishable(t *testing.T) {
	p := newTestProxy(testConfig("http://127.0.0.1:0"))

	expired := mintToken(t, testSecret, map[string]any{"exp": time.Now().Unix() - 60})
	tampered := mintToken(t, "wrong-secret", map[string]any{"exp": time.Now().Unix() + 3600})

	cases := map[string]func(r *http.Request){
		"no credentials":  func(r *http.Request) {},
		"wrong secret":    func(r *http.Request) { r.Header.Set(HeaderSecret, "nope") },
		"malformed token": func(r *http.Request) { r.Header.Set(HeaderToken, "garbage") },
		"bad signature":   func(r *http.Request) { r.Header.Set(HeaderToken, tampered) },
		"expired token":   func(r *http.Request) { r.Header.Set(HeaderToken, expired) },
	}

	var bodies []string
	for name, prepare := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
			prepare(req)
			rec := doProxy(p, req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			bodies = append(bodies, rec.Body.String())
		})
	}

	// Every rejection carries the identical generic body; the failure mode
	// must not leak to the caller.
	for _, b := range bodies {
		assert.JSONEq(t, `{"error":"Forbidden"}`, b)
	}
}

func TestMisconfiguredWithoutSecret(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.SharedSecret = ""
	p := newTestProxy(cfg)

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	rec := doProxy(p, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Server misconfigured")
}

func TestMisconfiguredWithoutProviderCredentials(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.ProviderKey = ""
	p := newTestProxy(cfg)

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOperatorAuthorizationHeaderSatisfiesMisconfigCheck(t *testing.T) {
	upstream := &captureUpstream{answer: "ok"}
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ProviderKey = ""
	cfg.UpstreamHeadersJSON = `{"Authorization":"Bearer operator-key"}`
	p := newTestProxy(cfg)

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer operator-key", upstream.headers.Get("Authorization"))
}

func TestInvalidJSONBody(t *testing.T) {
	p := newTestProxy(testConfig("http://127.0.0.1:0"))

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader("{not json"))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildsBareChatPayload(t *testing.T) {
	upstream := &captureUpstream{answer: "data: {}\n\n"}
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	p := newTestProxy(testConfig(srv.URL))

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload chatPayload
	require.NoError(t, json.Unmarshal(upstream.body, &payload))

	require.Len(t, payload.Messages, 1)
	assert.Equal(t, chatMessage{Role: "user", Content: "hi"}, payload.Messages[0])
	assert.Equal(t, "gpt-4o-mini", payload.Model)
	assert.Equal(t, defaultMaxTokens, payload.MaxTokens)
	assert.Equal(t, defaultTemperature, payload.Temperature)
	assert.True(t, payload.Stream)

	assert.Equal(t, "Bearer sk-provider", upstream.headers.Get("Authorization"))
	assert.Equal(t, "application/json", upstream.headers.Get("Content-Type"))
}

func TestChatPayloadMessageOrder(t *testing.T) {
	upstream := &captureUpstream{answer: "data: {}\n\n"}
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	p := newTestProxy(testConfig(srv.URL))

	body := map[string]any{
		"prompt":       "explain this",
		"systemPrompt": "You are a coding assistant.",
		"model":        "gpt-4o",
		"activeFile":   map[string]string{"path": "a.js", "content": "console.log(1)"},
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(string(encoded)))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload chatPayload
	require.NoError(t, json.Unmarshal(upstream.body, &payload))

	require.Len(t, payload.Messages, 4)
	assert.Equal(t, chatMessage{Role: "system", Content: "You are a coding assistant."}, payload.Messages[0])
	assert.Equal(t, chatMessage{Role: "system", Content: "Active file path: a.js"}, payload.Messages[1])
	assert.Equal(t, chatMessage{Role: "system", Content: "Active file contents:\nconsole.log(1)"}, payload.Messages[2])
	assert.Equal(t, chatMessage{Role: "user", Content: "explain this"}, payload.Messages[3])
	assert.Equal(t, "gpt-4o", payload.Model)
}

func TestOversizedActiveFileContentOmitted(t *testing.T) {
	upstream := &captureUpstream{answer: "data: {}\n\n"}
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	p := newTestProxy(testConfig(srv.URL))

	body := map[string]any{
		"prompt":     "hi",
		"activeFile": map[string]string{"path": "a.js", "content": strings.Repeat("x", 2500)},
	}
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(string(encoded)))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload chatPayload
	require.NoError(t, json.Unmarshal(upstream.body, &payload))

	// The oversized contents are dropped entirely, never truncated, but the
	// path message survives.
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "Active file path: a.js"}, payload.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "hi"}, payload.Messages[1])
}

func TestTokenAuthReachesUpstream(t *testing.T) {
	upstream := &captureUpstream{answer: "data: {}\n\n"}
	srv := httptest.NewServer(upstream.handler())
	defer srv.Close()

	p := newTestProxy(testConfig(srv.URL))

	token := mintToken(t, testSecret, map[string]any{"exp": time.Now().Unix() + 3600, "plan": "pro"})
	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderToken, token)
	rec := doProxy(p, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPassthroughPayloadAndEndpointOverride(t *testing.T) {
	deflt := &captureUpstream{answer: "default"}
	defaultSrv := httptest.NewServer(deflt.handler())
	defer defaultSrv.Close()

	override := &captureUpstream{answer: "override"}
	overrideSrv := httptest.NewServer(override.handler())
	defer overrideSrv.Close()

	p := newTestProxy(testConfig(defaultSrv.URL))

	raw := `{"model":"claude-3","messages":[{"role":"user","content":"raw"}],"stream":true,"custom":{"a":1}}`
	body := `{"upstreamPayload":` + raw + `,"endpoint":"` + overrideSrv.URL + `"}`

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(body))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "override", rec.Body.String())
	assert.Nil(t, deflt.body)
	// Passthrough bodies are forwarded byte for byte.
	assert.JSONEq(t, raw, string(override.body))
}

func TestUpstreamErrorSurfacedAs502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "rate limited")
	}))
	defer srv.Close()

	p := newTestProxy(testConfig(srv.URL))

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	var body upstreamErrBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusTooManyRequests, body.Status)
	assert.Equal(t, "rate limited", body.Body)
}

func TestUpstreamTransportErrorIs502(t *testing.T) {
	// A server that is immediately closed guarantees a connection failure.
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	p := newTestProxy(testConfig(target))

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Upstream request failed")
}

func TestStreamFramingHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: one\n\ndata: two\n\n")
	}))
	defer srv.Close()

	p := newTestProxy(testConfig(srv.URL))

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set(HeaderSecret, testSecret)
	rec := doProxy(p, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "data: one\n\ndata: two\n\n", rec.Body.String())
}

// scriptedStream yields one configured chunk per Read call, the way a chunked
// upstream body surfaces data.
type scriptedStream struct {
	chunks [][]byte
	err    error
	i      int
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.i >= len(s.chunks) {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.chunks[s.i])
	s.i++
	return n, nil
}

// chunkRecorder captures each Write as a distinct chunk so boundary
// preservation can be asserted.
type chunkRecorder struct {
	header  http.Header
	status  int
	chunks  [][]byte
	flushes int
	failAt  int // fail writes once this many chunks are recorded (0 = never)
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{header: make(http.Header)}
}

func (r *chunkRecorder) Header() http.Header { return r.header }

func (r *chunkRecorder) WriteHeader(code int) { r.status = code }

func (r *chunkRecorder) Write(b []byte) (int, error) {
	if r.failAt > 0 && len(r.chunks) >= r.failAt {
		return 0, errors.New("client gone")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	r.chunks = append(r.chunks, cp)
	return len(b), nil
}

func (r *chunkRecorder) Flush() { r.flushes++ }

func TestRelayPreservesChunkBoundaries(t *testing.T) {
	p := newTestProxy(testConfig("http://127.0.0.1:0"))

	src := &scriptedStream{chunks: [][]byte{
		[]byte("data: {\"delta\":\"he"),
		[]byte("llo\"}\n\n"),
		[]byte("data: [DONE]\n\n"),
	}}
	rec := newChunkRecorder()

	ok := p.relay(rec, src, p.logger)
	require.True(t, ok)

	assert.Equal(t, http.StatusOK, rec.status)
	require.Len(t, rec.chunks, 3)
	assert.Equal(t, src.chunks, rec.chunks)
	// One flush per chunk plus the header flush.
	assert.Equal(t, 4, rec.flushes)
}

func TestRelayStopsWhenCallerWriteFails(t *testing.T) {
	p := newTestProxy(testConfig("http://127.0.0.1:0"))

	src := &scriptedStream{chunks: [][]byte{
		[]byte("chunk-1"),
		[]byte("chunk-2"),
		[]byte("chunk-3"),
	}}
	rec := newChunkRecorder()
	rec.failAt = 1

	ok := p.relay(rec, src, p.logger)
	assert.False(t, ok)
	// The relay must stop consuming upstream output once the caller is gone.
	assert.Equal(t, 2, src.i)
	require.Len(t, rec.chunks, 1)
	assert.Equal(t, "chunk-1", string(rec.chunks[0]))
}

func TestRelayReportsUpstreamReadFailure(t *testing.T) {
	p := newTestProxy(testConfig("http://127.0.0.1:0"))

	src := &scriptedStream{
		chunks: [][]byte{[]byte("partial")},
		err:    errors.New("connection reset"),
	}
	rec := newChunkRecorder()

	ok := p.relay(rec, src, p.logger)
	assert.False(t, ok)
	// Partial output stays as written; no structured error follows it.
	require.Len(t, rec.chunks, 1)
	assert.Equal(t, "partial", string(rec.chunks[0]))
}

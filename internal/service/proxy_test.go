package service

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aperture-proxy/internal/client"
	"aperture-proxy/internal/config"
	"aperture-proxy/internal/events"
	"aperture-proxy/internal/model"
	"aperture-proxy/internal/upstream"
)

// recordingNotifier keeps every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingNotifier) Notify(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	svc      *ProxyService
	notifier *recordingNotifier
	logs     *syncBuffer
}

// newTestEnv builds a service that sends both providers to the given upstreams.
func newTestEnv(t *testing.T, anthropicURL, openAIURL string) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{BodyMaxBytes: config.DefaultBodyMaxBytes},
		Upstream: config.UpstreamConfig{
			AnthropicURL:    anthropicURL,
			OpenAIURL:       openAIURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Events: config.EventsConfig{ProgressIntervalMillis: 1},
	}

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := client.NewUpstreamClient(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	n := &recordingNotifier{}
	svc, err := NewProxyService(c, cfg, n, nil, logger)
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}
	return &testEnv{svc: svc, notifier: n, logs: logs}
}

// serve runs the pipeline and writes a classified error response on failure.
func (e *testEnv) serve(w http.ResponseWriter, r *http.Request) {
	if err := e.svc.Proxy(w, model.NewProxyRequest(r, "req-1")); err != nil {
		status, msg := Classify(err)
		http.Error(w, msg, status)
	}
}

func TestProxy_RoundTripIsByteExact(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	var gotBody []byte
	var gotPath, gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-Api-Key")

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Add("X-Multi", "one")
		w.Header().Add("X-Multi", "two")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages/a%2Fb?beta=true", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Api-Key", "k1")
	rec := httptest.NewRecorder()
	env.serve(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Error("response body differs from upstream body")
	}
	if got := rec.Header().Values("X-Multi"); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("X-Multi = %v, want [one two]", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "4096" {
		t.Errorf("Content-Length = %q, want %q", got, "4096")
	}

	if string(gotBody) != `{"a":1}` {
		t.Errorf("upstream body = %q, want %q", gotBody, `{"a":1}`)
	}
	if gotPath != "/v1/messages/a%2Fb" {
		t.Errorf("upstream path = %q, want %q", gotPath, "/v1/messages/a%2Fb")
	}
	if gotQuery != "beta=true" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "beta=true")
	}
	if gotKey != "k1" {
		t.Errorf("upstream X-Api-Key = %q, want credentials passed through", gotKey)
	}
}

func TestProxy_RoutesByProvider(t *testing.T) {
	var anthropicHits, openAIHits atomic.Int32
	anthropicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		anthropicHits.Add(1)
	}))
	defer anthropicSrv.Close()
	openAISrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		openAIHits.Add(1)
	}))
	defer openAISrv.Close()

	env := newTestEnv(t, anthropicSrv.URL, openAISrv.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Api-Key", "k1")
	env.serve(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer sk-test")
	env.serve(httptest.NewRecorder(), req)

	if anthropicHits.Load() != 1 {
		t.Errorf("anthropic hits = %d, want 1", anthropicHits.Load())
	}
	if openAIHits.Load() != 1 {
		t.Errorf("openai hits = %d, want 1", openAIHits.Load())
	}

	captured := env.notifier.byType(events.TypeRequestCaptured)
	if len(captured) != 2 {
		t.Fatalf("request_captured events = %d, want 2", len(captured))
	}
	if captured[0].Provider != string(upstream.ProviderAnthropic) || captured[1].Provider != string(upstream.ProviderOpenAI) {
		t.Errorf("providers = %q, %q", captured[0].Provider, captured[1].Provider)
	}
}

func TestProxy_OversizedBodyNeverForwarded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)
	body := bytes.Repeat([]byte("x"), 11*1024*1024)

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"declared length", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
		}},
		{"unknown length", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/v1/messages", io.NopCloser(bytes.NewReader(body)))
			r.ContentLength = -1
			return r
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.serve(rec, tt.req())

			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
			}
			if !strings.Contains(rec.Body.String(), "10485760") {
				t.Errorf("body = %q, want mention of the limit", rec.Body.String())
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", hits.Load())
	}
	if n := len(env.notifier.byType(events.TypeRequestCaptured)); n != 0 {
		t.Errorf("request_captured events = %d, want 0", n)
	}
}

func TestProxy_BodyAtLimitIsForwarded(t *testing.T) {
	var got int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = len(b)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)
	body := bytes.Repeat([]byte("x"), config.DefaultBodyMaxBytes)

	rec := httptest.NewRecorder()
	env.serve(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got != config.DefaultBodyMaxBytes {
		t.Errorf("upstream received %d bytes, want %d", got, config.DefaultBodyMaxBytes)
	}
}

func TestProxy_HostHeaderNotForwarded(t *testing.T) {
	var gotHost, gotHeaderHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotHeaderHost = r.Header.Get("Host")
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Host = "inbound.example"
	req.Header.Set("Host", "inbound.example")
	env.serve(httptest.NewRecorder(), req)

	wantHost := strings.TrimPrefix(srv.URL, "http://")
	if gotHost != wantHost {
		t.Errorf("upstream Host = %q, want %q", gotHost, wantHost)
	}
	if gotHeaderHost != "" {
		t.Errorf("upstream Host header = %q, want empty", gotHeaderHost)
	}
}

func TestProxy_LogsNeverContainCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=cookie-secret-value")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Api-Key", "k1-secret-value")
	req.Header.Set("Authorization", "Bearer sk-secret-value")
	req.Header.Set("Cookie", "c=cookie-in-secret")
	env.serve(httptest.NewRecorder(), req)

	logs := env.logs.String()
	for _, secret := range []string{"k1-secret-value", "sk-secret-value", "cookie-secret-value", "cookie-in-secret"} {
		if strings.Contains(logs, secret) {
			t.Errorf("logs contain %q", secret)
		}
	}
	if !strings.Contains(logs, redactedValue) {
		t.Error("expected redaction marker in logs")
	}
	if !strings.Contains(logs, `{\"a\":1}`) {
		t.Error("expected request body preview in logs")
	}
}

func TestProxy_UpstreamTimeout(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"no response head", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}},
		{"slow buffered body", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"partial":`))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			env := newTestEnv(t, srv.URL, srv.URL)
			env.svc.timeout = 50 * time.Millisecond

			rec := httptest.NewRecorder()
			env.serve(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}")))

			if rec.Code != http.StatusGatewayTimeout {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, http.StatusGatewayTimeout, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "timed out") {
				t.Errorf("body = %q, want timeout message", rec.Body.String())
			}
		})
	}
}

func TestProxy_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := "http://" + ln.Addr().String()
	_ = ln.Close()

	env := newTestEnv(t, addr, addr)

	rec := httptest.NewRecorder()
	env.serve(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}")))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "upstream request failed") {
		t.Errorf("body = %q, want %q", rec.Body.String(), "upstream request failed")
	}
}

func TestProxy_StreamsEventStreamChunks(t *testing.T) {
	chunks := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10,\"output_tokens\":1}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hi\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":5}}\n\n",
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			w.(http.Flusher).Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)
	// Shorter than the whole stream: the deadline must not apply once the head arrived.
	env.svc.timeout = 80 * time.Millisecond

	rec := httptest.NewRecorder()
	env.serve(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := strings.Join(chunks, "")
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("expected the stream to be flushed")
	}

	progress := env.notifier.byType(events.TypeResponseStreaming)
	if len(progress) == 0 {
		t.Fatal("expected response_streaming events")
	}
	if last := progress[len(progress)-1]; last.BytesReceived != int64(len(want)) {
		t.Errorf("final bytes_received = %d, want %d", last.BytesReceived, len(want))
	}

	complete := env.notifier.byType(events.TypeResponseComplete)
	if len(complete) != 1 {
		t.Fatalf("response_complete events = %d, want 1", len(complete))
	}
	if complete[0].Status != http.StatusOK {
		t.Errorf("complete status = %d, want %d", complete[0].Status, http.StatusOK)
	}
	if complete[0].TokensUsed == nil || *complete[0].TokensUsed != 15 {
		t.Errorf("tokens_used = %v, want 15", complete[0].TokensUsed)
	}
}

func TestProxy_StreamIsNotBuffered(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		case <-time.After(5 * time.Second):
			return
		}
		_, _ = io.WriteString(w, "data: two\n\n")
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)
	proxy := httptest.NewServer(http.HandlerFunc(env.serve))
	defer proxy.Close()

	hc := &http.Client{Timeout: 3 * time.Second}
	resp, err := hc.Post(proxy.URL+"/v1/messages", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	br := bufio.NewReader(resp.Body)
	first, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading first event: %v", err)
	}
	if first != "data: one\n" {
		t.Errorf("first line = %q, want %q", first, "data: one\n")
	}

	close(release)
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("reading rest: %v", err)
	}
	if string(rest) != "\ndata: two\n\n" {
		t.Errorf("rest = %q, want %q", rest, "\ndata: two\n\n")
	}
}

func TestProxy_CallerDisconnectReleasesUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		for {
			if _, err := io.WriteString(w, "data: tick\n\n"); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)
	proxy := httptest.NewServer(http.HandlerFunc(env.serve))
	defer proxy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxy.URL+"/v1/messages", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	if _, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil {
		t.Fatalf("reading first event: %v", err)
	}
	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream stream still running after caller disconnected")
	}
}

func TestProxy_HeadAndNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)

	rec := httptest.NewRecorder()
	env.serve(rec, httptest.NewRequest(http.MethodHead, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Length"); got != "1234" {
		t.Errorf("HEAD Content-Length = %q, want upstream value %q", got, "1234")
	}

	rec = httptest.NewRecorder()
	env.serve(rec, httptest.NewRequest(http.MethodDelete, "/empty", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body length = %d, want 0", rec.Body.Len())
	}
}

func TestProxy_UpstreamErrorStatusPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, srv.URL)
	rec := httptest.NewRecorder()
	env.serve(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}")))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Body.String() != `{"error":{"type":"rate_limit_error"}}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	complete := env.notifier.byType(events.TypeResponseComplete)
	if len(complete) != 1 || complete[0].TokensUsed != nil {
		t.Errorf("response_complete = %+v, want one event without token usage", complete)
	}
}

func TestNewProxyService_RejectsRelativeUpstream(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{
		AnthropicURL:   "api.anthropic.com",
		OpenAIURL:      "https://api.openai.com",
		TimeoutSeconds: 1,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := client.NewUpstreamClient(cfg, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewProxyService(c, cfg, nil, nil, logger); err == nil {
		t.Fatal("NewProxyService() expected error for relative upstream URL, got nil")
	}
	if _, err := NewProxyService(nil, cfg, nil, nil, logger); err == nil {
		t.Fatal("NewProxyService() expected error for nil client, got nil")
	}
}

func TestIsEventStream(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/event-stream", true},
		{"text/event-stream; charset=utf-8", true},
		{"Text/Event-Stream", true},
		{"application/json", false},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := IsEventStream(tt.contentType); got != tt.want {
				t.Errorf("IsEventStream(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		path     string
		rawQuery string
		want     string
		wantErr  bool
	}{
		{"plain", "https://api.anthropic.com", "/v1/messages", "", "https://api.anthropic.com/v1/messages", false},
		{"query kept", "https://api.anthropic.com", "/v1/messages", "beta=true", "https://api.anthropic.com/v1/messages?beta=true", false},
		{"base with prefix", "https://gw.example/anthropic", "/v1/messages", "", "https://gw.example/anthropic/v1/messages", false},
		{"escaped path kept", "https://api.openai.com", "/v1/files/a%2Fb", "", "https://api.openai.com/v1/files/a%2Fb", false},
		{"relative path", "https://api.openai.com", "*", "", "", true},
		{"bad base", "https://[::1", "/v1/messages", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := targetURL(tt.base, tt.path, tt.rawQuery)
			if tt.wantErr {
				if KindOf(err) != KindInvalidURL {
					t.Errorf("targetURL() error kind = %v, want %v", KindOf(err), KindInvalidURL)
				}
				return
			}
			if err != nil {
				t.Fatalf("targetURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("targetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Package service implements the core proxy pipeline: upstream resolution,
// request capture, forwarding and response relay.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"aperture-proxy/internal/client"
	"aperture-proxy/internal/config"
	"aperture-proxy/internal/events"
	"aperture-proxy/internal/metrics"
	"aperture-proxy/internal/model"
	"aperture-proxy/internal/upstream"
)

// streamingMediaTypes selects streaming relay when contained in the upstream
// Content-Type.
var streamingMediaTypes = []string{
	"text/event-stream",
}

// ProxyService handles the forwarding logic for proxy requests. It is built
// once at startup, shared by every request handler and never mutated.
type ProxyService struct {
	client   *client.UpstreamClient
	targets  upstream.Config
	maxBody  int64
	timeout  time.Duration
	progress time.Duration
	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService. Both upstream base addresses must
// be absolute URLs. The notifier and metrics parameters are optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, n events.Notifier, m *metrics.Metrics, logger *slog.Logger) (*ProxyService, error) {
	if c == nil {
		return nil, errors.New("proxy service: upstream client is required")
	}

	targets := cfg.Upstream.Targets()
	for _, raw := range []string{targets.AnthropicURL, targets.OpenAIURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream url %q must be absolute", raw)
		}
	}

	maxBody := cfg.Server.BodyMaxBytes
	if maxBody <= 0 {
		maxBody = config.DefaultBodyMaxBytes
	}
	progress := time.Duration(cfg.Events.ProgressIntervalMillis) * time.Millisecond
	if progress <= 0 {
		progress = config.DefaultProgressMillis * time.Millisecond
	}
	if n == nil {
		n = events.Nop{}
	}

	return &ProxyService{
		client:   c,
		targets:  targets,
		maxBody:  maxBody,
		timeout:  c.Timeout(),
		progress: progress,
		notifier: n,
		metrics:  m,
		logger:   logger.With("component", "proxy_service"),
	}, nil
}

// Targets returns the upstream base addresses.
func (s *ProxyService) Targets() upstream.Config {
	return s.targets
}

// Resolve returns the provider and base address a request is sent to.
func (s *ProxyService) Resolve(header http.Header, path string) (upstream.Provider, string) {
	return s.targets.Resolve(header, path)
}

// Proxy runs the whole pipeline for one request and writes the outcome to w.
// A non-nil error means nothing has been written yet and the caller must
// produce the error response. Failures after the response was committed are
// logged and end the response early.
func (s *ProxyService) Proxy(w http.ResponseWriter, pr *model.ProxyRequest) error {
	start := time.Now()

	provider, baseURL := s.Resolve(pr.Header, pr.Path)
	s.logger.Info("--> request",
		"request_id", pr.ID,
		"method", pr.Method,
		"path", pr.Path,
		"provider", provider,
	)

	cr, err := s.Capture(pr, provider, baseURL)
	if err != nil {
		return err
	}
	s.notifier.Notify(events.RequestCaptured(cr.ID, cr.Method, cr.Path, string(cr.Provider)))

	resp, err := s.Forward(pr.Ctx, cr)
	if err != nil {
		return err
	}

	res, err := s.Relay(w, cr, resp)
	if err != nil {
		return err
	}

	s.notifier.Notify(events.ResponseComplete(cr.ID, resp.StatusCode, res.TokensUsed))
	s.logger.Info("<-- response",
		"request_id", cr.ID,
		"method", cr.Method,
		"path", cr.Path,
		"status", resp.StatusCode,
		"streaming", resp.Streaming,
		"bytes", res.Bytes,
		"interrupted", res.Interrupted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Forward sends the captured request to its resolved upstream. The
// configured timeout covers connecting, sending and the response head; for
// buffered responses it also covers reading the body, while event streams
// are released from it once the head arrives.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(parent context.Context, cr *model.CapturedRequest) (*model.ProxyResponse, error) {
	target, err := targetURL(cr.BaseURL, cr.Path, cr.RawQuery)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(parent)
	var timer *time.Timer
	if s.timeout > 0 {
		timer = time.AfterFunc(s.timeout, func() { cancel(ErrUpstreamTimeout) })
	}
	stopTimer := func() bool { return timer == nil || timer.Stop() }

	s.logger.Debug("forwarding request",
		"request_id", cr.ID,
		"provider", cr.Provider,
		"method", cr.Method,
		"path", cr.Path,
	)

	resp, err := s.client.DoStream(ctx, cr.Provider, cr.Method, target, cr.Header, bytes.NewReader(cr.Body), int64(len(cr.Body)))
	if err != nil {
		stopTimer()
		classified := classifyTransport(ctx, parent, err)
		cancel(nil)
		return nil, classified
	}

	logHeaders(s.logger, "response headers", cr.ID, resp.Header)

	resp.Streaming = IsEventStream(resp.Header.Get("Content-Type"))
	if resp.Streaming && !stopTimer() {
		// The deadline fired while the head was arriving.
		_ = resp.Body.Close()
		cancel(nil)
		return nil, &Error{Kind: KindUpstreamTimeout, Err: ErrUpstreamTimeout}
	}

	resp.Body = &upstreamBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		parent:     parent,
		release: func() {
			stopTimer()
			cancel(nil)
		},
	}
	return resp, nil
}

// IsEventStream reports whether a Content-Type selects streaming relay.
func IsEventStream(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range streamingMediaTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// targetURL joins the upstream base address with the inbound escaped path and
// raw query.
func targetURL(baseURL, path, rawQuery string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", &Error{Kind: KindInvalidURL, Message: fmt.Sprintf("path %q is not absolute", path)}
	}
	u, err := url.Parse(baseURL + path)
	if err != nil {
		return "", &Error{Kind: KindInvalidURL, Message: err.Error(), Err: err}
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

// upstreamBody classifies read failures and releases the request context
// when closed.
type upstreamBody struct {
	io.ReadCloser
	ctx     context.Context
	parent  context.Context
	release func()
	once    sync.Once
}

func (b *upstreamBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = classifyTransport(b.ctx, b.parent, err)
	}
	return n, err
}

func (b *upstreamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"

	"aperture-proxy/internal/upstream"
)

// ProxyRequest represents an inbound request as handed over by the listener.
type ProxyRequest struct {
	Ctx           context.Context
	ID            string
	Method        string
	Path          string // escaped path
	RawQuery      string
	Header        http.Header
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

// NewProxyRequest describes r for the pipeline.
func NewProxyRequest(r *http.Request, id string) *ProxyRequest {
	return &ProxyRequest{
		Ctx:           r.Context(),
		ID:            id,
		Method:        r.Method,
		Path:          r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header,
		ContentLength: r.ContentLength,
		Body:          r.Body,
	}
}

// CapturedRequest is the bounded, sanitized copy of an inbound request that
// gets forwarded upstream. It is dropped once forwarding completes.
type CapturedRequest struct {
	ID       string
	Method   string
	Path     string
	RawQuery string
	Header   http.Header // inbound headers minus Host
	Body     []byte

	Provider upstream.Provider
	BaseURL  string
}

// ProxyResponse represents the upstream response to be relayed back.
// Body is the live upstream stream; the relay either copies it through
// incrementally or reads it to completion.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Streaming  bool
	Provider   upstream.Provider
}

package service

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"aperture-proxy/internal/model"
	"aperture-proxy/internal/upstream"
)

// previewLimit is the number of body bytes shown in diagnostic logs.
const previewLimit = 500

const redactedValue = "[REDACTED]"

// sensitiveHeaders carry credentials and are never logged in plaintext.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"X-Api-Key":           true,
	"X-Goog-Api-Key":      true,
	"Cookie":              true,
	"Set-Cookie":          true,
}

// Capture reads the inbound body up to the configured limit and prepares the
// outbound request. The Host header is never carried over.
func (s *ProxyService) Capture(pr *model.ProxyRequest, provider upstream.Provider, baseURL string) (*model.CapturedRequest, error) {
	if pr.ContentLength > s.maxBody {
		return nil, &Error{Kind: KindRequestTooLarge, Limit: s.maxBody}
	}

	var body []byte
	if pr.Body != nil {
		// One byte past the limit tells an oversized body apart from one
		// exactly at the limit.
		b, err := io.ReadAll(io.LimitReader(pr.Body, s.maxBody+1))
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("read body: %v", err), Err: err}
		}
		if int64(len(b)) > s.maxBody {
			return nil, &Error{Kind: KindRequestTooLarge, Limit: s.maxBody}
		}
		body = b
	}

	header := pr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Host")

	logHeaders(s.logger, "request headers", pr.ID, header)
	if len(body) > 0 {
		s.logger.Debug("request body", "request_id", pr.ID, "preview", preview(body))
	}

	return &model.CapturedRequest{
		ID:       pr.ID,
		Method:   pr.Method,
		Path:     pr.Path,
		RawQuery: pr.RawQuery,
		Header:   header,
		Body:     body,
		Provider: provider,
		BaseURL:  baseURL,
	}, nil
}

// preview returns at most previewLimit bytes of b as text, noting the total
// size when truncated.
func preview(b []byte) string {
	if len(b) <= previewLimit {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return fmt.Sprintf("%s... (%d bytes total)", strings.ToValidUTF8(string(b[:previewLimit]), "\uFFFD"), len(b))
}

// redactedHeader logs a header set with credential values masked.
type redactedHeader http.Header

// LogValue implements slog.LogValuer.
func (h redactedHeader) LogValue() slog.Value {
	keys := slices.Sorted(maps.Keys(h))
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		v := strings.Join(h[k], ", ")
		if sensitiveHeaders[http.CanonicalHeaderKey(k)] {
			v = redactedValue
		}
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

func logHeaders(logger *slog.Logger, msg, requestID string, h http.Header) {
	logger.Debug(msg, "request_id", requestID, "headers", redactedHeader(h))
}

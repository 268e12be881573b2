package service

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/time/rate"

	"aperture-proxy/internal/events"
	"aperture-proxy/internal/model"
)

// streamChunkSize bounds a single read from an upstream event stream.
const streamChunkSize = 32 * 1024

// RelayResult describes a relayed response.
type RelayResult struct {
	Bytes       int64
	TokensUsed  *int
	Interrupted bool // the stream ended before upstream EOF
}

// Relay writes the upstream response to w, streaming event streams chunk by
// chunk and buffering everything else. An error is returned only when
// nothing has been written to w. The response body is always closed.
func (s *ProxyService) Relay(w http.ResponseWriter, cr *model.CapturedRequest, resp *model.ProxyResponse) (RelayResult, error) {
	defer func() { _ = resp.Body.Close() }()

	if resp.Streaming {
		return s.stream(w, cr, resp), nil
	}
	return s.buffer(w, cr, resp)
}

func (s *ProxyService) stream(w http.ResponseWriter, cr *model.CapturedRequest, resp *model.ProxyResponse) RelayResult {
	s.logger.Debug("streaming response", "request_id", cr.ID, "status", resp.StatusCode)

	if dropped := translateHeaders(w.Header(), resp.Header); dropped > 0 {
		s.logger.Debug("dropped unrepresentable response headers", "request_id", cr.ID, "count", dropped)
	}
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	var (
		res      RelayResult
		usage    sseUsage
		progress = &rate.Sometimes{Interval: s.progress}
		buf      = make([]byte, streamChunkSize)
	)

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			usage.Write(chunk)

			if _, err := w.Write(chunk); err != nil {
				s.logger.Info("caller disconnected mid-stream", "request_id", cr.ID, "err", err)
				res.Interrupted = true
				break
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				s.logger.Info("caller disconnected mid-stream", "request_id", cr.ID, "err", err)
				res.Interrupted = true
				break
			}

			res.Bytes += int64(n)
			progress.Do(func() {
				s.notifier.Notify(events.ResponseStreaming(cr.ID, res.Bytes))
			})
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				s.logger.Warn("upstream stream ended early",
					"request_id", cr.ID,
					"bytes", res.Bytes,
					"err", sanitize(rerr.Error()),
				)
				res.Interrupted = true
			}
			break
		}
	}

	s.notifier.Notify(events.ResponseStreaming(cr.ID, res.Bytes))
	if s.metrics != nil {
		s.metrics.StreamedBytes.WithLabelValues(string(resp.Provider)).Add(float64(res.Bytes))
	}
	res.TokensUsed = usage.Total()
	return res
}

func (s *ProxyService) buffer(w http.ResponseWriter, cr *model.CapturedRequest, resp *model.ProxyResponse) (RelayResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RelayResult{}, err
	}
	if len(body) > 0 {
		s.logger.Debug("response body", "request_id", cr.ID, "preview", preview(body))
	}

	if dropped := translateHeaders(w.Header(), resp.Header); dropped > 0 {
		s.logger.Debug("dropped unrepresentable response headers", "request_id", cr.ID, "count", dropped)
	}

	if !bodyAllowed(cr.Method, resp.StatusCode) {
		w.WriteHeader(resp.StatusCode)
		return RelayResult{}, nil
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)

	res := RelayResult{TokensUsed: usageFromJSON(body)}
	n, err := w.Write(body)
	res.Bytes = int64(n)
	if err != nil {
		s.logger.Info("caller disconnected during write", "request_id", cr.ID, "err", err)
		res.Interrupted = true
	}
	return res, nil
}

// translateHeaders copies src into dst, replacing any values dst already has
// for the same name. Names or values that are not valid on the wire are
// skipped; the number skipped is returned.
func translateHeaders(dst, src http.Header) int {
	dropped := 0
	for name, values := range src {
		if !httpguts.ValidHeaderFieldName(name) {
			dropped += len(values)
			continue
		}
		dst.Del(name)
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				dropped++
				continue
			}
			dst.Add(name, v)
		}
	}
	return dropped
}

// bodyAllowed reports whether a response to method with status may carry a body.
func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

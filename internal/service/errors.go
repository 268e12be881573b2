package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
)

// Kind classifies a per-request failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindRequestTooLarge
	KindUpstreamTimeout
	KindUpstreamFailed
	KindInvalidURL
	KindParsingFailed
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindInvalidRequest:  "invalid_request",
	KindRequestTooLarge: "request_too_large",
	KindUpstreamTimeout: "upstream_timeout",
	KindUpstreamFailed:  "upstream_failed",
	KindInvalidURL:      "invalid_url",
	KindParsingFailed:   "parsing_failed",
}

// String returns the metric label for k.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// ErrUpstreamTimeout is the cancellation cause set when the upstream
// deadline expires.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

// errClientGone marks requests whose caller disconnected before a response
// was committed.
var errClientGone = errors.New("client disconnected")

// Error is a per-request failure. It never escapes the handler boundary.
type Error struct {
	Kind    Kind
	Limit   int64  // body limit, for KindRequestTooLarge
	Message string // detail for InvalidRequest, InvalidURL and ParsingFailed
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRequestTooLarge:
		return fmt.Sprintf("request body too large: limit is %d bytes", e.Limit)
	case KindUpstreamTimeout:
		return ErrUpstreamTimeout.Error()
	case KindUpstreamFailed:
		if e.Err != nil {
			return "upstream request failed: " + e.Err.Error()
		}
		return "upstream request failed"
	case KindInvalidRequest:
		return "invalid request: " + e.detail()
	case KindInvalidURL:
		return "invalid URL: " + e.detail()
	case KindParsingFailed:
		return "parsing failed: " + e.detail()
	default:
		return "proxy error: " + e.detail()
	}
}

func (e *Error) detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown"
}

func (e *Error) Unwrap() error { return e.Err }

// statusByKind is the single mapping from failure kind to outward status.
var statusByKind = map[Kind]int{
	KindRequestTooLarge: http.StatusRequestEntityTooLarge,
	KindUpstreamTimeout: http.StatusGatewayTimeout,
	KindUpstreamFailed:  http.StatusBadGateway,
	KindInvalidRequest:  http.StatusBadGateway,
	KindInvalidURL:      http.StatusBadGateway,
	KindParsingFailed:   http.StatusBadGateway,
}

// Classify returns the outward status code and message for err, with
// credentials redacted from the message. Anything unrecognized maps to 502.
func Classify(err error) (int, string) {
	if errors.Is(err, errClientGone) {
		return http.StatusBadGateway, errClientGone.Error()
	}

	var pe *Error
	if errors.As(err, &pe) {
		status, ok := statusByKind[pe.Kind]
		if !ok {
			status = http.StatusBadGateway
		}
		return status, sanitize(pe.Error())
	}

	return http.StatusBadGateway, sanitize("proxy error: " + err.Error())
}

// KindOf returns the failure kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// classifyTransport turns an error from sending the upstream request or
// reading its body into an *Error. ctx is the request context carrying the
// deadline cause; parent is the caller's context.
func classifyTransport(ctx, parent context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrUpstreamTimeout) || isTimeout(err) {
		return &Error{Kind: KindUpstreamTimeout, Err: err}
	}
	if parent.Err() != nil {
		return &Error{Kind: KindUpstreamFailed, Err: errClientGone}
	}
	return &Error{Kind: KindUpstreamFailed, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// secretPatterns match credentials that may appear in error text, such as
// query parameters of an upstream URL.
var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)((?:api_?key|key|token)=)[^&\s"]+`), "${1}" + redactedValue},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]+`), "sk-" + redactedValue},
}

// SanitizeError returns the text of err with credentials redacted.
func SanitizeError(err error) string {
	return sanitize(err.Error())
}

func sanitize(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

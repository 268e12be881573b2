// Package events defines the notifications the proxy emits while handling
// a request, and an in-process hub that fans them out to observers.
package events

import "time"

// Type identifies a proxy milestone.
type Type string

const (
	TypeRequestCaptured   Type = "request_captured"
	TypeResponseStreaming Type = "response_streaming"
	TypeResponseComplete  Type = "response_complete"
	TypeProxyError        Type = "proxy_error"
)

// Channel names observers can filter on.
const (
	ChannelEvents         = "aperture:events"
	ChannelStreamProgress = "aperture:stream-progress"
)

// Event is a single notification. Fields not relevant to a Type are omitted
// from its JSON form.
type Event struct {
	Type          Type      `json:"type"`
	RequestID     string    `json:"request_id,omitempty"`
	Method        string    `json:"method,omitempty"`
	Path          string    `json:"path,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	BytesReceived int64     `json:"bytes_received,omitempty"`
	Status        int       `json:"status,omitempty"`
	TokensUsed    *int      `json:"tokens_used,omitempty"`
	Message       string    `json:"message,omitempty"`
	Time          time.Time `json:"time"`
}

// Channel returns the channel the event is published on. Streaming progress
// is high-frequency and kept apart from the other milestones.
func (e Event) Channel() string {
	if e.Type == TypeResponseStreaming {
		return ChannelStreamProgress
	}
	return ChannelEvents
}

// Notifier receives proxy milestones. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// Nop is a Notifier that discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(Event) {}

// RequestCaptured reports that a request was read and its provider resolved.
func RequestCaptured(id, method, path, provider string) Event {
	return Event{
		Type:      TypeRequestCaptured,
		RequestID: id,
		Method:    method,
		Path:      path,
		Provider:  provider,
		Time:      time.Now(),
	}
}

// ResponseStreaming reports the number of stream bytes relayed so far.
func ResponseStreaming(id string, bytesReceived int64) Event {
	return Event{
		Type:          TypeResponseStreaming,
		RequestID:     id,
		BytesReceived: bytesReceived,
		Time:          time.Now(),
	}
}

// ResponseComplete reports the final status and, when known, token usage.
func ResponseComplete(id string, status int, tokensUsed *int) Event {
	return Event{
		Type:       TypeResponseComplete,
		RequestID:  id,
		Status:     status,
		TokensUsed: tokensUsed,
		Time:       time.Now(),
	}
}

// ProxyError reports a failed request. id may be empty when unknown.
func ProxyError(id, message string) Event {
	return Event{
		Type:      TypeProxyError,
		RequestID: id,
		Message:   message,
		Time:      time.Now(),
	}
}

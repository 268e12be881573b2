// Package upstream decides which provider API an inbound request belongs to.
package upstream

import (
	"net/http"
	"strings"
)

// Provider names an upstream LLM API.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Default public API roots.
const (
	DefaultAnthropicURL = "https://api.anthropic.com"
	DefaultOpenAIURL    = "https://api.openai.com"
)

// Provider identity signals.
const (
	anthropicKeyHeader     = "X-Api-Key"
	anthropicVersionHeader = "Anthropic-Version"
	openAISecretPrefix     = "Bearer sk-"
	anthropicRoute         = "/v1/messages"
	openAIRoute            = "/v1/chat/completions"
)

// Config holds the base address of each provider. It is immutable after
// construction and safe for concurrent reads.
type Config struct {
	AnthropicURL string
	OpenAIURL    string
}

// DefaultConfig returns the public API roots of both providers.
func DefaultConfig() Config {
	return Config{
		AnthropicURL: DefaultAnthropicURL,
		OpenAIURL:    DefaultOpenAIURL,
	}
}

// Resolve returns the provider and base address for a request. The first
// matching rule wins:
//
//  1. an Anthropic identity header (X-Api-Key or Anthropic-Version) is present
//  2. Authorization starts with "Bearer sk-"
//  3. the path contains /v1/messages or /v1/chat/completions
//  4. otherwise Anthropic
func (c Config) Resolve(header http.Header, path string) (Provider, string) {
	p := Detect(header, path)
	return p, c.BaseURL(p)
}

// BaseURL returns the configured base address for p.
func (c Config) BaseURL(p Provider) string {
	if p == ProviderOpenAI {
		return c.OpenAIURL
	}
	return c.AnthropicURL
}

// Detect applies the resolution rules without looking up an address.
func Detect(header http.Header, path string) Provider {
	if hasHeader(header, anthropicKeyHeader) || hasHeader(header, anthropicVersionHeader) {
		return ProviderAnthropic
	}

	if strings.HasPrefix(header.Get("Authorization"), openAISecretPrefix) {
		return ProviderOpenAI
	}

	if strings.Contains(path, anthropicRoute) {
		return ProviderAnthropic
	}
	if strings.Contains(path, openAIRoute) {
		return ProviderOpenAI
	}

	return ProviderAnthropic
}

// hasHeader reports presence regardless of value, including empty values.
func hasHeader(header http.Header, key string) bool {
	_, ok := header[http.CanonicalHeaderKey(key)]
	return ok
}

package models

import "net/http"

// Conversation roles understood by the relay and both upstream families.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ValidRole reports whether role is one of the three known conversation roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ModelConfig captures the generation parameters for one request. It is fully
// specified before the request is issued and never mutated mid-stream. A nil
// Temperature means unset; zero is a valid, deliberate value.
type ModelConfig struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Seed        int
}

// RequestEnvelope is the provider-agnostic request produced by the
// normalizer. Exactly one of Prompt and Messages is populated, depending on
// whether the target is a completions-style or chat-style endpoint.
type RequestEnvelope struct {
	Prompt   string
	Messages []Message
	Stream   bool
}

// IsPrompt reports whether the envelope carries a joined completion prompt
// rather than a chat message list.
func (e RequestEnvelope) IsPrompt() bool {
	return len(e.Messages) == 0
}

// ProviderRequest is the adapter's output: the concrete target URL, header
// set and JSON body for one upstream provider.
type ProviderRequest struct {
	URL     string
	Headers http.Header
	Body    []byte

	// Model is the model name as sent upstream, used as the fallback for
	// the resolved-model header when the stream itself does not carry one.
	Model string
}

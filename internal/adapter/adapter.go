// Package adapter rewrites provider-agnostic request envelopes into the
// exact wire shape one upstream family expects: endpoint path, header set,
// system-message handling and token limits.
package adapter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatstream/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chatstream/0.1"

	// anthropicModelPrefix selects the Anthropic wire shape by model
	// naming scheme.
	anthropicModelPrefix = "claude"

	// defaultAnthropicMaxTokens is applied when the caller did not set a
	// limit; the Anthropic messages endpoint requires one.
	defaultAnthropicMaxTokens = 4096
)

// Config holds the upstream hosts and protocol versions the adapter targets.
type Config struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	AnthropicVersion string
}

// Adapter rewrites request envelopes for a configured set of upstreams.
type Adapter struct {
	cfg Config
}

// New constructs an Adapter. Empty config fields fall back to the public
// provider hosts.
func New(cfg Config) *Adapter {
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = "https://api.openai.com"
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = "https://api.anthropic.com"
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = "2023-06-01"
	}
	cfg.OpenAIBaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	cfg.AnthropicBaseURL = strings.TrimRight(cfg.AnthropicBaseURL, "/")
	return &Adapter{cfg: cfg}
}

// Adapt produces the concrete upstream request for one envelope. When
// overrideBaseURL is set all provider-specific logic is bypassed and the
// envelope is forwarded verbatim to that host. A missing or unrecognized
// model never fails: the request falls back to the default OpenAI-style
// path with a logged warning.
func (a *Adapter) Adapt(path string, env models.RequestEnvelope, cfg models.ModelConfig, apiKey, overrideBaseURL string) (models.ProviderRequest, error) {
	if overrideBaseURL != "" {
		base := strings.TrimRight(overrideBaseURL, "/")
		return a.openAIRequest(base+"/"+path, env, cfg, apiKey)
	}

	if cfg.Model == "" {
		slog.Warn("request has no model, using default provider path")
		return a.openAIRequest(a.cfg.OpenAIBaseURL+"/"+path, env, cfg, apiKey)
	}

	if strings.HasPrefix(cfg.Model, anthropicModelPrefix) {
		return a.anthropicRequest(env, cfg, apiKey)
	}

	return a.openAIRequest(a.cfg.OpenAIBaseURL+"/"+path, env, cfg, apiKey)
}

type openAIBody struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages,omitempty"`
	Prompt      string           `json:"prompt,omitempty"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Seed        *int             `json:"seed,omitempty"`
}

func (a *Adapter) openAIRequest(url string, env models.RequestEnvelope, cfg models.ModelConfig, apiKey string) (models.ProviderRequest, error) {
	payload := openAIBody{
		Model:  cfg.Model,
		Stream: env.Stream,
	}
	if env.IsPrompt() {
		payload.Prompt = env.Prompt
	} else {
		payload.Messages = env.Messages
	}
	if cfg.Temperature != nil {
		v := *cfg.Temperature
		payload.Temperature = &v
	}
	if cfg.MaxTokens > 0 {
		v := cfg.MaxTokens
		payload.MaxTokens = &v
	}
	if cfg.Seed != 0 {
		v := cfg.Seed
		payload.Seed = &v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.ProviderRequest{}, fmt.Errorf("marshal openai payload: %w", err)
	}

	headers := baseHeaders()
	headers.Set("Authorization", "Bearer "+apiKey)

	return models.ProviderRequest{
		URL:     url,
		Headers: headers,
		Body:    body,
		Model:   cfg.Model,
	}, nil
}

type anthropicBody struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	System      string           `json:"system,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

func (a *Adapter) anthropicRequest(env models.RequestEnvelope, cfg models.ModelConfig, apiKey string) (models.ProviderRequest, error) {
	messages := env.Messages
	if env.IsPrompt() {
		messages = []models.Message{{Role: models.RoleUser, Content: env.Prompt}}
	}

	system, rest := ExtractSystem(messages)
	merged := MergeSameRole(rest)

	payload := anthropicBody{
		Model:     cfg.Model,
		Messages:  merged,
		System:    system,
		MaxTokens: cfg.MaxTokens,
		Stream:    env.Stream,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultAnthropicMaxTokens
	}
	if cfg.Temperature != nil {
		v := *cfg.Temperature
		payload.Temperature = &v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.ProviderRequest{}, fmt.Errorf("marshal anthropic payload: %w", err)
	}

	headers := baseHeaders()
	headers.Set("x-api-key", apiKey)
	headers.Set("anthropic-version", a.cfg.AnthropicVersion)

	return models.ProviderRequest{
		URL:     a.cfg.AnthropicBaseURL + "/v1/messages",
		Headers: headers,
		Body:    body,
		Model:   cfg.Model,
	}, nil
}

func baseHeaders() http.Header {
	headers := make(http.Header)
	headers.Set("Content-Type", contentTypeJSON)
	headers.Set("Accept", contentTypeJSON)
	headers.Set("User-Agent", userAgent)
	return headers
}

// ExtractSystem removes all system-role messages and returns their contents
// joined by a blank line, alongside the remaining messages in order.
func ExtractSystem(messages []models.Message) (string, []models.Message) {
	var systemParts []string
	rest := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if strings.TrimSpace(msg.Content) != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(systemParts, "\n\n"), rest
}

// MergeSameRole concatenates consecutive same-role messages with a blank-line
// separator, so no two adjacent entries share a role. Running it on an
// already-merged list is a no-op.
func MergeSameRole(messages []models.Message) []models.Message {
	merged := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content = merged[n-1].Content + "\n\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

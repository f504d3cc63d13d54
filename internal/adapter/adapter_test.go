package adapter

import (
	"encoding/json"
	"testing"

	"chatstream/internal/envelope"
	"chatstream/internal/models"
)

func testAdapter() *Adapter {
	return New(Config{
		OpenAIBaseURL:    "https://openai.test",
		AnthropicBaseURL: "https://anthropic.test",
		AnthropicVersion: "2023-06-01",
	})
}

func chatEnvelope(messages ...models.Message) models.RequestEnvelope {
	return models.RequestEnvelope{Messages: messages, Stream: true}
}

func temp(v float64) *float64 {
	return &v
}

func TestAdaptOpenAIShape(t *testing.T) {
	a := testAdapter()
	env := chatEnvelope(models.Message{Role: models.RoleUser, Content: "hi"})

	req, err := a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{Model: "gpt-4o", Temperature: temp(0.7)}, "sk-test", "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}

	if req.URL != "https://openai.test/v1/chat/completions" {
		t.Errorf("url = %q", req.URL)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("authorization = %q", got)
	}
	if got := req.Headers.Get("x-api-key"); got != "" {
		t.Errorf("unexpected x-api-key header %q on openai request", got)
	}

	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["model"] != "gpt-4o" {
		t.Errorf("model = %v", body["model"])
	}
	if body["stream"] != true {
		t.Errorf("stream = %v", body["stream"])
	}
	if body["temperature"] != 0.7 {
		t.Errorf("temperature = %v", body["temperature"])
	}
}

func TestAdaptTemperatureZeroVsUnset(t *testing.T) {
	a := testAdapter()
	env := chatEnvelope(models.Message{Role: models.RoleUser, Content: "hi"})

	// Explicit zero goes on the wire.
	req, err := a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{Model: "gpt-4o", Temperature: temp(0)}, "sk", "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if got, ok := body["temperature"]; !ok || got != 0.0 {
		t.Errorf("temperature = %v (present=%v), want explicit 0", got, ok)
	}

	// Unset stays off the wire.
	req, err = a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{Model: "gpt-4o"}, "sk", "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}
	body = nil
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if _, ok := body["temperature"]; ok {
		t.Errorf("unset temperature must be omitted, body = %v", body)
	}
}

func TestAdaptOverrideBypassesProviderLogic(t *testing.T) {
	a := testAdapter()
	// A claude model with an override must NOT be rewritten to the
	// Anthropic shape: the override is a verbatim escape hatch.
	env := chatEnvelope(
		models.Message{Role: models.RoleSystem, Content: "rules"},
		models.Message{Role: models.RoleUser, Content: "hi"},
	)

	req, err := a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{Model: "claude-3-sonnet"}, "sk-test", "https://selfhosted.test/")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}

	if req.URL != "https://selfhosted.test/v1/chat/completions" {
		t.Errorf("url = %q", req.URL)
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("authorization = %q", got)
	}

	var body struct {
		Messages []models.Message `json:"messages"`
		System   string           `json:"system"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.System != "" {
		t.Errorf("override request must not extract system messages, got %q", body.System)
	}
	if len(body.Messages) != 2 {
		t.Errorf("got %d messages, want 2 (verbatim)", len(body.Messages))
	}
}

func TestAdaptAnthropicShape(t *testing.T) {
	a := testAdapter()
	env := chatEnvelope(
		models.Message{Role: models.RoleSystem, Content: "be brief"},
		models.Message{Role: models.RoleUser, Content: "one"},
		models.Message{Role: models.RoleSystem, Content: "be kind"},
		models.Message{Role: models.RoleUser, Content: "two"},
		models.Message{Role: models.RoleAssistant, Content: "reply"},
	)

	req, err := a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{Model: "claude-3-haiku"}, "ak-test", "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}

	if req.URL != "https://anthropic.test/v1/messages" {
		t.Errorf("url = %q", req.URL)
	}
	if got := req.Headers.Get("x-api-key"); got != "ak-test" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := req.Headers.Get("anthropic-version"); got != "2023-06-01" {
		t.Errorf("anthropic-version = %q", got)
	}
	if got := req.Headers.Get("Authorization"); got != "" {
		t.Errorf("unexpected bearer header %q on anthropic request", got)
	}

	var body struct {
		System    string           `json:"system"`
		Messages  []models.Message `json:"messages"`
		MaxTokens int              `json:"max_tokens"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.System != "be brief\n\nbe kind" {
		t.Errorf("system = %q", body.System)
	}
	if body.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want default 4096", body.MaxTokens)
	}
	for i := 1; i < len(body.Messages); i++ {
		if body.Messages[i].Role == body.Messages[i-1].Role {
			t.Errorf("messages[%d] and [%d] share role %q", i-1, i, body.Messages[i].Role)
		}
	}
	// "one" and "two" were split by a system message that got extracted,
	// leaving two consecutive user turns to merge.
	if body.Messages[0].Content != "one\n\ntwo" {
		t.Errorf("merged content = %q", body.Messages[0].Content)
	}
}

func TestAdaptAnthropicKeepsExplicitMaxTokens(t *testing.T) {
	a := testAdapter()
	env := chatEnvelope(models.Message{Role: models.RoleUser, Content: "hi"})

	req, err := a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{Model: "claude-3-opus", MaxTokens: 1024}, "ak", "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}
	var body struct {
		MaxTokens int `json:"max_tokens"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d, want 1024", body.MaxTokens)
	}
}

func TestAdaptMissingModelFallsBack(t *testing.T) {
	a := testAdapter()
	env := chatEnvelope(models.Message{Role: models.RoleUser, Content: "hi"})

	req, err := a.Adapt(envelope.PathChatCompletions, env, models.ModelConfig{}, "sk", "")
	if err != nil {
		t.Fatalf("Adapt must not fail on a missing model: %v", err)
	}
	if req.URL != "https://openai.test/v1/chat/completions" {
		t.Errorf("url = %q, want default provider path", req.URL)
	}
}

func TestMergeSameRoleIdempotent(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleUser, Content: "b"},
		{Role: models.RoleAssistant, Content: "c"},
		{Role: models.RoleAssistant, Content: "d"},
		{Role: models.RoleUser, Content: "e"},
	}

	once := MergeSameRole(messages)
	twice := MergeSameRole(once)

	if len(once) != 3 {
		t.Fatalf("got %d messages, want 3", len(once))
	}
	if once[0].Content != "a\n\nb" || once[1].Content != "c\n\nd" || once[2].Content != "e" {
		t.Errorf("merged = %+v", once)
	}
	if len(twice) != len(once) {
		t.Fatalf("re-merge changed length: %d vs %d", len(twice), len(once))
	}
	for i := range once {
		if twice[i] != once[i] {
			t.Errorf("re-merge changed messages[%d]: %+v vs %+v", i, twice[i], once[i])
		}
	}
}

func TestMergeSameRoleDoesNotMutateInput(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleUser, Content: "b"},
	}
	MergeSameRole(messages)
	if messages[0].Content != "a" {
		t.Errorf("input mutated: %+v", messages)
	}
}

func TestExtractSystemSkipsBlank(t *testing.T) {
	system, rest := ExtractSystem([]models.Message{
		{Role: models.RoleSystem, Content: "   "},
		{Role: models.RoleUser, Content: "hi"},
	})
	if system != "" {
		t.Errorf("system = %q, want empty", system)
	}
	if len(rest) != 1 {
		t.Errorf("rest = %+v", rest)
	}
}

func TestAdaptAnthropicFromPromptEnvelope(t *testing.T) {
	a := testAdapter()
	env := models.RequestEnvelope{Prompt: "joined prompt", Stream: true}

	req, err := a.Adapt(envelope.PathCompletions, env, models.ModelConfig{Model: "claude-2"}, "ak", "")
	if err != nil {
		t.Fatalf("Adapt failed: %v", err)
	}
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != models.RoleUser || body.Messages[0].Content != "joined prompt" {
		t.Errorf("messages = %+v", body.Messages)
	}
}

package relay

// frame is the superset of the streaming event shapes the relay understands.
// Unknown fields are ignored by the decoder, so one struct covers all
// provider families.
type frame struct {
	Model string `json:"model"`
	Type  string `json:"type"`

	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`

	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// An extractor pulls the text delta out of one decoded frame shape. Adding a
// provider shape means appending an extractor, not growing branch logic.
type extractor func(frame) (string, bool)

// extractors are tried in priority order; the first match wins.
var extractors = []extractor{
	chatDelta,
	completionText,
	anthropicDelta,
}

// chatDelta matches OpenAI chat streaming: .choices[0].delta.content.
func chatDelta(f frame) (string, bool) {
	if len(f.Choices) == 0 || f.Choices[0].Delta.Content == "" {
		return "", false
	}
	return f.Choices[0].Delta.Content, true
}

// completionText matches legacy completions streaming: .choices[0].text.
func completionText(f frame) (string, bool) {
	if len(f.Choices) == 0 || f.Choices[0].Text == "" {
		return "", false
	}
	return f.Choices[0].Text, true
}

// anthropicDelta matches Anthropic content_block_delta events: .delta.text.
func anthropicDelta(f frame) (string, bool) {
	if f.Delta.Text == "" {
		return "", false
	}
	return f.Delta.Text, true
}

// extractDelta tries each known shape in order, defaulting to empty.
func extractDelta(f frame) string {
	for _, extract := range extractors {
		if text, ok := extract(f); ok {
			return text
		}
	}
	return ""
}

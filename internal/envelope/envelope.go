// Package envelope builds provider-agnostic request envelopes from
// role-tagged message lists. It is a pure transformation layer with no
// network or I/O side effects.
package envelope

import (
	"errors"
	"fmt"
	"strings"

	"chatstream/internal/models"
)

// Target API shapes selectable by the caller via the `path` request header.
const (
	PathCompletions     = "v1/completions"
	PathChatCompletions = "v1/chat/completions"
)

var (
	// ErrNoMessages indicates the caller supplied an empty message list.
	ErrNoMessages = errors.New("at least one message is required")

	// ErrInvalidRole indicates a message carried an unknown role.
	ErrInvalidRole = errors.New("invalid message role")
)

// Options tunes normalization behaviour.
type Options struct {
	// FilterBot drops assistant-role messages before normalization, used
	// when history is re-sent without the provider's own prior replies.
	FilterBot bool
}

// Normalize builds a RequestEnvelope for the given target path. The
// completions path joins all message contents with a blank line, ignoring
// roles; the chat path passes messages through unchanged.
func Normalize(path string, messages []models.Message, opts Options) (models.RequestEnvelope, error) {
	if opts.FilterBot {
		kept := make([]models.Message, 0, len(messages))
		for _, msg := range messages {
			if msg.Role != models.RoleAssistant {
				kept = append(kept, msg)
			}
		}
		messages = kept
	}

	if len(messages) == 0 {
		return models.RequestEnvelope{}, ErrNoMessages
	}
	for i, msg := range messages {
		if !models.ValidRole(msg.Role) {
			return models.RequestEnvelope{}, fmt.Errorf("messages[%d]: %w: %q", i, ErrInvalidRole, msg.Role)
		}
	}

	if path == PathCompletions {
		parts := make([]string, 0, len(messages))
		for _, msg := range messages {
			parts = append(parts, msg.Content)
		}
		return models.RequestEnvelope{
			Prompt: strings.TrimSpace(strings.Join(parts, "\n\n")),
			Stream: true,
		}, nil
	}

	out := make([]models.Message, len(messages))
	copy(out, messages)
	return models.RequestEnvelope{
		Messages: out,
		Stream:   true,
	}, nil
}

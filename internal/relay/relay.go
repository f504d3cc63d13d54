// Package relay opens one upstream provider connection and re-emits the
// response as a flat text-delta stream, regardless of which streaming shape
// the provider speaks.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatstream/internal/models"
)

const (
	// HardTimeout bounds one whole relay exchange. The client's own stall
	// timeout typically fires first in practice.
	HardTimeout = 60 * time.Second

	// doneSentinel terminates an OpenAI-style stream.
	doneSentinel = "[DONE]"

	// stopEventType terminates an Anthropic-style stream.
	stopEventType = "message_stop"

	maxErrorBodyBytes = 1 << 20
)

var (
	// ErrUpstream indicates a network failure before the first byte.
	ErrUpstream = errors.New("upstream request failed")

	// ErrUnauthorized indicates the upstream rejected the credential.
	ErrUnauthorized = errors.New("upstream rejected credentials")
)

// Relay opens adapted provider requests and normalizes their responses.
type Relay struct {
	client *http.Client
}

// New constructs a Relay around the given HTTP client.
func New(client *http.Client) *Relay {
	return &Relay{client: client}
}

// Stream is one open upstream exchange. Deltas are read with Next until
// io.EOF; the resolved model name is available as soon as Open returns, so
// it can be surfaced out-of-band before the first byte is written.
type Stream struct {
	resolvedModel string

	body io.ReadCloser
	sse  *sseReader

	oneShot     string
	oneShotSent bool

	pending []string
	done    bool
}

// Open issues the upstream request and prepares the delta stream. A
// non-streaming response body is wrapped in a fenced code block and served
// as a one-shot stream so the caller's code path stays uniform.
func (r *Relay) Open(ctx context.Context, req models.ProviderRequest) (*Stream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("construct upstream request: %w", err)
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") {
		// Upstream error JSON (or any non-streaming payload) renders
		// legibly as a code block instead of breaking the parser.
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("%w: read non-streaming body: %v", ErrUpstream, readErr)
		}
		return &Stream{
			resolvedModel: req.Model,
			oneShot:       "```json\n" + strings.TrimSpace(string(body)) + "\n```",
		}, nil
	}

	stream := &Stream{
		resolvedModel: req.Model,
		body:          resp.Body,
		sse:           newSSEReader(resp.Body),
	}
	stream.peekResolvedModel()
	return stream, nil
}

// peekResolvedModel reads ahead until the first frame that names the routed
// model (or the first text delta, whichever comes first), buffering any
// delta it consumes. Server-side routing may resolve a different model than
// the one requested, and the name must be known before headers are written.
func (s *Stream) peekResolvedModel() {
	for {
		data, err := s.sse.nextData()
		if err != nil {
			s.done = true
			return
		}
		if data == doneSentinel {
			s.done = true
			return
		}

		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			continue
		}
		if f.Type == stopEventType {
			s.done = true
			return
		}

		// A frame may carry both the model name and content; buffer the
		// content so the read-ahead never drops text.
		delta := extractDelta(f)
		if delta != "" {
			s.pending = append(s.pending, delta)
		}
		if f.Model != "" {
			s.resolvedModel = f.Model
			return
		}
		if delta != "" {
			return
		}
	}
}

// ResolvedModel reports the model name the upstream actually served.
func (s *Stream) ResolvedModel() string {
	return s.resolvedModel
}

// Next returns the next text delta, or io.EOF once the stream is closed by
// a terminal sentinel or the upstream connection ends. Frames that fail to
// decode are skipped silently; some vendors emit non-JSON keepalives.
func (s *Stream) Next() (string, error) {
	if len(s.pending) > 0 {
		delta := s.pending[0]
		s.pending = s.pending[1:]
		return delta, nil
	}
	if s.done {
		return "", io.EOF
	}

	if s.oneShot != "" {
		if s.oneShotSent {
			return "", io.EOF
		}
		s.oneShotSent = true
		return s.oneShot, nil
	}

	for {
		data, err := s.sse.nextData()
		if err == io.EOF {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("read upstream stream: %w", err)
		}

		if data == doneSentinel {
			s.done = true
			return "", io.EOF
		}

		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			continue
		}
		if f.Type == stopEventType {
			s.done = true
			return "", io.EOF
		}

		if delta := extractDelta(f); delta != "" {
			return delta, nil
		}
	}
}

// Close releases the upstream connection. Safe to call more than once and
// after natural completion.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}

// Package chatclient consumes the relay's byte stream incrementally,
// feeding accumulated text to a caller callback with a per-chunk stall
// timeout.
package chatclient

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

	"chatstream/internal/envelope"
	"chatstream/internal/keypool"
	"chatstream/internal/models"
)

const (
	// defaultStallTimeout bounds the wait for each chunk. A stream that
	// goes quiet for this long is treated as complete with whatever has
	// accumulated, not as an error: partial output beats an error screen.
	defaultStallTimeout = 30 * time.Second

	headerPath        = "path"
	headerToken       = "token"
	headerRoutedModel = "X-Routed-Model"

	readChunkSize = 4 << 10
)

var (
	// ErrUnauthorized indicates the relay returned 401. No retry.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStream indicates any other non-OK relay status or a network
	// failure. No automatic retry; the caller may re-issue manually.
	ErrStream = errors.New("stream error")
)

// DeltaFunc receives the accumulated response text on every increment and
// once more with done=true on completion, stall timeout, or error.
type DeltaFunc func(text string, done bool, resolvedModel string)

// ChatRequest describes one chat turn.
type ChatRequest struct {
	Path            string
	Messages        []models.Message
	Config          models.ModelConfig
	OverrideBaseURL string
	FilterBot       bool
}

// Client issues chat turns against one relay deployment.
type Client struct {
	relayURL     string
	keyPool      string
	httpClient   *http.Client
	rotator      *keypool.Rotator
	stallTimeout time.Duration
}

// New constructs a Client. The HTTP client must not enforce its own
// timeout; the consumer bounds each read with its stall timer instead.
func New(relayURL, keyPool string, httpClient *http.Client) *Client {
	return &Client{
		relayURL:     strings.TrimRight(relayURL, "/"),
		keyPool:      keyPool,
		httpClient:   httpClient,
		rotator:      keypool.New(),
		stallTimeout: defaultStallTimeout,
	}
}

// chatBody mirrors the relay's inbound payload.
type chatBody struct {
	Messages        []models.Message `json:"messages,omitempty"`
	Prompt          string           `json:"prompt,omitempty"`
	Model           string           `json:"model"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	Seed            int              `json:"seed,omitempty"`
	OverrideBaseURL string           `json:"overrideBaseUrl,omitempty"`
}

// Stream normalizes the request, picks the next pool credential, opens the
// relay stream and pumps it into onDelta. Within one stream, delta
// callbacks fire strictly in arrival order and the final done callback
// fires exactly once, after all deltas, on every path except caller
// cancellation. After ctx is cancelled no callback fires at all.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onDelta DeltaFunc) error {
	path := req.Path
	if path == "" {
		path = envelope.PathChatCompletions
	}

	env, err := envelope.Normalize(path, req.Messages, envelope.Options{FilterBot: req.FilterBot})
	if err != nil {
		return fmt.Errorf("normalize request: %w", err)
	}

	body := chatBody{
		Messages:        env.Messages,
		Prompt:          env.Prompt,
		Model:           req.Config.Model,
		Temperature:     req.Config.Temperature,
		MaxTokens:       req.Config.MaxTokens,
		Seed:            req.Config.Seed,
		OverrideBaseURL: req.OverrideBaseURL,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("construct chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerPath, path)
	if key := c.rotator.Next(c.keyPool); key != "" {
		httpReq.Header.Set(headerToken, key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrStream, err)
	}
	defer resp.Body.Close()

	// Status handling short-circuits before the read loop.
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: relay returned status %d", ErrStream, resp.StatusCode)
	}

	resolvedModel := resp.Header.Get(headerRoutedModel)
	if resolvedModel == "" {
		resolvedModel = req.Config.Model
	}

	return c.consume(ctx, resp.Body, resolvedModel, onDelta)
}

type chunk struct {
	data []byte
	err  error
}

// consume runs the read loop for the life of one response body. The quit
// channel releases the reader goroutine on every exit path: after consume
// returns nobody receives from chunks, so a send blocked on a closed body's
// final error would otherwise park the goroutine forever.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, resolvedModel string, onDelta DeltaFunc) error {
	quit := make(chan struct{})
	defer close(quit)

	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, readChunkSize)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case chunks <- chunk{data: buf[:n]}:
				case <-quit:
					return
				}
			}
			if err != nil {
				select {
				case chunks <- chunk{err: err}:
				case <-quit:
				}
				return
			}
		}
	}()

	var responseText strings.Builder
	doneFired := false
	finish := func() {
		if !doneFired {
			doneFired = true
			onDelta(responseText.String(), true, resolvedModel)
		}
	}

	stall := time.NewTimer(c.stallTimeout)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			// Caller abort: release the connection, no further
			// callbacks of any kind.
			body.Close()
			return ctx.Err()

		case <-stall.C:
			// Upstream stopped sending without closing. Synthesize a
			// completion with the partial text and abort the read.
			body.Close()
			finish()
			return nil

		case ck, ok := <-chunks:
			if !ok {
				finish()
				return nil
			}
			if ck.err != nil {
				if ck.err == io.EOF {
					finish()
					return nil
				}
				// Mid-stream failure still completes the callback
				// contract before reporting the error.
				finish()
				return fmt.Errorf("%w: %v", ErrStream, ck.err)
			}

			responseText.Write(ck.data)
			onDelta(responseText.String(), false, resolvedModel)

			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(c.stallTimeout)
		}
	}
}

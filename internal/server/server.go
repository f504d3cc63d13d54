package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatstream/internal/adapter"
	"chatstream/internal/config"
	"chatstream/internal/envelope"
	"chatstream/internal/indexer"
	"chatstream/internal/models"
	"chatstream/internal/relay"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	// headerPath selects the target API shape for one request.
	headerPath = "path"
	// headerToken carries the caller's credential, already rotated.
	headerToken = "token"
	// headerRoutedModel surfaces the resolved model out-of-band so the
	// byte stream stays pure text.
	headerRoutedModel = "X-Routed-Model"
)

type Server struct {
	cfg     config.Config
	adapter *adapter.Adapter
	relay   *relay.Relay
	indexer *indexer.Client
	proxy   *http.Client
	app     *echo.Echo
	address string

	// streamCeiling bounds one whole relay exchange. Defaults to
	// relay.HardTimeout; tests shorten it.
	streamCeiling time.Duration
}

// New constructs the relay HTTP server wired with routing and middleware.
// The upstream client must not enforce its own timeout; streaming exchanges
// are bounded per request instead.
func New(cfg config.Config, upstream *http.Client) (*Server, error) {
	if upstream == nil {
		return nil, errors.New("upstream http client must not be nil")
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg: cfg,
		adapter: adapter.New(adapter.Config{
			OpenAIBaseURL:    cfg.Server.Upstreams.OpenAIBaseURL,
			AnthropicBaseURL: cfg.Server.Upstreams.AnthropicBaseURL,
			AnthropicVersion: cfg.Server.Upstreams.AnthropicVersion,
		}),
		relay:         relay.New(upstream),
		proxy:         upstream,
		app:           e,
		address:       fmt.Sprintf(":%d", cfg.Server.Port),
		streamCeiling: relay.HardTimeout,
	}
	if cfg.Server.IndexerBaseURL != "" {
		srv.indexer = indexer.New(cfg.Server.IndexerBaseURL, upstream)
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("starting relay server", "addr", s.address)

	// No WriteTimeout: a streaming response stays open for the life of
	// the upstream exchange, bounded by the relay's hard ceiling.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the route tree for in-process testing.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/api/chat", s.handleChat)
	s.app.GET("/api/docs", s.handleIndexerDocs)
	s.app.POST("/api/docs/query", s.handleIndexerQuery)
	s.app.POST("/api/docs/index", s.handleIndexerIndex)
	s.app.POST("/api/transcribe", s.handleTranscribe)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// chatRequest is the inbound chat stream payload. Either messages or prompt
// is set, mirroring the envelope the client normalized.
type chatRequest struct {
	Messages        []models.Message `json:"messages,omitempty"`
	Prompt          string           `json:"prompt,omitempty"`
	Model           string           `json:"model"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       int              `json:"max_tokens,omitempty"`
	Seed            int              `json:"seed,omitempty"`
	OverrideBaseURL string           `json:"overrideBaseUrl,omitempty"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if len(req.Messages) == 0 && req.Prompt == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "either messages or prompt is required",
			Type:    "invalid_request_error",
		}
	}

	path := c.Request().Header.Get(headerPath)
	if path == "" {
		path = envelope.PathChatCompletions
	}
	token := c.Request().Header.Get(headerToken)
	if token == "" {
		token = s.cfg.Server.TrialKey
	}

	env := models.RequestEnvelope{
		Prompt:   req.Prompt,
		Messages: req.Messages,
		Stream:   true,
	}
	modelCfg := models.ModelConfig{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Seed:        req.Seed,
	}

	providerReq, err := s.adapter.Adapt(path, env, modelCfg, token, req.OverrideBaseURL)
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.streamCeiling)
	defer cancel()

	stream, err := s.relay.Open(ctx, providerReq)
	if err != nil {
		if errors.Is(err, relay.ErrUnauthorized) {
			return requestError{
				Status:  http.StatusUnauthorized,
				Message: "upstream rejected the provided credentials",
				Type:    "authentication_error",
			}
		}
		slog.Error("relay open failed", "err", err)
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider error",
			Type:    "upstream_error",
		}
	}
	defer stream.Close()

	return writeByteStream(c, stream)
}

// writeByteStream copies relay deltas to the response as a flat chunked
// byte stream, flushing per delta.
func writeByteStream(c echo.Context, stream *relay.Stream) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set(headerRoutedModel, stream.ResolvedModel())

	c.Response().WriteHeader(http.StatusOK)

	for {
		delta, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Headers are gone; all we can do is stop early.
			slog.Warn("upstream stream ended abnormally", "err", err)
			return nil
		}
		if _, err := io.WriteString(writer, delta); err != nil {
			return nil // client went away
		}
		flusher.Flush()
	}
}

func (s *Server) handleIndexerDocs(c echo.Context) error {
	if s.indexer == nil {
		return errIndexerDisabled
	}
	raw, err := s.indexer.Docs(c.Request().Context())
	if err != nil {
		return indexerProxyError(err)
	}
	return c.JSONBlob(http.StatusOK, raw)
}

func (s *Server) handleIndexerQuery(c echo.Context) error {
	if s.indexer == nil {
		return errIndexerDisabled
	}
	body, err := readProxyBody(c)
	if err != nil {
		return err
	}
	raw, err := s.indexer.Query(c.Request().Context(), body)
	if err != nil {
		return indexerProxyError(err)
	}
	return c.JSONBlob(http.StatusOK, raw)
}

func (s *Server) handleIndexerIndex(c echo.Context) error {
	if s.indexer == nil {
		return errIndexerDisabled
	}
	body, err := readProxyBody(c)
	if err != nil {
		return err
	}
	raw, err := s.indexer.Index(c.Request().Context(), body)
	if err != nil {
		return indexerProxyError(err)
	}
	return c.JSONBlob(http.StatusOK, raw)
}

// handleTranscribe forwards base64 audio to the speech collaborator and
// returns its response verbatim. Request/response only, no streaming.
func (s *Server) handleTranscribe(c echo.Context) error {
	if s.cfg.Server.SpeechBaseURL == "" {
		return requestError{
			Status:  http.StatusNotImplemented,
			Message: "speech service is not configured",
			Type:    "invalid_request_error",
		}
	}

	body, err := readProxyBody(c)
	if err != nil {
		return err
	}

	url := s.cfg.Server.SpeechBaseURL + "/api/transcribe"
	req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.proxy.Do(req)
	if err != nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "speech service unavailable",
			Type:    "upstream_error",
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read transcribe response: %w", err)
	}
	return c.JSONBlob(resp.StatusCode, raw)
}

var errIndexerDisabled = requestError{
	Status:  http.StatusNotImplemented,
	Message: "indexer service is not configured",
	Type:    "invalid_request_error",
}

func indexerProxyError(err error) error {
	slog.Error("indexer proxy failed", "err", err)
	return requestError{
		Status:  http.StatusBadGateway,
		Message: "indexer service unavailable",
		Type:    "upstream_error",
	}
}

func readProxyBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: "failed to read request body",
			Type:    "invalid_request_error",
		}
	}
	return body, nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func errorHandler(err error, c echo.Context) {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

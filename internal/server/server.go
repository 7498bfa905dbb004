package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/llm"
	"scriptrag/internal/metrics"
	"scriptrag/internal/models"
	"scriptrag/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeout        = 5 * time.Minute
	idleTimeout         = 120 * time.Second
)

// Client is the subset of *llm.Client the HTTP surface needs.
type Client interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
	Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error)
	ListModels(ctx context.Context) ([]models.Model, error)
	Providers(ctx context.Context) []llm.ProviderStatus
	SwitchProvider(ctx context.Context, target models.ProviderType) bool
	Metrics() metrics.Snapshot
	ResetMetrics()
}

type Server struct {
	cfg     config.Config
	client  Client
	app     *echo.Echo
	logger  *zap.Logger
	now     func() time.Time
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, client Client, logger *zap.Logger) (*Server, error) {
	if client == nil {
		return nil, errors.New("llm client must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		client:  client,
		app:     e,
		logger:  logger,
		now:     time.Now,
		address: cfg.Server.Addr(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server)
	s.logger.Info("starting server", zap.String("addr", s.address))

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
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
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/messages", s.handleClaudeMessages)
	s.app.POST("/v1/embeddings", s.handleEmbeddings)
	s.app.GET("/v1/providers", s.handleProviders)
	s.app.PUT("/v1/providers/current", s.handleSwitchProvider)
	s.app.GET("/v1/metrics", s.handleMetrics)
	s.app.DELETE("/v1/metrics", s.handleResetMetrics)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	list, err := s.client.ListModels(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromModels(list))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.client.Complete(c.Request().Context(), req.ToCompletionRequest())
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}
	if resp.ID == "" {
		resp.ID = "chatcmpl-" + uuid.NewString()
	}

	return c.JSON(http.StatusOK, translator.FromCompletion(s.now().Unix(), resp))
}

func (s *Server) handleClaudeMessages(c echo.Context) error {
	var req translator.ClaudeMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.client.Complete(c.Request().Context(), req.ToCompletionRequest())
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}
	if resp.ID == "" {
		resp.ID = "msg_" + uuid.NewString()
	}

	return c.JSON(http.StatusOK, translator.FromCompletionClaude(resp))
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	var req translator.EmbeddingRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.client.Embed(c.Request().Context(), req.ToEmbeddingRequest())
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}
	return c.JSON(http.StatusOK, translator.FromEmbedding(resp))
}

func (s *Server) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.client.Providers(c.Request().Context()),
	})
}

type switchRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleSwitchProvider(c echo.Context) error {
	var req switchRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	target, err := models.ParseProviderType(req.Provider)
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "unknown_provider",
		}
	}

	if !s.client.SwitchProvider(c.Request().Context(), target) {
		return requestError{
			Status:  http.StatusConflict,
			Message: fmt.Sprintf("provider %s is not available", target),
			Type:    "provider_unavailable",
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"provider": string(target)})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.client.Metrics())
}

func (s *Server) handleResetMetrics(c echo.Context) error {
	s.client.ResetMetrics()
	return c.NoContent(http.StatusNoContent)
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
	Status    int
	Message   string
	Type      string
	Code      string
	Providers []models.ProviderType
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message   string                `json:"message"`
		Type      string                `json:"type"`
		Code      string                `json:"code,omitempty"`
		Providers []models.ProviderType `json:"providers,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, reqErr requestError) error {
	var payload errorBody
	payload.Error.Message = reqErr.Message
	payload.Error.Type = reqErr.Type
	payload.Error.Code = reqErr.Code
	payload.Error.Providers = reqErr.Providers
	return c.JSON(reqErr.Status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, requestError{
			Status:  he.Code,
			Message: fmt.Sprint(he.Message),
			Type:    "invalid_request_error",
		})
		return
	}

	_ = writeError(c, requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	})
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, llm.ErrInvalidRequest) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}
	if errors.Is(err, llm.ErrNoProviderAvailable) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "provider_unavailable",
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "request timed out",
			Type:    "timeout",
		}
	}

	var failed *llm.AllProvidersFailedError
	if errors.As(err, &failed) {
		return requestError{
			Status:    http.StatusBadGateway,
			Message:   err.Error(),
			Type:      "upstream_error",
			Providers: failed.Providers(),
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(cfg config.ServerConfig) {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	base := fmt.Sprintf("http://%s:%d", host, cfg.Port)

	fmt.Println()
	fmt.Println("scriptrag llm gateway ready")
	fmt.Printf("Listening on %s\n", base)
	fmt.Println("Endpoints:")
	for _, line := range []string{
		"GET    /health",
		"GET    /v1/models",
		"POST   /v1/chat/completions",
		"POST   /v1/messages",
		"POST   /v1/embeddings",
		"GET    /v1/providers",
		"PUT    /v1/providers/current",
		"GET    /v1/metrics",
		"DELETE /v1/metrics",
	} {
		fmt.Println("  " + line)
	}
	fmt.Printf("Example:\n  curl %s/v1/chat/completions -H 'Content-Type: application/json' -d '%s'\n\n",
		base, `{"messages":[{"role":"user","content":"Summarise INT. DINER - NIGHT"}]}`)
}

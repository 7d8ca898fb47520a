// Package server exposes a generation pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MistApproach/callm/internal/logger"
	"github.com/MistApproach/callm/internal/logits"
	"github.com/MistApproach/callm/internal/version"
	"github.com/MistApproach/callm/pkg/callm"
	"github.com/MistApproach/callm/pkg/loader"
	"github.com/MistApproach/callm/pkg/pipeline"
	"github.com/MistApproach/callm/pkg/template"
)

const headerRequestID = "X-Request-Id"

var knownRoutes = map[string]struct{}{
	"/v1/generate": {},
	"/v1/chat":     {},
	"/v1/model":    {},
	"/healthz":     {},
	"/metrics":     {},
}

// Pipeline is the part of *pipeline.Text the server drives.
type Pipeline interface {
	RunDetailed(ctx context.Context, prompt string) (*pipeline.Result, error)
	RunChatDetailed(ctx context.Context, msgs []template.Message) (*pipeline.Result, error)
	Loaded() bool
	Loader() loader.Loader
	Sampling() logits.Sampling
	Seed() *uint64
}

type Server struct {
	pipeline Pipeline
	log      logger.Logger
	metrics  *metrics
	clock    func() time.Time
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegistry registers the server's collectors on reg instead of a
// private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.metrics = newMetrics(reg) }
}

func New(p Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		log:      logger.Discard(),
		clock:    time.Now,
	}
	for _, fn := range opts {
		fn(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(prometheus.NewRegistry())
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/chat", s.handleChat)
	e.GET("/v1/model", s.handleModel)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
}

// Handler returns the full HTTP stack: request ids, recovery and metrics
// around the routes.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.Use(requestID)
	e.Use(middleware.Recover())
	s.Register(e)
	return s.metrics.instrument(e)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string, readTimeout time.Duration) error {
	s.log.Info("starting server", "address", addr, "version", version.String())
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = readTimeout
			return nil
		},
	}
	return sc.Start(ctx, s.Handler())
}

func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, id)
		return next(c)
	}
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}
	res, err := s.pipeline.RunDetailed(c.Request().Context(), req.Prompt)
	return s.writeResult(c, "text_completion", res, err)
}

func (s *Server) handleChat(c *echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	msgs, err := template.ParseMessages(raw)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(msgs) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	for _, m := range msgs {
		switch m.Role {
		case template.RoleSystem, template.RoleUser, template.RoleAssistant:
		default:
			return writeBadRequest(c, "unknown message role "+string(m.Role))
		}
	}
	res, err := s.pipeline.RunChatDetailed(c.Request().Context(), msgs)
	return s.writeResult(c, "chat_completion", res, err)
}

func (s *Server) writeResult(c *echo.Context, object string, res *pipeline.Result, err error) error {
	id := c.Response().Header().Get(headerRequestID)
	if err != nil {
		status, errType := classify(err)
		s.log.Warn("generation failed", "request_id", id, "status", status, "error", err)
		return writeError(c, status, errType, err.Error())
	}
	s.metrics.observeGeneration(res.PromptTokens, res.GeneratedTokens, string(res.Stop), res.Stats.Duration)
	s.log.Info("generation complete",
		"request_id", id,
		"prompt_tokens", res.PromptTokens,
		"generated_tokens", res.GeneratedTokens,
		"stop", string(res.Stop),
		"elapsed", res.Stats.Duration,
	)

	resp := GenerationResponse{
		ID:         id,
		Object:     object,
		Created:    s.clock().Unix(),
		Text:       res.Text,
		StopReason: string(res.Stop),
		Usage: Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.GeneratedTokens,
			TotalTokens:      res.PromptTokens + res.GeneratedTokens,
		},
		Timing: Timing{
			DurationMS:      res.Stats.Duration.Milliseconds(),
			TokensPerSecond: res.Stats.TPS,
		},
	}
	if d, ok := s.pipeline.Loader().(loader.Describer); ok {
		if desc, err := d.Describe(); err == nil {
			resp.Model = desc.Arch
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModel(c *echo.Context) error {
	d, ok := s.pipeline.Loader().(loader.Describer)
	if !ok {
		return writeError(c, http.StatusNotImplemented, "not_implemented", "loader cannot describe its model")
	}
	desc, err := d.Describe()
	if err != nil {
		status, errType := classify(err)
		return writeError(c, status, errType, err.Error())
	}
	sm := s.pipeline.Sampling()
	resp := ModelResponse{
		Object:       "model",
		Format:       string(desc.Format),
		Location:     desc.Location,
		Files:        desc.Files,
		Architecture: desc.Arch,
		Name:         desc.Name,
		VocabSize:    desc.VocabSize,
		BOS:          desc.BOS,
		EOS:          desc.EOS,
		ChatTemplate: desc.ChatTemplate,
		Loaded:       s.pipeline.Loaded(),
		Sampling: Sampling{
			Policy:      sm.Kind.String(),
			Temperature: sm.Temperature,
			Seed:        s.pipeline.Seed(),
		},
	}
	switch sm.Kind {
	case logits.TopK:
		resp.Sampling.TopK = &sm.K
	case logits.TopP:
		resp.Sampling.TopP = &sm.P
	case logits.TopKThenTopP:
		resp.Sampling.TopK, resp.Sampling.TopP = &sm.K, &sm.P
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *echo.Context) error {
	if !s.pipeline.Loaded() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "loading"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// classify maps pipeline errors to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled_error"
	case errors.Is(err, callm.ErrTemplate), errors.Is(err, callm.ErrTokenizer):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, callm.ErrGeneric):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, callm.ErrUnsupportedModel):
		return http.StatusNotImplemented, "unsupported_model_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

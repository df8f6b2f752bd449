// Package server is the HTTP front door of the assistant: pipeline
// CRUD, the websocket run API, synthesized media, briefing feeds and
// health, all on one fiber app.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/naralabs/nara/pkg/briefing"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/media"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/store"
	"github.com/naralabs/nara/pkg/transports"
)

type Config struct {
	Addr string `mapstructure:"addr"`
	// ReadTimeout guards slow request bodies; websocket traffic is
	// exempt once upgraded.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8130"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	return c
}

// EngineCatalog lists registered engines for the discovery endpoint.
type EngineCatalog interface {
	Catalog() engines.Catalog
}

// MediaSource serves stored synthesis artifacts by token.
type MediaSource interface {
	Get(token string) (media.Item, bool)
}

// Deps are the collaborators the handlers reach into.
type Deps struct {
	Pipelines store.Store
	Engines   EngineCatalog
	Launcher  transports.RunLauncher
	Dialer    transports.Dialer
	Media     MediaSource
	Briefings *briefing.Service
	Runs      *pipeline.RunRegistry
	Logger    *slog.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	app    *fiber.App
	logger *slog.Logger
	ctx    context.Context
}

func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	app := fiber.New(fiber.Config{
		AppName:               "nara",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
	})

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/pipelines", s.handleListPipelines)
	api.Post("/pipelines", s.handleCreatePipeline)
	api.Get("/pipelines/:id", s.handleGetPipeline)
	api.Put("/pipelines/:id", s.handleUpdatePipeline)
	api.Delete("/pipelines/:id", s.handleDeletePipeline)
	api.Post("/pipelines/:id/prefer", s.handlePreferPipeline)
	api.Get("/engines", s.handleEngines)
	api.Get("/runs", s.handleListRuns)
	api.Post("/runs/:id/cancel", s.handleCancelRun)
	api.Post("/calls", s.handleDialCall)
	api.Get("/media/:token", s.handleMedia)
	api.Get("/briefings/:id", s.handleBriefing)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleRunSocket))

	s.app = app
	return s
}

func (s *Server) Name() string { return "http" }

func (s *Server) ReadyFields() map[string]any {
	return map[string]any{"listen_addr": s.cfg.Addr}
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.app.Shutdown()
	}()
	go func() {
		if err := s.app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("http_server_error", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests (app.Test) and embedding.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) runContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleEngines(c *fiber.Ctx) error {
	if s.deps.Engines == nil {
		return c.JSON(engines.Catalog{})
	}
	return c.JSON(s.deps.Engines.Catalog())
}

func (s *Server) handleListRuns(c *fiber.Ctx) error {
	if s.deps.Runs == nil {
		return c.JSON([]pipeline.RunInfo{})
	}
	return c.JSON(s.deps.Runs.Active())
}

func (s *Server) handleCancelRun(c *fiber.Ctx) error {
	if s.deps.Runs == nil || !s.deps.Runs.Cancel(c.Params("id")) {
		return apiError(c, fiber.StatusNotFound, "run_not_found", "no active run with that id")
	}
	return c.JSON(fiber.Map{"canceled": true})
}

func (s *Server) handleMedia(c *fiber.Ctx) error {
	if s.deps.Media == nil {
		return apiError(c, fiber.StatusNotFound, "media_not_found", "media store disabled")
	}
	item, ok := s.deps.Media.Get(c.Params("token"))
	if !ok {
		return apiError(c, fiber.StatusNotFound, "media_not_found", "unknown or expired token")
	}
	c.Set(fiber.HeaderContentType, item.MIME)
	return c.Send(item.Data)
}

func (s *Server) handleBriefing(c *fiber.Ctx) error {
	if s.deps.Briefings == nil {
		return apiError(c, fiber.StatusNotFound, "briefing_not_found", "briefings disabled")
	}
	if !s.deps.Briefings.Authenticate(c.Query("password")) {
		return apiError(c, fiber.StatusUnauthorized, "unauthorized", "briefing password rejected")
	}
	payloads, err := s.deps.Briefings.Build(c.Params("id"))
	if err != nil {
		if errors.Is(err, briefing.ErrUnknownBriefing) {
			return apiError(c, fiber.StatusNotFound, "briefing_not_found", err.Error())
		}
		return apiError(c, fiber.StatusInternalServerError, "briefing_failed", err.Error())
	}
	return c.JSON(payloads)
}

// apiError is the one error envelope of the HTTP surface.
func apiError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{"code": code, "message": message},
	})
}

// reasonStatus maps run failure reasons onto HTTP statuses.
func reasonStatus(err error) int {
	switch errorsx.Reason(err) {
	case errorsx.ReasonPipelineNotFound, errorsx.ReasonEngineNotFound:
		return fiber.StatusNotFound
	case errorsx.ReasonConfigInvalid, errorsx.ReasonFormatUnsupported:
		return fiber.StatusBadRequest
	default:
		if errors.Is(err, store.ErrNotFound) {
			return fiber.StatusNotFound
		}
		return fiber.StatusInternalServerError
	}
}

func trimID(raw string) string {
	return strings.TrimSpace(raw)
}

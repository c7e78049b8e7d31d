package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ilaydaydemir/screencast/internal/capture"
	"github.com/ilaydaydemir/screencast/internal/config"
	"github.com/ilaydaydemir/screencast/internal/preview"
	"github.com/ilaydaydemir/screencast/internal/session"
)

// FiberServer is the local control surface the panel and overlay talk to.
// It fronts the session controller over HTTP and fans session events out
// over WebSocket.
type FiberServer struct {
	*fiber.App
	cfg        *config.Config
	controller *session.Controller
	ffmpeg     *capture.FFmpeg
	preview    *preview.Manager
	hub        *Hub
	logger     *zap.Logger
}

func New(cfg *config.Config, controller *session.Controller, ffmpeg *capture.FFmpeg, previewMgr *preview.Manager, hub *Hub, logger *zap.Logger) *FiberServer {
	app := fiber.New(fiber.Config{
		ServerHeader: "screencast-agent",
		AppName:      "screencast-agent",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	server := &FiberServer{
		App:        app,
		cfg:        cfg,
		controller: controller,
		ffmpeg:     ffmpeg,
		preview:    previewMgr,
		hub:        hub,
		logger:     logger,
	}
	server.applyMiddleware()

	return server
}

func (s *FiberServer) applyMiddleware() {
	s.App.Use(recover.New())
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// Listen binds the configured host and port.
func (s *FiberServer) Listen() error {
	return s.App.Listen(fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port))
}

package handlers

import (
	"os"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/grouprelay/internal/chat"
	"github.com/pelusa-v/grouprelay/internal/config"
	"github.com/pelusa-v/grouprelay/internal/protocol"
)

// Room for multipart boundaries and headers on top of the file itself.
const multipartOverhead = 1 << 20

// NewApp wires the relay's HTTP surface.
func NewApp(cfg *config.Config, relay *chat.Relay, logger zerolog.Logger) (*fiber.App, error) {
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "failed to create uploads dir %s", cfg.UploadsDir)
	}

	app := fiber.New(fiber.Config{
		AppName:               "grouprelay",
		BodyLimit:             cfg.MaxUploadBytes + multipartOverhead,
		ErrorHandler:          ErrorHandler(logger),
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(RequestLogger(logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Origins(),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, " + protocol.HeaderAccessKey + ", " + protocol.HeaderDeviceID,
	}))

	h := New(relay, cfg, logger)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/health", h.Health)
	app.Get("/clients", h.ShowClientsHandler) // ?exclude=deviceOrConnId
	app.Get("/rooms", h.RoomsHandler)

	app.Post("/upload", h.Upload)
	app.Post("/uploads/clear", h.ClearUploads)
	app.Static("/uploads", cfg.UploadsDir)

	app.Get("/ws", h.Handshake, websocket.New(h.WebSocket))

	return app, nil
}

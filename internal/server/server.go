// Package server exposes the scoring engines over HTTP: upload point-cloud
// neurons as JSON, get score tables back. Uses fiber with sonic JSON codecs.
package server

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/morphoscope/nblast/internal/config"
	"github.com/morphoscope/nblast/internal/scoring"
)

// Server wraps the fiber app and the scoring defaults resolved at startup.
type Server struct {
	app *fiber.App
	cfg *config.AppConfig
	// lookup is the score table applied when a request does not carry its
	// own; nil falls back to the pass-through scorer.
	lookup *scoring.Lookup
}

// New builds the app and mounts the routes. lookup may be nil.
func New(cfg *config.AppConfig, lookup *scoring.Lookup) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "nblast",
		BodyLimit:    cfg.BodySizeLimit,
		ReadTimeout:  cfg.ReadTimeout,
		JSONEncoder:  sonic.Marshal,
		JSONDecoder:  sonic.Unmarshal,
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(compress.New())

	s := &Server{app: app, cfg: cfg, lookup: lookup}

	app.Get("/healthz", s.handleHealth)
	v1 := app.Group("/api/v1")
	v1.Post("/nblast", s.handleNBlast)
	v1.Post("/nblast/allbyall", s.handleAllByAll)
	v1.Post("/nblast/smart", s.handleSmart)
	v1.Post("/synblast", s.handleSynBlast)
	return s
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks serving requests.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	log.Info().Str("addr", addr).Msg("scoring server listening")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests and stops.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	log.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("request failed")
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

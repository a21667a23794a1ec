package httpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rajbos/copilot-usage-sync/internal/app"
	"github.com/rajbos/copilot-usage-sync/internal/config"
	"github.com/rajbos/copilot-usage-sync/internal/observability"
)

// Server is the daemon's local HTTP surface: health, status, metrics, and the
// v1 control endpoints. It binds to loopback by default and carries no
// authentication of its own.
type Server struct {
	fiber *fiber.App
	cfg   *config.Config
}

// New constructs a server with baseline middleware ready.
func New(application *app.App, cfg *config.Config, obs *observability.Provider) (*Server, error) {
	if application == nil {
		return nil, fmt.Errorf("app container is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	f := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "copilot-usage-sync",
		ReadTimeout:           cfg.Server.ReadHeaderTimeout,
		ReadBufferSize:        4 * 1024,
		WriteBufferSize:       4 * 1024,
	})

	f.Use(requestid.New())
	f.Use(logger.New())
	f.Use(recover.New())

	if obs != nil {
		f.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			if route == "" {
				route = c.Path()
			}
			obs.RecordHTTPRequest(c.UserContext(), c.Method(), route, c.Response().StatusCode(), time.Since(start))
			return err
		})
	}

	if obs != nil && obs.TracerProvider() != nil {
		tracer := otel.Tracer("copilot-usage-sync/http")
		f.Use(func(c *fiber.Ctx) error {
			spanCtx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path())
			c.SetUserContext(spanCtx)
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			span.SetAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", c.Response().StatusCode()),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else if status := c.Response().StatusCode(); status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			span.End()
			return err
		})
	}

	if obs != nil {
		if handler := obs.PrometheusHandler(); handler != nil {
			f.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	registerRoutes(f, application)

	return &Server{fiber: f, cfg: cfg}, nil
}

// Listen blocks until context cancellation or a fatal listen error occurs.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.fiber.Listen(s.cfg.Server.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.fiber.ShutdownWithContext(shutdownCtx)
		if err == nil {
			err = <-errCh
		}
		return err
	case err := <-errCh:
		return err
	}
}

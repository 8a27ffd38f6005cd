package api

import (
	"context"
	"errors"
	"time"

	"rollgroups/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	log "github.com/sirupsen/logrus"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server is the HTTP front end for the group registry
type Server struct {
	app          *fiber.App
	healthChecks map[string]HealthCheck
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHealthCheck adds a named dependency check to GET /health
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) { s.healthChecks[name] = check }
}

// NewServer builds the fiber application and mounts every route
func NewServer(groups service.GroupService, recompute service.RecomputeService, opts ...ServerOption) *Server {
	s := &Server{healthChecks: make(map[string]HealthCheck)}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "rollgroups",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(requestLogger())

	s.app.Get("/health", s.health)
	NewGroupHandler(groups, recompute).Register(s.app)

	return s
}

// App exposes the underlying fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on addr until Shutdown is called
func (s *Server) Listen(addr string) error {
	log.WithField("addr", addr).Info("HTTP server listening")
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c *fiber.Ctx) error {
	checks := make(map[string]string, len(s.healthChecks))
	healthy := true
	for name, check := range s.healthChecks {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		return jsonErrorWithData(c, fiber.StatusServiceUnavailable, "unhealthy", ErrorCodeInternal, checks)
	}
	return jsonOK(c, "ok", checks)
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := ErrorCodeInternal
		switch fe.Code {
		case fiber.StatusBadRequest:
			code = ErrorCodeValidation
		case fiber.StatusNotFound:
			code = ErrorCodeNotFound
		}
		return jsonError(c, fe.Code, fe.Message, code)
	}

	log.WithFields(log.Fields{
		"method":    c.Method(),
		"path":      c.Path(),
		"requestID": c.Locals(requestid.ConfigDefault.ContextKey),
		"error":     err,
	}).Error("Request failed")

	return jsonError(c, fiber.StatusInternalServerError, "Internal server error", ErrorCodeInternal)
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Render the error now so the logged status is the one sent
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		log.WithFields(log.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"durationMs": time.Since(start).Milliseconds(),
			"requestID":  c.Locals(requestid.ConfigDefault.ContextKey),
		}).Debug("Handled request")

		return nil
	}
}

// Package manager serves the entity REST API: CRUD per entity with paging,
// composite-key lookup, referential integrity checks, breaking-change
// analysis on schema updates and CRUD change events on the bus. It also
// exposes the flow start/cancel control endpoints.
package manager

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/common"
	"fabric.evalgo.org/config"
	"fabric.evalgo.org/store"
)

// Options configures the manager server.
type Options struct {
	// CorrelationHeader defaults to common.DefaultCorrelationHeader.
	CorrelationHeader string

	Auth                 config.AuthConfig
	Features             config.FeaturesConfig
	ReferentialIntegrity config.ReferentialIntegrityConfig
	HTTP                 config.HTTPConfig

	Logger *logrus.Logger
}

// Server is the manager HTTP surface.
type Server struct {
	echo      *echo.Echo
	stores    *store.Stores
	publisher bus.Publisher
	opts      Options
	logger    *logrus.Entry
}

// New assembles the server. publisher may be nil; entity events are then
// skipped and the flow control endpoints refuse with 503.
func New(stores *store.Stores, publisher bus.Publisher, opts Options) *Server {
	if opts.CorrelationHeader == "" {
		opts.CorrelationHeader = common.DefaultCorrelationHeader
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.Logger
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		stores:    stores,
		publisher: publisher,
		opts:      opts,
		logger:    logger.WithField("component", "manager"),
	}

	e.Use(middleware.Recover())
	e.Use(s.correlationMiddleware)
	if opts.HTTP.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.HTTP.BodyLimit))
	}
	if len(opts.HTTP.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.HTTP.AllowedOrigins,
		}))
	}
	if opts.HTTP.RateLimit > 0 {
		e.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(opts.HTTP.RateLimit))))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api")
	if opts.Auth.Enabled {
		api.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(opts.Auth.JWTSecret),
		}))
	}
	s.registerRoutes(api)

	return s
}

// Echo exposes the router for tests and embedding.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	if s.opts.HTTP.ReadTimeout > 0 {
		s.echo.Server.ReadTimeout = s.opts.HTTP.ReadTimeout
	}
	if s.opts.HTTP.WriteTimeout > 0 {
		s.echo.Server.WriteTimeout = s.opts.HTTP.WriteTimeout
	}
	s.logger.WithField("addr", addr).Info("manager listening")
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// correlationMiddleware threads the correlation ID from the request header
// through the context and echoes it back on the response.
func (s *Server) correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := uuid.Parse(c.Request().Header.Get(s.opts.CorrelationHeader))
		if err != nil {
			id = uuid.New()
		}
		ctx := common.WithCorrelationID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(s.opts.CorrelationHeader, id.String())
		return next(c)
	}
}

func correlationFromRequest(c echo.Context) uuid.UUID {
	id, _ := common.CorrelationID(c.Request().Context())
	return id
}

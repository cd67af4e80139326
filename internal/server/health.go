package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/loykin/botkeeper/internal/metrics"
)

// Config configures the health listener.
type Config struct {
	Port       int           `mapstructure:"port"`
	Body       string        `mapstructure:"body"`
	RateLimit  int           `mapstructure:"rate_limit"` // requests per RateWindow and client IP; 0 disables
	RateWindow time.Duration `mapstructure:"rate_window"`
	APIBase    string        `mapstructure:"api_base"` // gin status API mount point; empty disables
	Metrics    bool          `mapstructure:"metrics"`  // serve /metrics
}

// DefaultConfig mirrors the limits hosting platforms expect from the bot.
func DefaultConfig() Config {
	return Config{
		Port:       3000,
		Body:       "Mon bot fonctionne !",
		RateLimit:  100,
		RateWindow: 15 * time.Minute,
		APIBase:    "/api",
		Metrics:    true,
	}
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Port)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("server: rate_limit must be >= 0, got %d", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return errors.New("server: rate_window must be > 0 when rate_limit is set")
	}
	return nil
}

// Server answers liveness checks. It runs independently of supervision and
// keeps serving after every tier has given up.
type Server struct {
	cfg     Config
	log     *slog.Logger
	echo    *echo.Echo
	limits  *windowStore
	denyLog rate.Sometimes

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
}

func New(cfg Config, src StatusSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log, denyLog: rate.Sometimes{Interval: time.Minute}}
	s.echo = s.routes(src)
	return s
}

func (s *Server) routes(src StatusSource) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogRemoteIP: true,
		LogLatency:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "remote_ip", v.RemoteIP, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "0",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		HSTSMaxAge:            15552000,
		ContentSecurityPolicy: "default-src 'self';base-uri 'self';frame-ancestors 'self';object-src 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	if s.cfg.RateLimit > 0 {
		s.limits = newWindowStore(s.cfg.RateLimit, s.cfg.RateWindow)
		e.Use(middleware.RateLimiterWithConfig(s.rateLimiterConfig(s.limits)))
	}

	body := s.cfg.Body
	if body == "" {
		body = DefaultConfig().Body
	}
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, body) })
	if s.cfg.Metrics {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	if s.cfg.APIBase != "" {
		base := sanitizeBase(s.cfg.APIBase)
		h := NewRouter(src, base).Handler()
		e.Any(base, echo.WrapHandler(h))
		e.Any(base+"/*", echo.WrapHandler(h))
	}
	return e
}

// rateLimiterConfig allows limit requests per client IP in each fixed window.
func (s *Server) rateLimiterConfig(store *windowStore) middleware.RateLimiterConfig {
	return middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, id string, _ error) error {
			s.denyLog.Do(func() { s.log.Warn("rate limit exceeded", "remote_ip", id, "limit", s.cfg.RateLimit, "window", s.cfg.RateWindow) })
			c.Response().Header().Set("Retry-After", strconv.Itoa(store.retryAfter(id)))
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests, please try again later.",
			})
		},
	}
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr()
	s.mu.Unlock()

	s.log.Info("health listener started", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health listener stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

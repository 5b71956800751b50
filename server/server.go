package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/passport"
	"github.com/ed-platform/ed-graphql/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const ServiceName = "ed-graphql"

// GraphQL is the HTTP side of the GraphQL service.
type GraphQL interface {
	Perform(c *gin.Context)
	GraphiQL(c *gin.Context)
}

type Config struct {
	Addr            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	Auth            passport.Config
}

// Health describes the broker the service depends on.
type Health struct {
	Broker string
	URL    string
	Ping   func(ctx context.Context) error
}

type Option func(*Server)

func WithLogger(l *logrus.Entry) Option { return func(s *Server) { s.logger = l } }

func WithHealth(h Health) Option { return func(s *Server) { s.health = h } }

// WithMetrics exposes g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

type Server struct {
	config   Config
	engine   *gin.Engine
	logger   *logrus.Entry
	health   Health
	gatherer prometheus.Gatherer
}

func New(cfg Config, graphql GraphQL, sockets http.Handler, opts ...Option) *Server {
	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s.logger = s.logger.WithField("component", "http")

	if s.config.ShutdownTimeout <= 0 {
		s.config.ShutdownTimeout = 10 * time.Second
	}
	if s.config.Auth.Logger == nil {
		s.config.Auth.Logger = s.logger
	}

	r := gin.New()
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(s.logger))
	r.Use(CORSMiddleware(cfg.CORSOrigins))

	r.GET("/health/", s.healthCheck)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	g := r.Group("/graphql", passport.Middleware(s.config.Auth))
	g.POST("", graphql.Perform)
	g.GET("", func(c *gin.Context) {
		if ws.IsUpgrade(c.Request) {
			sockets.ServeHTTP(c.Writer, c.Request)
			return
		}
		graphql.GraphiQL(c)
	})

	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) healthCheck(c *gin.Context) {
	body := gin.H{
		"service": ServiceName,
		"broker":  s.health.Broker,
		"channel": events.ChannelUserChanges,
	}

	if s.health.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		body["redis_url"] = s.health.URL
		if err := s.health.Ping(ctx); err != nil {
			body["redis_ping"] = fmt.Sprintf("error: %v", err)
		} else {
			body["redis_ping"] = true
		}
	}

	c.JSON(http.StatusOK, body)
}

// Run serves until ctx is cancelled, then shuts down gracefully. Request
// contexts derive from ctx so open websockets end with it.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

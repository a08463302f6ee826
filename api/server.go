package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Aidin1998/benchsync/internal/benchmark"
	"github.com/Aidin1998/benchsync/internal/probe"
	"github.com/Aidin1998/benchsync/internal/reconcile"
	"github.com/Aidin1998/benchsync/internal/record"
	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/Aidin1998/benchsync/pkg/validation"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// ServiceName is reported to the tracing middleware.
const ServiceName = "benchsync"

// Trigger runs reconciliation passes and remembers the last one
type Trigger interface {
	RunReconciliation(ctx context.Context) reconcile.Report
	Last() (reconcile.Report, bool)
}

// StatusChecker reports store reachability
type StatusChecker interface {
	CheckStatus(ctx context.Context) probe.Status
}

// Recorder reads and writes benchmark records in their origin store
type Recorder interface {
	Record(ctx context.Context, kind benchmark.Kind, p benchmark.Payload) (record.Record, error)
	Get(ctx context.Context, kind benchmark.Kind, correlationID string) (record.Record, error)
	Touch(ctx context.Context, kind benchmark.Kind, correlationID string, p benchmark.Payload) (record.Record, error)
	Delete(ctx context.Context, kind benchmark.Kind, correlationID string) error
}

// Options tunes the HTTP surface
type Options struct {
	// RateLimit caps requests per client IP on the sync and benchmark routes.
	// The zero rate disables limiting.
	RateLimit limiter.Rate
}

// Server represents the API server
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	trigger  Trigger
	probe    StatusChecker
	recorder Recorder
	rate     limiter.Rate

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new API server. recorder may be nil, in which case the
// benchmark routes are not registered.
func NewServer(trigger Trigger, probe StatusChecker, recorder Recorder, opts Options, logger *zap.Logger) *Server {
	server := &Server{
		logger:   logger.Named("api"),
		trigger:  trigger,
		probe:    probe,
		recorder: recorder,
		rate:     opts.RateLimit,
	}

	router := gin.New()

	// Add middleware
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(ServiceName))

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start listens on addr and serves until Shutdown is called
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called. Every request
// context derives from ctx, so cancelling it reaches passes already running.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting API server", zap.String("addr", ln.Addr().String()))
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)

		syncGroup := public.Group("/sync", s.rateLimit())
		{
			syncGroup.POST("", s.runSync)
			syncGroup.GET("/status", s.syncStatus)
		}

		if s.recorder != nil {
			benchmarks := public.Group("/benchmarks/:kind", s.rateLimit(), validation.RequestGuardMiddleware(s.logger))
			{
				benchmarks.POST("", s.createBenchmark)
				benchmarks.GET("/:correlationId", s.getBenchmark)
				benchmarks.PUT("/:correlationId", s.updateBenchmark)
				benchmarks.DELETE("/:correlationId", s.deleteBenchmark)
			}
		}
	}
}

// rateLimit returns a per client IP limiter with its own in-memory counters.
func (s *Server) rateLimit() gin.HandlerFunc {
	if s.rate.Limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	lim := limiter.New(memory.NewStore(), s.rate)
	return ginlimiter.NewMiddleware(lim,
		ginlimiter.WithLimitReachedHandler(func(c *gin.Context) {
			s.problem(c, errors.RateLimited.Explain("more than %d requests per %s", s.rate.Limit, s.rate.Period))
		}),
		ginlimiter.WithErrorHandler(func(c *gin.Context, err error) {
			s.problem(c, err)
		}),
	)
}

// healthCheck always answers 200; store reachability is in the body.
func (s *Server) healthCheck(c *gin.Context) {
	status := s.probe.CheckStatus(c.Request.Context())
	overall := "ok"
	if !status.BothAvailable() {
		overall = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": overall,
		"stores": gin.H{
			status.A.Name: status.A.Available,
			status.B.Name: status.B.Available,
		},
		"details":   []probe.StoreStatus{status.A, status.B},
		"checkedAt": status.CheckedAt,
	})
}

func (s *Server) runSync(c *gin.Context) {
	report := s.trigger.RunReconciliation(c.Request.Context())
	if report.Aborted {
		c.JSON(http.StatusAccepted, gin.H{
			"status": "deferred",
			"reason": report.Reason,
			"report": report,
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) syncStatus(c *gin.Context) {
	report, ok := s.trigger.Last()
	if !ok {
		s.problem(c, errors.NotFound.Explain("no reconciliation pass has run yet"))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) createBenchmark(c *gin.Context) {
	kind, ok := s.kind(c)
	if !ok {
		return
	}
	var p benchmark.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		s.problem(c, errors.Invalid.Wrap(err).Explain("malformed benchmark payload: %v", err))
		return
	}
	rec, err := s.recorder.Record(c.Request.Context(), kind, p)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) getBenchmark(c *gin.Context) {
	kind, ok := s.kind(c)
	if !ok {
		return
	}
	rec, err := s.recorder.Get(c.Request.Context(), kind, c.Param("correlationId"))
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) updateBenchmark(c *gin.Context) {
	kind, ok := s.kind(c)
	if !ok {
		return
	}
	var p benchmark.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		s.problem(c, errors.Invalid.Wrap(err).Explain("malformed benchmark payload: %v", err))
		return
	}
	rec, err := s.recorder.Touch(c.Request.Context(), kind, c.Param("correlationId"), p)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteBenchmark(c *gin.Context) {
	kind, ok := s.kind(c)
	if !ok {
		return
	}
	if err := s.recorder.Delete(c.Request.Context(), kind, c.Param("correlationId")); err != nil {
		s.problem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) kind(c *gin.Context) (benchmark.Kind, bool) {
	kind, err := benchmark.ParseKind(c.Param("kind"))
	if err != nil {
		s.problem(c, err)
		return "", false
	}
	return kind, true
}

// problem writes err as RFC 7807 problem details.
func (s *Server) problem(c *gin.Context, err error) {
	pd := errors.ToProblemDetails(err, c.Request.URL.Path)
	if pd.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		s.logger.Debug("Request rejected", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(pd.Status, pd)
}

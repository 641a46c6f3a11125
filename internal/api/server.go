// Package api exposes the orchestration engine over HTTP.
package api

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/orchestrator"
	"github.com/mpataki/testorch/internal/policy"
)

// Engine is the subset of *orchestrator.Orchestrator the API drives.
type Engine interface {
	Ingest(ctx context.Context, req orchestrator.IngestRequest) (*models.Project, error)
	Generate(ctx context.Context, projectID, targetBaseURL string) (*models.TestArtifact, error)
	Run(ctx context.Context, projectID string) (*models.RunResult, error)
	Heal(ctx context.Context, req orchestrator.HealRequest) (*orchestrator.HealResult, error)
	Cycle(ctx context.Context, req orchestrator.CycleRequest) (*orchestrator.CycleReport, error)
	Project(ctx context.Context, id string) (*models.Project, error)
	Projects(ctx context.Context) ([]*models.Project, error)
	History(ctx context.Context, q models.HistoryQuery) iter.Seq2[*models.HistoryRecord, error]
	DashboardStats(ctx context.Context) (*models.Stats, error)
}

var _ Engine = (*orchestrator.Orchestrator)(nil)

type Server struct {
	engine Engine
	// policy picks the heal kind for cycles that do not name one.
	policy   policy.Selector
	gatherer prometheus.Gatherer
	logger   *log.Logger
}

func NewServer(engine Engine, selector policy.Selector, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if selector == nil {
		selector = policy.Static(models.HealNone)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{engine: engine, policy: selector, gatherer: gatherer, logger: logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("testorch"), s.requestLogger())

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "System Operational"})
	}
	router.GET("/", health)
	router.GET("/health", health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, s)
	return router
}

func RegisterRoutes(g *gin.RouterGroup, s *Server) {
	g.GET("/projects", s.HandleListProjects)
	g.GET("/projects/:id", s.HandleProject)
	g.POST("/projects/:id/ingest", s.HandleIngest)
	g.POST("/projects/:id/generate", s.HandleGenerate)
	g.POST("/projects/:id/run", s.HandleRun)
	g.POST("/projects/:id/heal", s.HandleHeal)
	g.POST("/projects/:id/cycle", s.HandleCycle)
	g.GET("/history", s.HandleHistory)
	g.GET("/dashboard/stats", s.HandleStats)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		logger := s.logger.With("method", c.Request.Method, "path", c.FullPath(), "status", status, "latency", time.Since(start))
		switch {
		case status >= 500:
			logger.Error("request failed")
		case status >= 400:
			logger.Warn("request rejected")
		default:
			logger.Debug("request served")
		}
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

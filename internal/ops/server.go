package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
	"github.com/enterprise/fraud-investigator/internal/history"
	"github.com/enterprise/fraud-investigator/internal/queue"
	"github.com/enterprise/fraud-investigator/internal/scoring"
	"github.com/enterprise/fraud-investigator/internal/worker"
)

// Server exposes operational endpoints: health, performance stats,
// discovered patterns and Prometheus metrics.
type Server struct {
	httpServer *http.Server
}

func NewServer(
	cfg configs.ServerConfig,
	db *history.Database,
	stream *queue.RedisStreamClient,
	perf *worker.PerfTracker,
	discovery *scoring.PatternDiscovery,
	registry *prometheus.Registry,
) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{"database": "ok", "stream": "ok"}

		if err := db.HealthCheck(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := stream.HealthCheck(ctx); err != nil {
			checks["stream"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	})

	router.GET("/stats", func(c *gin.Context) {
		info, err := stream.GetStreamInfo(c.Request.Context())
		resp := gin.H{
			"performance": perf.Stats(),
			"pool":        gin.H{"connections": db.Stats().TotalConns()},
		}
		if err == nil {
			resp["stream"] = gin.H{
				"length":  info.Length,
				"pending": info.PendingCount,
				"groups":  info.Groups,
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/patterns", func(c *gin.Context) {
		patterns := discovery.Discovered()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(patterns),
			"patterns": patterns,
			"cases":    discovery.CaseCount(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &Server{
		httpServer: &http.Server{
			Addr:    ":" + cfg.OpsPort,
			Handler: router,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Ops server failed")
	}
}

// Shutdown drains the ops server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

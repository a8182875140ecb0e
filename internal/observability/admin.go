package observability

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminOptions wires the admin surface to a running frame server.
type AdminOptions struct {
	Node        string
	CorsOrigins []string
	// Ready reports whether the frame listener is accepting connections.
	Ready func() bool
	// Connections returns a JSON-serialisable snapshot of open streams.
	Connections func() any
}

// NewAdminRouter serves /health, /ready, /metrics and /connections.
func NewAdminRouter(opts AdminOptions) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(AdminRequests(opts.Node, log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(opts.CorsOrigins),
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Type", RequestIDHeader},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"service": opts.Node,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := opts.Ready == nil || opts.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "service": opts.Node})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/connections", func(c *gin.Context) {
		var conns any = []any{}
		if opts.Connections != nil {
			conns = opts.Connections()
		}
		c.JSON(http.StatusOK, gin.H{"connections": conns})
	})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

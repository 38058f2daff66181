// Package httpapi is the relay's HTTP surface: the websocket endpoints plus
// health, stats and prometheus metrics.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/internal/relay/ws"
	"stomprelay.com/pkg/middleware"
	"stomprelay.com/pkg/ratelimit"
)

type Options struct {
	ServiceName string
	// Tracing 打开 otelgin 中间件
	Tracing     bool
	CorsOrigins []string
	// UpgradeLimiter limits websocket upgrades per IP and path. nil disables.
	UpgradeLimiter *ratelimit.Store
}

var (
	promOnce sync.Once
	prom     *ginprom.Prometheus
)

// ginprom 把指标注册到默认 registry，进程里只能建一次
func ginPrometheus() *ginprom.Prometheus {
	promOnce.Do(func() {
		prom = ginprom.NewPrometheus("stomprelay")
		// 会话 id 不进 label，避免基数爆炸
		prom.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if p := c.FullPath(); p != "" {
				return p
			}
			return "unmatched"
		}
	})
	return prom
}

func NewRouter(mgr *session.Manager, wss *ws.Server, opts Options) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "stomp-relay"
	}
	r := gin.New()
	// 监控，/metrics 由 ginprom 挂上
	ginPrometheus().Use(r)

	if opts.Tracing {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(
		middleware.ReqId(),
		cors.New(corsConfig(opts.CorsOrigins)),
		middleware.Recover(),
	)

	upgrade := func(c *gin.Context) { wss.ServeWS(c.Writer, c.Request) }
	endpoints := r.Group("/")
	if opts.UpgradeLimiter != nil {
		endpoints.Use(middleware.RateLimit(opts.UpgradeLimiter))
	}
	{
		endpoints.GET("/connect", upgrade)
		endpoints.GET("/register", upgrade)
	}

	stats := &Stats{Sessions: mgr}
	r.GET("/healthz", stats.Healthz)
	api := r.Group("/api")
	{
		api.GET("/stats", stats.Overview)
		api.GET("/sessions/:id", stats.Session)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "X-Request-Id")
	cfg.ExposeHeaders = []string{"X-Request-Id"}
	return cfg
}

// NewServer wraps the router. No write timeout: upgraded websocket
// connections are long lived and manage their own deadlines.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

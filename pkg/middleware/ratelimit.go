package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"stomprelay.com/pkg/common"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/metrics"
	"stomprelay.com/pkg/ratelimit"
	"stomprelay.com/pkg/xerr"
)

// RateLimit limits requests per client IP and route. The relay puts it in
// front of the websocket upgrade endpoints.
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 限流属于“可控拒绝”，不要打堆栈（压测会炸日志）
			logger.Warn(c, "http rate limited",
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			metrics.RateLimitBlockTotal.WithLabelValues("http", "token_bucket").Inc()
			common.Fail(c, http.StatusTooManyRequests, xerr.RateLimited, xerr.MapErrMsg(xerr.RateLimited))
			c.Abort()
			return
		}
		c.Next()
	}
}

package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"stomprelay.com/pkg/common"
	"stomprelay.com/pkg/logger"
)

func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		// 写进 request context，websocket 会话的日志也能带上它
		ctx := context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid)
		ctx = logger.WithTraceID(ctx, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

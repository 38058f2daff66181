package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"stomprelay.com/pkg/logger"
	"stomprelay.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按 xerr 的 code 选择 HTTP 状态，对外只回固定文案
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := httpStatusOf(code)
	if status >= http.StatusInternalServerError {
		logger.Error(c, "http error",
			zap.String("request_id", RequestIDFromGin(c)),
			zap.String("path", c.Request.URL.Path),
			zap.Int("biz_code", code),
			zap.Error(err),
		)
	}
	Fail(c, status, code, xerr.MapErrMsg(code))
}

func httpStatusOf(code int) int {
	switch code {
	case xerr.RequestParamsError, xerr.BadFrame:
		return http.StatusBadRequest
	case xerr.RecordNotFound, xerr.ConnectionNotFound, xerr.SubscriptionNotFound:
		return http.StatusNotFound
	case xerr.PrivateAddress:
		return http.StatusForbidden
	case xerr.RateLimited:
		return http.StatusTooManyRequests
	case xerr.BrokerUnavailable, xerr.DeliveryFailure, xerr.ConnectionClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

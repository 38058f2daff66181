package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stomprelay.com/pkg/common"
	"stomprelay.com/pkg/ratelimit"
	"stomprelay.com/pkg/xerr"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(r *gin.Engine, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecover(t *testing.T) {
	r := gin.New()
	r.Use(ReqId(), Recover())
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(r, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":500`)
}

func TestReqId(t *testing.T) {
	var seen string
	r := gin.New()
	r.Use(ReqId())
	r.GET("/x", func(c *gin.Context) {
		seen = common.RequestIDFromGin(c)
		c.Status(http.StatusNoContent)
	})

	w := serve(r, "/x", map[string]string{common.HeaderRequestID: "rid-1"})
	assert.Equal(t, "rid-1", seen)
	assert.Equal(t, "rid-1", w.Header().Get(common.HeaderRequestID))

	// 没带就生成一个
	w = serve(r, "/x", nil)
	assert.NotEmpty(t, w.Header().Get(common.HeaderRequestID))
	assert.Equal(t, seen, w.Header().Get(common.HeaderRequestID))
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(ratelimit.NewStore(0.001, 2, time.Minute)))
	r.GET("/a", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/b", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	require.Equal(t, http.StatusNoContent, serve(r, "/a", nil).Code)
	require.Equal(t, http.StatusNoContent, serve(r, "/a", nil).Code)
	w := serve(r, "/a", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"code":`+strconv.Itoa(xerr.RateLimited))

	// 按路由分桶
	assert.Equal(t, http.StatusNoContent, serve(r, "/b", nil).Code)
}

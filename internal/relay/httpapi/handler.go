package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/pkg/common"
	"stomprelay.com/pkg/logger"
)

type Stats struct {
	Sessions *session.Manager
}

// Healthz 只说明进程活着
func (h *Stats) Healthz(ctx *gin.Context) {
	common.Success(ctx, gin.H{"status": "ok"})
}

// Overview reports connection and subscription counts. A presence backend
// failure does not fail the request: presence is reported as -1.
func (h *Stats) Overview(ctx *gin.Context) {
	st := h.Sessions.Table().Stats()
	presence, err := h.Sessions.PresenceCount(ctx.Request.Context())
	if err != nil {
		logger.Warn(ctx, "presence count failed", zap.Error(err))
		presence = -1
	}
	common.Success(ctx, gin.H{
		"connections":   h.Sessions.Len(),
		"topics":        st.Topics,
		"subscriptions": st.Subscriptions,
		"bound":         st.Bound,
		"topic_counts":  h.Sessions.Table().TopicCounts(),
		"presence":      presence,
	})
}

type sessionView struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Transport     string    `json:"transport"`
	Remote        string    `json:"remote"`
	CreatedAt     time.Time `json:"created_at"`
	Subscriptions []string  `json:"subscriptions"`
	Offered       uint64    `json:"offered"`
	Dropped       uint64    `json:"dropped"`
}

// Session looks up one live connection by id.
func (h *Stats) Session(ctx *gin.Context) {
	id := conn.ID(ctx.Param("id"))
	c, err := h.Sessions.Registry().Lookup(id)
	if err != nil {
		common.FailErr(ctx, err)
		return
	}
	common.Success(ctx, sessionView{
		ID:            string(c.ID()),
		State:         c.State().String(),
		Transport:     c.Transport(),
		Remote:        c.Remote(),
		CreatedAt:     c.CreatedAt(),
		Subscriptions: h.Sessions.Table().SubscriptionsOf(c.ID()),
		Offered:       c.Offered(),
		Dropped:       c.Dropped(),
	})
}

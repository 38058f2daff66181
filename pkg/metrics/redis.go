package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	RedisPoolTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stomprelay_redis_pool_total",
		Help: "Current open redis connections",
	})
	RedisPoolIdle     = promauto.NewGauge(prometheus.GaugeOpts{Name: "stomprelay_redis_pool_idle"})
	RedisPoolHits     = promauto.NewGauge(prometheus.GaugeOpts{Name: "stomprelay_redis_pool_hits"})
	RedisPoolTimeouts = promauto.NewGauge(prometheus.GaugeOpts{Name: "stomprelay_redis_pool_timeouts"})

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stomprelay_redis_cmd_duration_seconds",
		Help:    "Redis command latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms ~ 16s
	}, []string{"cmd", "status"})
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stomprelay_redis_errors_total",
		Help: "Redis errors",
	}, []string{"cmd"})
)

// ObserveRedis records one command's latency and outcome.
func ObserveRedis(cmd string, start time.Time, err error) {
	status := "ok"
	if err != nil && err != redis.Nil {
		status = "error"
		RedisErrors.WithLabelValues(cmd).Inc()
	}
	RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(start).Seconds())
}

// ReportRedisPool copies pool stats into the gauges.
func ReportRedisPool(st *redis.PoolStats) {
	if st == nil {
		return
	}
	RedisPoolTotal.Set(float64(st.TotalConns))
	RedisPoolIdle.Set(float64(st.IdleConns))
	RedisPoolHits.Set(float64(st.Hits))
	RedisPoolTimeouts.Set(float64(st.Timeouts))
}

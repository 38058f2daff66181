package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_conns",
		Help: "Active relay connections",
	})
	ConnOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_conn_open_total",
		Help: "Total relay connections opened",
	}, []string{"transport"}) // ws/tcp
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_conn_close_total",
		Help: "Total relay connections closed, partitioned by reason",
	}, []string{"reason"})

	FramesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_in_total",
		Help: "Inbound STOMP frames by command",
	}, []string{"command"})
	SubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sub_ops_total",
		Help: "Total subscription operations",
	}, []string{"op"}) // sub/unsub
	Topics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_topics",
		Help: "Topics with at least one subscriber",
	})

	RoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_routed_total",
		Help: "Events routed, by kind",
	}, []string{"kind"}) // register/publish/announce
	FanoutSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_fanout_size",
		Help:    "Recipients per broadcast",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 1024},
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_total",
		Help: "Total dropped deliveries",
	}, []string{"why"}) // queue_full/closed/sender_gone/rate_limited

	MsgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_msgs_out_total",
		Help: "Total frames written to transports",
	})
	BytesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_out_total",
		Help: "Total bytes written to transports",
	})
	WriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_write_errors_total",
		Help: "Total transport write errors",
	})
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_write_duration_seconds",
		Help:    "Duration of a transport write batch",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms -> ~4s
	})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_size",
		Help:    "Frames per flush",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	PingSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ping_sent_total",
		Help: "Total websocket pings sent",
	})
	PongTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pong_timeout_total",
		Help: "Total read deadline expirations",
	})

	TapPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tap_publish_total",
		Help: "Registration events published to the broker",
	}, []string{"status"}) // ok/error/open
)

func OnOpen(transport string) {
	Conns.Inc()
	ConnOpenTotal.WithLabelValues(transport).Inc()
}

func OnClose(reason string) {
	Conns.Dec()
	ConnCloseTotal.WithLabelValues(reason).Inc()
}

func ObserveWrite(batchN int, bytes int, dur time.Duration, err error) {
	if batchN > 0 {
		MsgsOutTotal.Add(float64(batchN))
		BatchSize.Observe(float64(batchN))
	}
	if bytes > 0 {
		BytesOutTotal.Add(float64(bytes))
	}
	WriteDuration.Observe(dur.Seconds())
	if err != nil {
		WriteErrorsTotal.Inc()
	}
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stomprelay",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"scope", "reason"}, // scope: http/send
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stomprelay",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"name", "state"}, // state: closed/open/half-open
	)
)

var registerOnce sync.Once

// MustRegister registers the collectors above on the default registry.
// Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RateLimitBlockTotal, CBState)
	})
}

// SetBreakerState flips the one-hot state gauge for a breaker.
func SetBreakerState(name, state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		CBState.WithLabelValues(name, s).Set(v)
	}
}

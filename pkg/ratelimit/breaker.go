package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Rolling window 每个 bucket 周期（>0 启用 rolling window）
	BucketPeriod time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32
	TripFailureRate         float64
	TripMinRequests         uint32
}

// StateFunc observes breaker transitions (metrics, logs).
type StateFunc func(name string, from, to gobreaker.State)

// Breakers hands out one circuit breaker per downstream name.
type Breakers struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
	onState     StateFunc
}

func NewBreakers(defaultRule Rule, perName map[string]Rule, onState StateFunc) *Breakers {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	return &Breakers{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perName,
		onState:     onState,
	}
}

func (b *Breakers) Get(name string) *gobreaker.CircuitBreaker[struct{}] {
	// 快路径：读锁
	b.mu.RLock()
	cb := b.m[name]
	b.mu.RUnlock()
	if cb != nil {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb = b.m[name]; cb != nil {
		return cb
	}

	rule, ok := b.rules[name]
	if !ok {
		rule = b.defaultRule
	}
	st := gobreaker.Settings{
		Name:         name,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
	}
	if b.onState != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) { b.onState(name, from, to) }
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	b.m[name] = cb
	return cb
}

// Do runs fn through the breaker for name. While the breaker is open fn is
// not called and gobreaker.ErrOpenState is returned.
func (b *Breakers) Do(name string, fn func() error) error {
	_, err := b.Get(name).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// 调用方主动取消不代表下游不健康
func isSuccessfulForBreaker(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

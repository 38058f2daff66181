package config

import (
	"time"

	"stomprelay.com/internal/relay/gateway"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/internal/relay/stomp"
	"stomprelay.com/internal/relay/tcp"
	"stomprelay.com/internal/relay/ws"
)

// 总配置
type RelayConfig struct {
	Name    string          `mapstructure:"name" yaml:"name"`
	Log     LogConfig       `mapstructure:"log" yaml:"log"`
	HTTP    HTTPConfig      `mapstructure:"http" yaml:"http"`
	TCP     tcp.Options     `mapstructure:"tcp" yaml:"tcp"`
	WS      ws.Options      `mapstructure:"ws" yaml:"ws"`
	Stomp   StompConfig     `mapstructure:"stomp" yaml:"stomp"`
	Session session.Options `mapstructure:"session" yaml:"session"`
	Send    SendConfig      `mapstructure:"send" yaml:"send"`
	Broker  gateway.Options `mapstructure:"broker" yaml:"broker"`
	Redis   RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Trace   TraceConfig     `mapstructure:"trace" yaml:"trace"`
	Pprof   PprofConfig     `mapstructure:"pprof" yaml:"pprof"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File 为空写 logs/{name}.log，"-" 只写控制台
	File string `mapstructure:"file" yaml:"file"`
}

// HTTP 配置
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// websocket 升级接口按 IP 限流
	UpgradeRate  float64 `mapstructure:"upgrade_rate" yaml:"upgrade_rate"`
	UpgradeBurst int     `mapstructure:"upgrade_burst" yaml:"upgrade_burst"`
	// CorsOrigins empty allows every origin.
	CorsOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

type StompConfig struct {
	Destinations    stomp.Destinations `mapstructure:"destinations" yaml:"destinations"`
	ReplyText       string             `mapstructure:"reply_text" yaml:"reply_text"`
	BroadcastFormat string             `mapstructure:"broadcast_format" yaml:"broadcast_format"`
}

// SendConfig limits SEND frames per connection. Rate <= 0 disables it.
type SendConfig struct {
	Rate  float64 `mapstructure:"rate" yaml:"rate"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size"`
	// presence hash 的 key 前缀
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type TraceConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
}

type PprofConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a config that runs standalone: in-memory broker, no redis,
// no tracing, no TCP listener.
func Default() RelayConfig {
	return RelayConfig{
		Name: "stomp-relay",
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			UpgradeRate:  50,
			UpgradeBurst: 100,
		},
		TCP: tcp.Options{IdleTimeout: 2 * time.Minute, WriteWait: 5 * time.Second},
		WS:  ws.DefaultOptions(),
		Stomp: StompConfig{
			Destinations: stomp.DefaultDestinations(),
		},
		Session: session.DefaultOptions(),
		Send:    SendConfig{Rate: 20, Burst: 40},
		Broker:  gateway.DefaultOptions(),
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "stomp-relay",
		},
	}
}

// EnvKeys are bound explicitly so they can be set from the environment even
// when the yaml file does not mention them.
var EnvKeys = []string{
	"name",
	"log.level", "log.file",
	"http.addr",
	"tcp.addr",
	"session.slow_consumer",
	"broker.kind", "broker.url",
	"redis.enabled", "redis.addr", "redis.password", "redis.db",
	"trace.host",
	"pprof.addr",
}

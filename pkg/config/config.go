package config

import (
	"errors"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"stomprelay.com/pkg/logger"
)

// Option tweaks how LoadAndWatch locates the config file.
type Option func(v *viper.Viper)

// WithPaths adds search paths after the defaults (./config and .).
func WithPaths(paths ...string) Option {
	return func(v *viper.Viper) {
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}
}

// WithFile loads exactly the given file instead of searching.
func WithFile(path string) Option {
	return func(v *viper.Viper) {
		if path != "" {
			v.SetConfigFile(path)
		}
	}
}

// WithEnvKeys binds keys to their env variables. AutomaticEnv only sees keys
// viper already knows, so keys absent from the file need an explicit bind.
func WithEnvKeys(keys ...string) Option {
	return func(v *viper.Viper) {
		for _, k := range keys {
			_ = v.BindEnv(k)
		}
	}
}

// OnReload is called after a successful hot reload.
func OnReload(fn func()) Option {
	return func(v *viper.Viper) {
		reloadHooks.Store(v, fn)
	}
}

var reloadHooks sync.Map // *viper.Viper -> func()

// LoadAndWatch reads config/{service}.yaml into out, applies env overrides and
// keeps out updated when the file changes. out should already hold defaults:
// keys missing from the file and env keep their current value. A missing file
// is not an error.
func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")

	// 环境变量覆盖，例如 STOMP-RELAY 前缀会被规整成 STOMP_RELAY：
	//   STOMP_RELAY_HTTP_ADDR 覆盖 http.addr
	v.SetEnvPrefix(envPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AddConfigPath("./config")
	v.AddConfigPath(".") // 兜底，直接放当前目录也行
	for _, opt := range opts {
		opt(v)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		logger.Log.Info("config file not found, using defaults", zap.String("service", service))
	}

	if err := unmarshal(v, out); err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" {
		return v, nil
	}
	logger.Log.Info("config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	// 监听文件变更，热更新到 out
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Log.Info("config file changed", zap.String("service", service), zap.String("file", e.Name))
		if err := unmarshal(v, out); err != nil {
			logger.Log.Error("reload config", zap.String("service", service), zap.Error(err))
			return
		}
		if fn, ok := reloadHooks.Load(v); ok {
			fn.(func())()
		}
	})
	v.WatchConfig()

	return v, nil
}

func unmarshal(v *viper.Viper, out interface{}) error {
	return v.Unmarshal(out)
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
}

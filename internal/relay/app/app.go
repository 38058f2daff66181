package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	relayConfig "stomprelay.com/internal/relay/config"
	"stomprelay.com/internal/relay/gateway"
	"stomprelay.com/internal/relay/httpapi"
	"stomprelay.com/internal/relay/presence"
	"stomprelay.com/internal/relay/registry"
	"stomprelay.com/internal/relay/router"
	"stomprelay.com/internal/relay/session"
	"stomprelay.com/internal/relay/subs"
	"stomprelay.com/internal/relay/tcp"
	"stomprelay.com/internal/relay/ws"
	vipConfig "stomprelay.com/pkg/config"
	"stomprelay.com/pkg/logger"
	pkgmetrics "stomprelay.com/pkg/metrics"
	"stomprelay.com/pkg/ratelimit"
	"stomprelay.com/pkg/trace"
	"stomprelay.com/pkg/xredis"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg relayConfig.RelayConfig

	mgr      *session.Manager
	gw       *gateway.Gateway
	presence presence.Store
	redis    *presence.RedisStore

	sendLimiter    *ratelimit.Store
	upgradeLimiter *ratelimit.Store

	httpSrv  *http.Server
	httpLn   net.Listener
	tcpSrv   *tcp.Server
	pprofSrv *http.Server

	traceShutdown func(context.Context) error
	closeOnce     sync.Once
}

// New loads config/{configName}.yaml over the defaults. Env variables
// override both.
func New(configName string, opts ...vipConfig.Option) (*App, error) {
	if configName == "" {
		configName = "stomp-relay"
	}
	cfg := relayConfig.Default()
	opts = append([]vipConfig.Option{vipConfig.WithEnvKeys(relayConfig.EnvKeys...)}, opts...)
	if _, err := vipConfig.LoadAndWatch(configName, &cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg relayConfig.RelayConfig) *App {
	return &App{cfg: cfg}
}

func (app *App) Config() relayConfig.RelayConfig { return app.cfg }
func (app *App) Sessions() *session.Manager       { return app.mgr }

// StartService 初始化日志、trace 和所有组件，返回需要关闭的资源
func (app *App) StartService(ctx context.Context) (func(), error) {
	logger.InitWithFile(app.cfg.Name, app.cfg.Log.Level, app.cfg.Log.File)
	pkgmetrics.MustRegister()

	// 启动trace
	shutdown, err := trace.InitTrace(app.cfg.Name, app.cfg.Trace.Host)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	app.traceShutdown = shutdown

	if err := app.startPresence(ctx); err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	if err := app.startRelay(ctx); err != nil {
		_ = app.presence.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	app.startHTTP()

	logger.Info(ctx, "relay ready",
		zap.String("http", app.cfg.HTTP.Addr),
		zap.String("tcp", app.cfg.TCP.Addr),
		zap.String("broker", app.cfg.Broker.Kind),
		zap.Bool("redis", app.cfg.Redis.Enabled),
	)
	return app.cleanUp, nil
}

func (app *App) startPresence(ctx context.Context) error {
	if !app.cfg.Redis.Enabled {
		app.presence = presence.Noop{}
		return nil
	}
	rdb, err := xredis.NewRedis(ctx, &xredis.Config{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
		PoolSize: app.cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	rs := presence.NewRedisStore(rdb, app.cfg.Redis.Prefix)
	// 重启后旧会话都不在了
	if err := rs.Clear(ctx); err != nil {
		logger.Warn(ctx, "presence clear failed", zap.String("key", rs.Key()), zap.Error(err))
	}
	app.redis = rs
	app.presence = rs
	return nil
}

func (app *App) startRelay(ctx context.Context) error {
	if f := app.cfg.Stomp.BroadcastFormat; f != "" {
		if err := router.CheckBroadcastFormat(f); err != nil {
			return err
		}
	}
	reg := registry.New()
	dest := app.cfg.Stomp.Destinations.WithDefaults()
	table := subs.NewTable(dest.Reply, dest.UserSuffix)
	rt := router.New(reg, table, router.Options{
		Dest:            dest,
		ReplyText:       app.cfg.Stomp.ReplyText,
		BroadcastFormat: app.cfg.Stomp.BroadcastFormat,
	})

	if app.cfg.Send.Rate > 0 {
		app.sendLimiter = ratelimit.NewStore(rate.Limit(app.cfg.Send.Rate), app.cfg.Send.Burst, 10*time.Minute)
		app.sendLimiter.StartJanitor(ctx, time.Minute)
	}
	app.mgr = session.NewManager(reg, table, rt, app.sendLimiter, app.presence, app.cfg.Session)

	broker, err := gateway.NewBroker(app.cfg.Broker)
	if err != nil {
		return err
	}
	breakers := ratelimit.NewBreakers(ratelimit.Rule{TripConsecutiveFailures: 5}, nil,
		func(name string, from, to gobreaker.State) {
			pkgmetrics.SetBreakerState(name, to.String())
			logger.Warn(ctx, "circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		})
	app.gw = gateway.New(broker, rt, breakers, app.cfg.Broker)
	rt.SetTap(app.gw)

	if app.cfg.TCP.Addr != "" {
		app.tcpSrv = tcp.NewServer(ctx, app.mgr, app.cfg.TCP)
	}
	return nil
}

func (app *App) startHTTP() {
	if app.cfg.HTTP.UpgradeRate > 0 {
		app.upgradeLimiter = ratelimit.NewStore(rate.Limit(app.cfg.HTTP.UpgradeRate), app.cfg.HTTP.UpgradeBurst, 10*time.Minute)
	}
	wss := ws.NewServer(app.mgr, app.cfg.WS)
	r := httpapi.NewRouter(app.mgr, wss, httpapi.Options{
		ServiceName:    app.cfg.Name,
		Tracing:        app.cfg.Trace.Host != "",
		CorsOrigins:    app.cfg.HTTP.CorsOrigins,
		UpgradeLimiter: app.upgradeLimiter,
	})
	app.httpSrv = httpapi.NewServer(app.cfg.HTTP.Addr, r)

	if app.cfg.Pprof.Addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		app.pprofSrv = &http.Server{Addr: app.cfg.Pprof.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
}

// Listen binds the HTTP and TCP listeners so that addresses are known before
// Run. Run calls it when it has not been called.
func (app *App) Listen() error {
	if app.httpLn != nil {
		return nil
	}
	ln, err := net.Listen("tcp", app.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", app.cfg.HTTP.Addr, err)
	}
	if app.tcpSrv != nil {
		if err := app.tcpSrv.Listen(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen tcp %s: %w", app.cfg.TCP.Addr, err)
		}
	}
	app.httpLn = ln
	return nil
}

func (app *App) HTTPAddr() net.Addr {
	if app.httpLn == nil {
		return nil
	}
	return app.httpLn.Addr()
}

func (app *App) TCPAddr() net.Addr {
	if app.tcpSrv == nil {
		return nil
	}
	return app.tcpSrv.Addr()
}

// Run serves until ctx ends or a listener fails, then shuts everything down
// in order: stop accepting, disconnect sessions, drain the broker.
func (app *App) Run(ctx context.Context) error {
	if err := app.Listen(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "http listening", zap.String("addr", app.httpLn.Addr().String()))
		if err := app.httpSrv.Serve(app.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	if app.tcpSrv != nil {
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				_ = app.tcpSrv.Close()
			}()
			return app.tcpSrv.Serve()
		})
	}
	if app.pprofSrv != nil {
		g.Go(func() error {
			logger.Info(gctx, "pprof listening", zap.String("addr", app.pprofSrv.Addr))
			if err := app.pprofSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn(gctx, "pprof server error", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return app.gw.Run(gctx) })
	if app.redis != nil {
		g.Go(func() error {
			app.redis.ReportPool(gctx, 15*time.Second)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		app.shutdown()
		return nil
	})
	return g.Wait()
}

// 优雅退出：先停止接入，再断开会话，最后关 broker
func (app *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "http shutdown", zap.Error(err))
	}
	if app.pprofSrv != nil {
		_ = app.pprofSrv.Shutdown(ctx)
	}
	if app.tcpSrv != nil {
		_ = app.tcpSrv.Close()
	}
	n := app.mgr.Len()
	if err := app.mgr.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "session shutdown", zap.Error(err))
	}
	logger.Info(ctx, "sessions closed", zap.Int("count", n))
}

// cleanUp releases what StartService opened. Safe to call more than once.
func (app *App) cleanUp() {
	app.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if app.gw != nil {
			_ = app.gw.Close()
		}
		if app.presence != nil {
			_ = app.presence.Close()
		}
		if app.traceShutdown != nil {
			_ = app.traceShutdown(ctx)
		}
		logger.Sync()
	})
}

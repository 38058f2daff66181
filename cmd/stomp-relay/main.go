package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"stomprelay.com/internal/relay/app"
	vipConfig "stomprelay.com/pkg/config"
)

func main() {
	configFile := flag.String("config", "", "config file, default config/stomp-relay.yaml")
	flag.Parse()

	// 1. 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化 App
	relay, err := app.New("stomp-relay", vipConfig.WithFile(*configFile))
	if err != nil {
		log.Fatalf("init stomp-relay error: %v", err)
	}
	cleanUp, err := relay.StartService(ctx)
	if err != nil {
		log.Fatalf("start stomp-relay error: %v", err)
	}
	defer cleanUp()

	// 3. 阻塞到收到信号，Run 内部做优雅退出
	if err := relay.Run(ctx); err != nil {
		log.Printf("stomp-relay exit: %v", err)
		return
	}
	log.Println("stomp-relay exit")
}

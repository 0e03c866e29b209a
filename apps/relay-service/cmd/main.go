package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"goim-realtime/apps/relay-service/consumer"
	"goim-realtime/apps/relay-service/handler"
	"goim-realtime/apps/relay-service/service"
	"goim-realtime/pkg/lifecycle"
	"goim-realtime/pkg/pubsub"
	"goim-realtime/pkg/ratelimit"
	"goim-realtime/pkg/server"
	"goim-realtime/pkg/sessionlocator"
)

func main() {
	// 创建应用程序
	app, err := server.NewApplication("relay-service")
	if err != nil {
		panic(err)
	}
	app.EnableHTTP()

	cfg := app.GetConfig()
	rc := app.GetRedisClient()
	log := app.GetLogger()

	// 初始化Service层
	bus := pubsub.NewBus(rc, log)
	svc := service.NewService(rc, bus, log, service.OptionsFromConfig(cfg))
	if producer := app.GetKafkaProducer(); producer != nil {
		svc.SetProducer(producer)
	}

	// 实例心跳与宕机实例回收
	hb := sessionlocator.NewHeartbeatManager(rc, log, sessionlocator.HeartbeatOptions{
		InstanceID: cfg.Relay.InstanceID,
		Host:       cfg.Relay.Host,
		Addr:       cfg.Server.HTTP.Addr,
		Interval:   cfg.Relay.Instance.HeartbeatInterval,
		Window:     cfg.Relay.Instance.HeartbeatWindow,
		ConnTTL:    cfg.Relay.Presence.TTL,
	})
	svc.SetTracker(hb)
	cleaner := sessionlocator.NewCleaner(rc, log, cfg.Relay.InstanceID,
		cfg.Relay.Instance.HeartbeatWindow, cfg.Relay.Instance.ReapInterval, svc.ReclaimConnection)

	limiter := ratelimit.New(rc, ratelimit.RulesFromConfig(cfg.RateLimit.Rules), log)

	// 创建各handler
	wsHandler := handler.NewWSHandler(svc, app.GetAuthMiddleware(), limiter, log)
	httpHandler := handler.NewHTTPHandler(svc, rc, app.GetAuthMiddleware(),
		app.GetServerManager().Ready, cfg.Relay.Instance.HeartbeatWindow, log)

	app.EnableWebSocket("/ws", wsHandler)
	app.OnDrain(svc.Drain)
	app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		httpHandler.RegisterRoutes(engine)
	})

	app.AddHook(lifecycle.Hook{
		Name:     "relay-service",
		Priority: 100,
		OnStart:  svc.Start,
		OnStop:   svc.Stop,
	})
	app.AddHook(lifecycle.Hook{
		Name:     "instance-heartbeat",
		Priority: 110,
		OnStart:  hb.Start,
		OnStop:   hb.Stop,
	})
	app.AddHook(lifecycle.Hook{
		Name:     "instance-cleaner",
		Priority: 120,
		OnStart:  cleaner.Start,
		OnStop:   cleaner.Stop,
	})

	// 外部事件入口，仅在配置了Kafka时启用
	if cfg.Kafka.Enabled() && cfg.Kafka.EventsTopic != "" {
		ec := consumer.NewEventConsumer(svc, log)
		app.AddHook(lifecycle.Hook{
			Name:     "event-consumer",
			Priority: 130,
			OnStart: func(ctx context.Context) error {
				return ec.Start(ctx, cfg.Kafka)
			},
			OnStop: ec.Stop,
		})
	}

	// 运行应用程序
	if err := app.Run(); err != nil {
		panic(err)
	}
}

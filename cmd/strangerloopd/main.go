// Strangerloopd is the signaling bridge daemon.
//
// Bridges WebSocket clients onto the global signaling channel so that
// embedded/browser clients without direct Redis access can participate.
// With -standalone the daemon runs self-contained on an in-process bus,
// useful for development and small deployments.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/strangerloop/strangerloop/internal/bus"
	"github.com/strangerloop/strangerloop/internal/config"
	"github.com/strangerloop/strangerloop/internal/server"
	"github.com/strangerloop/strangerloop/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	standalone := flag.Bool("standalone", false, "Run on an in-process bus without Redis")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg := config.Load()

	var signalBus bus.Bus
	if *standalone {
		signalBus = bus.NewMemoryBus()
		util.LogInfo("standalone mode: in-process signaling bus")
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			util.LogError("connect to Redis at %s: %v", cfg.Redis.Addr, err)
			os.Exit(1)
		}
		util.LogInfo("Redis connection established (%s)", cfg.Redis.Addr)
		signalBus = bus.NewRedisBus(rdb, cfg.SignalChannel)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	bridge := server.NewBridge(signalBus, cfg.JWTSecret)
	unsubscribe, err := bridge.Start(ctx)
	if err != nil {
		util.LogError("subscribe to signaling bus: %v", err)
		os.Exit(1)
	}
	defer unsubscribe()

	router := gin.Default()
	bridge.Routes(router)

	util.LogInfo("strangerloopd listening on :%s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		util.LogError("server stopped: %v", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taranbis/digital-twin/internal/broadcast"
	"github.com/taranbis/digital-twin/internal/config"
	httpapi "github.com/taranbis/digital-twin/internal/http"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/physics"
	"github.com/taranbis/digital-twin/internal/server"
	"github.com/taranbis/digital-twin/internal/session"
	"github.com/taranbis/digital-twin/internal/simulation"
	"github.com/taranbis/digital-twin/internal/tick"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging: "+err.Error())
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	engine := physics.NewEngine(cfg.HistoryCapacity)
	pool := broadcast.NewPool(cfg.PoolSize, int(cfg.SlotCapacityBytes))
	monitor := simulation.NewTickMonitor()
	sessions := session.NewStore()
	rateLimiter := httpapi.NewSlidingWindowLimiter(cfg.HistoryExportWindow, cfg.HistoryExportBurst, nil)

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Sessions:    sessions,
		Engine:      engine,
		TickMonitor: monitor,
		History:     engine.History(),
		RateLimiter: rateLimiter,
	})

	srv := server.New(server.Options{
		Addr:            cfg.Address,
		Engine:          engine,
		History:         engine.History(),
		Logger:          logger,
		OutboundBound:   cfg.OutboundQueueBound,
		PingInterval:    cfg.PingInterval,
		HandlerSet:      handlers,
		Sessions:        sessions,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxClients:      cfg.MaxClients,
	})

	driver := tick.New(tick.Options{
		Engine:        engine,
		Pool:          pool,
		Sessions:      srv.Sessions,
		Logger:        logger,
		TickPeriod:    cfg.TickPeriod,
		StatsInterval: cfg.StatsInterval,
		Monitor:       monitor,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("digital twin server starting",
		logging.String("address", cfg.Address),
		logging.Int("pool_size", cfg.PoolSize),
	)

	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.ListenAndServe(ctx) }()

	driver.Run(ctx)

	if err := <-httpDone; err != nil {
		logger.Error("http listener exited with error", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("clean exit")
}

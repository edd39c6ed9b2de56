package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/luisfbl/chat-actor/internal/bus"
	"github.com/luisfbl/chat-actor/internal/cluster"
	"github.com/luisfbl/chat-actor/internal/config"
	"github.com/luisfbl/chat-actor/internal/logging"
	"github.com/luisfbl/chat-actor/internal/monitor"
	"github.com/luisfbl/chat-actor/internal/relay"
	"github.com/luisfbl/chat-actor/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	bootstrap := logging.New("info", "json")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busClient, err := bus.NewClient(ctx, bus.Config{
		Endpoints: cfg.RedisNodes(),
		Fallbacks: cfg.RedisFallbacks(),
		PodID:     cfg.PodName,
	}, log)
	if err != nil {
		// Without a bus the pod cannot participate in the cluster at all.
		log.Fatal().Err(err).Msg("bus initialization failed")
	}
	defer busClient.Close()

	relayBalancer := relay.NewBalancer(cfg.MaxConnectionsPerRelay)
	for i := uint32(0); i < cfg.RelayCount; i++ {
		id := cfg.RelayStartID + i
		shard := relay.NewShard(id, busClient, relayBalancer, log)
		relayBalancer.AddRelay(id, shard)
		go shard.Run(ctx)
	}

	podBalancer := cluster.NewBalancer()
	pump := monitor.NewPump(cfg.PodName, relayBalancer, podBalancer, log)
	go pump.Run(ctx)

	srv := server.New(server.Config{
		ListenAddr:   cfg.ListenAddr,
		PodID:        cfg.PodName,
		UpgradeRate:  cfg.UpgradeRate,
		UpgradeBurst: cfg.UpgradeBurst,
	}, relayBalancer, podBalancer, busClient, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}

	log.Info().Msg("shutdown complete")
}

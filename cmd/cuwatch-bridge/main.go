package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/bridge"
	"github.com/cornellpepper/CuWatch-server/internal/config"
	"github.com/cornellpepper/CuWatch-server/internal/database"
	"github.com/cornellpepper/CuWatch-server/internal/livestream"
	"github.com/cornellpepper/CuWatch-server/internal/logger"
	"github.com/cornellpepper/CuWatch-server/internal/mqttclient"
	"github.com/cornellpepper/CuWatch-server/internal/repository"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format, "cuwatch-bridge")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zlog.Fatal("Failed to open database", zap.Error(err))
	}
	defer database.Close(db)

	if err := database.WaitReady(db, 2*time.Minute); err != nil {
		zlog.Fatal("Database not ready", zap.Error(err))
	}
	if err := database.InitSchema(db); err != nil {
		zlog.Fatal("Failed to initialize schema", zap.Error(err))
	}
	zlog.Info("database ready")

	store := repository.NewPostgresStore(db, zlog)

	var feed *livestream.Feed
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		feed = livestream.NewFeed(redisClient, cfg.Bridge.TelemetryStream, cfg.Bridge.StreamMaxLen, zlog)
		zlog.Info("live telemetry feed enabled", zap.String("stream", cfg.Bridge.TelemetryStream))
	}

	will := &mqttclient.Will{
		Topic:   "lwt/bridge",
		Payload: []byte(`{"online": false}`),
		Retain:  true,
	}
	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "cuwatch-bridge"
	}
	client, err := mqttclient.NewClient(&mqttCfg, will, 2*time.Minute, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer client.Disconnect()

	b := bridge.New(store, feed, cfg.Bridge.ControlCacheSize, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := b.Start(ctx, client); err != nil {
			zlog.Fatal("Failed to start ingestion bridge", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	if err := b.Stop(client); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}
	zlog.Info("Service stopped")
}

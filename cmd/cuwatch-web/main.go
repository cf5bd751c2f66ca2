package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cornellpepper/CuWatch-server/internal/config"
	"github.com/cornellpepper/CuWatch-server/internal/control"
	"github.com/cornellpepper/CuWatch-server/internal/database"
	"github.com/cornellpepper/CuWatch-server/internal/httpapi"
	"github.com/cornellpepper/CuWatch-server/internal/livestream"
	"github.com/cornellpepper/CuWatch-server/internal/logger"
	"github.com/cornellpepper/CuWatch-server/internal/mqttclient"
	"github.com/cornellpepper/CuWatch-server/internal/repository"
	"github.com/cornellpepper/CuWatch-server/internal/session"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format, "cuwatch-web")
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

	store := repository.NewPostgresStore(db, zlog)

	mqttCfg := cfg.MQTT
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = "cuwatch-web"
	}
	client, err := mqttclient.NewClient(&mqttCfg, nil, 2*time.Minute, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer client.Disconnect()

	pub := control.NewPublisher(client, zlog)

	sessions := session.NewController(store, pub, cfg.Session.PollInterval, zlog)
	defer sessions.Close()

	var feed *livestream.Feed
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		feed = livestream.NewFeed(redisClient, cfg.Bridge.TelemetryStream, cfg.Bridge.StreamMaxLen, zlog)
	}

	handlers := httpapi.NewHandlers(store, sessions, pub, feed, zlog)
	router := httpapi.NewRouter(zlog)
	router.Register(handlers)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		zlog.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}
	zlog.Info("Service stopped")
}

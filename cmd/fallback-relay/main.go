package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-notify/internal/config"
	"session-notify/internal/messaging"
	"session-notify/internal/observability"
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting fallback relay", slog.String("instance_id", cfg.InstanceID))

	rmqCtx, rmqCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer rmqCancel()

	rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	slog.Info("connected to rabbitmq")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Email and SMS gateways are not wired yet; jobs are logged and acknowledged.
	consumer := messaging.NewFallbackConsumer(rmq, messaging.LoggingDispatcher{})
	if err := consumer.Start(ctx); err != nil {
		slog.Error("failed to start consuming", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("fallback relay is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down fallback relay")
	cancel()
	consumer.Wait()
	slog.Info("fallback relay stopped")
}

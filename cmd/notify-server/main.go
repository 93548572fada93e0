package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"session-notify/internal/config"
	"session-notify/internal/domain"
	"session-notify/internal/handler"
	"session-notify/internal/messaging"
	"session-notify/internal/middleware"
	"session-notify/internal/observability"
	"session-notify/internal/repository/postgres"
	"session-notify/internal/repository/redis"
	"session-notify/internal/security"
	"session-notify/internal/service"
	"session-notify/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	reconcileInterval = time.Minute
	dbStatsInterval   = 15 * time.Second
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("starting notify server",
		slog.String("instance_id", cfg.InstanceID),
		slog.String("environment", cfg.Environment))

	connCtx, connCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer connCancel()

	redisClient, err := redis.NewClient(connCtx, cfg.RedisURL, 20*time.Second)
	if err != nil {
		slog.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to redis")

	db, err := config.NewPostgresConnection(connCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := postgres.Migrate(db); err != nil {
		slog.Error("database migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	rmqCtx, rmqCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer rmqCancel()

	rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	authenticator, err := service.NewStaticAuthenticator(cfg.AuthUsers)
	if err != nil {
		slog.Error("invalid AUTH_USERS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	roles, err := service.NewStaticRoleLookup(cfg.UserRoles)
	if err != nil {
		slog.Error("invalid USER_ROLES", slog.String("error", err.Error()))
		os.Exit(1)
	}

	trackerCfg, err := trackerConfig(cfg)
	if err != nil {
		slog.Error("invalid delivery configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sessionStore := redis.NewSessionStore(redisClient)
	offlineStore := redis.NewOfflineStore(redisClient)
	presence := redis.NewPresenceStore(redisClient, 0)
	auditRepo := postgres.NewAuditRepository(db)

	hub := websocket.NewHub().WithPresence(presence, cfg.InstanceID)

	sessions := service.NewSessionManager(sessionStore, auditRepo, service.SessionConfig{
		IdleTimeout: cfg.SessionIdleTimeout,
		ReadTimeout: cfg.SessionReadTimeout,
	})
	sessions.SetTerminator(hub)

	offline := service.NewOfflineQueue(offlineStore)
	tracker := service.NewTracker(hub, offline, messaging.NewFallbackPublisher(rmq), trackerCfg)
	bus := messaging.NewRedisBus(redisClient, cfg.InstanceID)
	router := service.NewRouter(hub, tracker, offline, roles).
		WithPresence(presence, cfg.InstanceID).
		WithBus(bus)
	reconciler := service.NewAuditReconciler(auditRepo, sessionStore, sessions)

	hub.SetHooks(websocket.Hooks{
		OnUserOnline: func(ctx context.Context, conn domain.Connection) {
			if _, err := router.FlushOffline(ctx, conn); err != nil {
				slog.Warn("offline flush incomplete",
					slog.String("connection_id", conn.ID),
					slog.String("error", err.Error()))
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	background := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			slog.Debug("background task exited", slog.String("task", name))
		}()
	}

	background("hub", func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("hub error", slog.String("error", err.Error()))
		}
	})
	background("tracker", func() { _ = tracker.Run(ctx) })
	background("offline_sweeper", func() { offline.RunSweeper(ctx, cfg.OfflineSweepInterval) })
	background("audit_reconciler", func() { reconciler.Run(ctx, reconcileInterval) })
	background("db_stats", func() { reportDBStats(ctx, db) })

	sub, err := bus.Subscribe(ctx, func(ctx context.Context, n *domain.Notification) error {
		_, err := router.DeliverLocal(ctx, n)
		return err
	})
	if err != nil {
		slog.Error("failed to subscribe to notification bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sub.Close()
	slog.Info("background workers started")

	cookies := security.NewCookieManager(cfg.CookieDomain, cfg.CookieSecure, "lax")
	tokens := security.NewTokenManager(cfg.CSRFSecret, cfg.CSRFTokenTTL)
	tickets := security.NewTicketManager(cfg.WSTicketSecret, cfg.WSTicketTTL)
	namespaces := handler.Namespaces{All: cfg.Namespaces, Admin: cfg.AdminNamespaces}

	authHandler := handler.NewAuthHandler(authenticator, sessions, cookies, tokens)
	sessionHandler := handler.NewSessionHandler(sessions, cookies, tokens, tickets, namespaces)
	notificationHandler := handler.NewNotificationHandler(router, tracker, offline, sessions)
	wsHandler := handler.NewWebSocketHandler(hub, sessions, tickets, roles, tracker, namespaces, cfg.AllowedOrigins)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.Metrics())
	r.Use(middleware.Session(sessions, cookies, roles))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(map[string]handler.HealthCheck{
		"redis":         handler.RedisCheck(redisClient),
		"postgres":      handler.DatabaseCheck(db),
		"rabbitmq":      handler.RabbitMQCheck(rmq),
		"session_store": handler.SessionStoreCheck(sessions),
	}))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		authLimiter := middleware.NewRateLimiter(ctx, 5, 10)
		apiLimiter := middleware.NewRateLimiter(ctx, 20, 50)

		r.Use(middleware.CSRF(tokens))
		r.Use(middleware.OpenAPIValidator(middleware.DefaultOpenAPIValidatorConfig(cfg.OpenAPIValidation)))

		r.Group(func(r chi.Router) {
			r.Use(authLimiter.Middleware())
			r.Post("/auth/login", authHandler.Login)
			r.Get("/csrf-token", sessionHandler.CSRFToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(apiLimiter.Middleware())

			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/session", sessionHandler.Get)
			r.Get("/ws-ticket", sessionHandler.WSTicket)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireUser())
				r.Put("/session/platform", sessionHandler.UpdatePlatform)
				r.Get("/notifications/offline", notificationHandler.ListOffline)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(domain.RoleAdmin))
				r.Post("/notifications", notificationHandler.Send)
				r.Get("/notifications/{id}", notificationHandler.Status)
				r.Post("/sessions/{id}/revoke", notificationHandler.RevokeSession)
			})
		})
	})

	// Handshake auth is handled by the handler so that tickets work without cookies.
	r.Get("/ws/{namespace}", wsHandler.HandleConnection)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("notify server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	wg.Wait()

	slog.Info("server stopped gracefully")
}

func trackerConfig(cfg *config.Config) (service.TrackerConfig, error) {
	tc := service.DefaultTrackerConfig()
	tc.AckTimeout = cfg.AckTimeout

	quorum, err := service.ParseAckQuorum(cfg.AckQuorum)
	if err != nil {
		return tc, err
	}
	tc.Quorum = quorum

	policies, err := service.ParseRetryPolicies(cfg.RetryPolicy, cfg.RetryBackoffCap)
	if err != nil {
		return tc, err
	}
	tc.Policies = policies
	return tc, nil
}

// reportDBStats mirrors the connection pool into the db gauges.
func reportDBStats(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			observability.DBConnectionsOpen.Set(float64(stats.OpenConnections))
			observability.DBConnectionsInUse.Set(float64(stats.InUse))
		}
	}
}

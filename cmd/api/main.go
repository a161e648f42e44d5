package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/background"
	"github.com/BradenHooton/carewatch/internal/config"
	"github.com/BradenHooton/carewatch/internal/database"
	"github.com/BradenHooton/carewatch/internal/handlers"
	"github.com/BradenHooton/carewatch/internal/metrics"
	"github.com/BradenHooton/carewatch/internal/repositories"
	"github.com/BradenHooton/carewatch/internal/routes"
	"github.com/BradenHooton/carewatch/internal/services"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	pkglogger "github.com/BradenHooton/carewatch/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}
	migrateCancel()

	recorder := metrics.Init(cfg.Metrics.Enabled)

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	loginAttemptRepo := repositories.NewLoginAttemptRepository(db)

	// HIGH severity alerts
	var alerts services.AlertNotifier = services.NoopAlertNotifier{}
	if cfg.Alerts.Enabled() {
		alertCtx, alertCancel := context.WithTimeout(context.Background(), 10*time.Second)
		ses, err := services.NewSESAlertNotifier(alertCtx, cfg.Alerts.Region, cfg.Alerts.From, cfg.Alerts.Recipients, logger)
		alertCancel()
		if err != nil {
			logger.Error("failed to initialize alert notifier", slog.Any("error", err))
			os.Exit(1)
		}
		alerts = ses
	} else {
		logger.Info("security alert email disabled")
	}

	securityService := services.NewSecurityService(auditRepo, loginAttemptRepo, services.SecurityConfig{
		MaxLoginAttempts:       cfg.Security.MaxLoginAttempts,
		LockoutDuration:        cfg.Security.LockoutDuration,
		AllowedRedirectDomains: cfg.Security.AllowedRedirectDomains,
		AppDomain:              cfg.Security.AppDomain,
		TrustedProxies:         cfg.Security.TrustedProxies,
	}, alerts, recorder, logger)

	// Sessions
	sessionStore, err := auth.NewSessionStore(auth.SessionConfig{
		Secret:    cfg.Auth.SessionSecret,
		RedisAddr: cfg.Auth.SessionRedisAddr,
		MaxAge:    cfg.Auth.SessionMaxAge,
		Secure:    cfg.Server.Env == "production",
	})
	if err != nil {
		logger.Error("failed to initialize session store", slog.Any("error", err))
		os.Exit(1)
	}
	sessionManager := auth.NewSessionManager(sessionStore)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	totpKey, err := cfg.Auth.TOTPKey()
	if err != nil {
		logger.Error("invalid TOTP key", slog.Any("error", err))
		os.Exit(1)
	}
	totpManager, err := auth.NewTOTPManager(totpKey)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		MinDelay:  cfg.Auth.MinResponseDelay,
		MaxJitter: cfg.Auth.MaxResponseJitter,
	})

	auditLogger := pkglogger.NewAuditLogger(logger)
	authService := services.NewAuthService(userRepo, securityService, tokenManager, totpManager, timingDelay, logger, auditLogger)

	// Bootstrap first administrator if configured
	if admin := cfg.Database.BootstrapAdmin; admin.Username != "" && admin.Password != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := authService.EnsureAdministrator(ctx, admin.Username, admin.Password); err != nil {
			logger.Error("failed to ensure administrator", slog.Any("error", err))
		}
		cancel()
	} else {
		logger.Info("no BOOTSTRAP_ADMIN_USERNAME or BOOTSTRAP_ADMIN_PASSWORD set, skipping administrator creation")
	}

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Security.TrustedProxies}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, sessionManager, handlers.AuthHandlerConfig{
		SessionMaxAge: cfg.Auth.SessionMaxAge,
		SecureCookies: cfg.Server.Env == "production",
		IPConfig:      ipConfig,
	}, logger)
	adminHandler := handlers.NewSecurityAdminHandler(securityService, userRepo, logger)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = promhttp.Handler()
	}

	router := routes.NewRouter(routes.Deps{
		Logger:         logger,
		Env:            cfg.Server.Env,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IPConfig:       ipConfig,
		LoginRateLimit: cfg.Auth.LoginRateLimit,
		Metrics:        recorder,
		MetricsHandler: metricsHandler,
		Health:         healthHandler(db),
		Tokens:         tokenManager,
		Sessions:       sessionManager,
		Users:          userRepo,
		Security:       securityService,
		AuthHandler:    authHandler,
		AdminHandler:   adminHandler,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start security monitor
	monitor := background.NewSecurityMonitor(securityService, recorder, logger, cfg.Security.MonitorInterval)
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()

	go monitor.Start(monitorCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	monitorCancel()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// healthHandler reports database reachability
func healthHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "down"})
			return
		}
		db.LogStats(ctx)
		stats := db.Stats()
		resp := map[string]any{"status": "healthy", "database": "up"}
		resp["connections"] = map[string]int32{"total": stats.TotalConns(), "idle": stats.IdleConns()}
		pkghttp.WriteJSON(w, http.StatusOK, resp)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

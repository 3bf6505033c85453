package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/background"
	"github.com/BradenHooton/dealergate/internal/config"
	"github.com/BradenHooton/dealergate/internal/database"
	"github.com/BradenHooton/dealergate/internal/encryption"
	"github.com/BradenHooton/dealergate/internal/handlers"
	middlewareCustom "github.com/BradenHooton/dealergate/internal/middleware"
	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/internal/repositories"
	"github.com/BradenHooton/dealergate/internal/routes"
	"github.com/BradenHooton/dealergate/internal/services"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
	applog "github.com/BradenHooton/dealergate/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		applog.RedactedAttr("db_host", cfg.Database.Host, cfg.Server.Env),
		applog.RedactedAttr("redis_url", cfg.Redis.URL, cfg.Server.Env),
	)

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = db.Migrate(migrateCtx)
	cancel()
	if err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()

	enc, err := encryption.New(encryption.Options{
		MasterKey:      cfg.Encryption.MasterKey,
		KDFIterations:  cfg.Encryption.KDFIterations,
		HashIterations: cfg.Encryption.HashIterations,
	})
	if err != nil {
		logger.Error("failed to initialize encryption", slog.Any("error", err))
		os.Exit(1)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	refreshRepo := repositories.NewRefreshTokenRepository(db)
	actionRepo := repositories.NewActionTokenRepository(db)
	twoFactorRepo := repositories.NewTwoFactorRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	prefix := cfg.Redis.KeyPrefix
	sessionStore := repositories.NewSessionStore(rdb, prefix)
	lockoutStore := repositories.NewLockoutStore(rdb, prefix)
	twoFactorStore := repositories.NewTwoFactorStore(rdb, prefix)
	chainStore := repositories.NewAuditChainStore(rdb, prefix)

	// Initialize services
	auditService := services.NewAuditService(auditRepo, chainStore, notifier, logger)
	defer auditService.Flush()

	sessionService := services.NewSessionService(sessionStore, refreshRepo, auditService, cfg.Session, logger)
	lockoutService := services.NewLockoutService(lockoutStore, cfg.Lockout, auditService, logger)
	twoFactorService := services.NewTwoFactorService(
		twoFactorRepo, twoFactorStore, userRepo, enc, notifier, auditService, cfg.TwoFactor, logger,
	)
	userService := services.NewUserService(userRepo, enc, auditService, logger)

	authService, err := services.NewAuthService(services.AuthDeps{
		Users:        userRepo,
		Tokens:       refreshRepo,
		Actions:      actionRepo,
		Sessions:     sessionService,
		Lockout:      lockoutService,
		TwoFactor:    twoFactorService,
		Enc:          enc,
		TokenManager: auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry),
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelay:   cfg.Auth.LoginBaseDelay,
			RandomDelay: cfg.Auth.LoginRandomDelay,
		}),
		Notifier: notifier,
		Audit:    auditService,
		Logger:   logger,
	}, services.AuthOptions{
		Auth:     cfg.Auth,
		Password: cfg.Password,
		BaseURL:  cfg.Email.BaseURL,
	})
	if err != nil {
		logger.Error("failed to initialize auth service", slog.Any("error", err))
		os.Exit(1)
	}

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, authService, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Initialize handlers
	cookies := auth.CookieConfig{
		Domain:   cfg.Server.CookieDomain,
		Secure:   cfg.Server.CookieSecure,
		SameSite: cfg.Server.CookieSameSite,
	}
	h := routes.Handlers{
		Auth:      handlers.NewAuthHandler(authService, cookies, cfg.Auth.RefreshTokenExpiry, logger),
		TwoFactor: handlers.NewTwoFactorHandler(twoFactorService),
		Users:     handlers.NewUserHandler(userService, sessionService),
		Admin:     handlers.NewAdminHandler(auditService, authService),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.RequestContext(&pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/health", healthHandler(db, rdb))

	router.Route("/api/v1", func(r chi.Router) {
		routes.RegisterRoutes(r, h, routes.Config{
			Verifier:      authService,
			Auditor:       auditService,
			AuthRateLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.AuthRateLimit},
			APIRateLimit:  middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.APIRateLimit},
			Logger:        logger,
		})
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(
		map[string]background.Sweeper{
			"refresh_tokens": refreshRepo,
			"action_tokens":  actionRepo,
		},
		auditService,
		logger,
		cfg.Auth.CleanupInterval,
		cfg.Auth.IntegrityCheckInterval,
	)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	logger.Info("server stopped gracefully")
}

func logLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// newNotifier returns the SES notifier, or a log-only notifier when email
// is disabled.
func newNotifier(cfg *config.Config, logger *slog.Logger) (services.Notifier, error) {
	if !cfg.Email.Enabled {
		logger.Warn("email delivery disabled, notifications are logged only")
		return services.NewLogNotifier(logger), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := services.NewSESNotifier(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.Email.AlertAddress, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func healthHandler(db *database.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "healthy", "database": "up", "redis": "up"}
		code := http.StatusOK
		if err := db.HealthCheck(ctx); err != nil {
			status["database"] = "down"
			status["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			status["redis"] = "down"
			status["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		pkghttp.WriteJSON(w, code, status)
	}
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and
// ADMIN_PASSWORD are set. The password must satisfy the normal policy.
func ensureAdminUser(ctx context.Context, authService *services.AuthService, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := authService.Register(ctx, services.RegisterInput{
		Email:    adminEmail,
		Password: adminPassword,
		Profile:  models.Profile{FirstName: "Admin", Role: models.RoleAdmin},
	}, models.RequestContext{IPAddress: "127.0.0.1", UserAgent: "bootstrap"})
	if errors.Is(err, models.ErrDuplicateIdentity) {
		logger.Info("admin user already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}

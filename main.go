package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/abdusco/smartlinks/internal"
	"github.com/abdusco/smartlinks/internal/analytics"
	"github.com/abdusco/smartlinks/internal/auth"
	"github.com/abdusco/smartlinks/internal/db"
	"github.com/abdusco/smartlinks/internal/handler"
	"github.com/abdusco/smartlinks/internal/repo"
	"github.com/abdusco/smartlinks/internal/shortcode"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type Config struct {
	Host          string
	Port          string
	DBPath        string
	FreeTierCap   int
	CodeLength    int
	Timezone      string
	WebhookSecret string
	AdminCreds    string
	JWTSecret     string
	LogLevel      string
	Debug         bool
}

func newConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Host:          cmp.Or(os.Getenv("HOST"), "localhost"),
		Port:          cmp.Or(os.Getenv("PORT"), "8080"),
		DBPath:        cmp.Or(os.Getenv("DB_PATH"), "smartlinks.db"),
		Timezone:      cmp.Or(os.Getenv("REPORT_TIMEZONE"), analytics.DefaultTimezone),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AdminCreds:    os.Getenv("ADMIN_CREDENTIALS"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		LogLevel:      cmp.Or(os.Getenv("LOG_LEVEL"), "info"),
		Debug:         os.Getenv("DEBUG") == "1",
	}

	var err error
	cfg.FreeTierCap, err = intFromEnv("FREE_TIER_CAP", 3)
	if err != nil {
		return Config{}, err
	}
	cfg.CodeLength, err = intFromEnv("CODE_LENGTH", shortcode.DefaultLength)
	if err != nil {
		return Config{}, err
	}

	if cfg.AdminCreds == "" {
		cfg.AdminCreds = "admin:admin"
		log.Warn().Msg("using default admin credentials - set ADMIN_CREDENTIALS for production")
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.AdminCreds
		log.Warn().Msg("using ADMIN_CREDENTIALS as JWT_SECRET - set JWT_SECRET for production")
	}

	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set - plan upgrade webhook is disabled")
	}

	return cfg, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s value %q", key, raw)
	}
	return value, nil
}

func main() {
	cfg, err := newConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration from environment")
	}

	log.Info().
		Interface("config", cfg).
		Msg("current configuration")

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

func run(ctx context.Context, cfg Config) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting application")

	credentials, err := auth.NewCredentials(cfg.AdminCreds)
	if err != nil {
		return fmt.Errorf("failed to parse admin credentials: %w", err)
	}

	dbInstance, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbInstance.Close()

	e := echo.New()
	defer e.Close()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = customErrorHandler

	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	ownersRepo := repo.NewOwnersRepo(dbInstance)
	generator := shortcode.NewGenerator(cfg.CodeLength)
	linksRepo := repo.NewLinksRepo(dbInstance, generator, cfg.FreeTierCap)
	clicksRepo := repo.NewClicksRepo(dbInstance)
	aggregator := analytics.NewAggregator(dbInstance, analytics.LoadTimezone(cfg.Timezone))

	linkHandler := handler.NewLinkHandler(linksRepo, clicksRepo)
	reportHandler := handler.NewReportHandler(linksRepo, clicksRepo, aggregator)
	billingHandler := handler.NewBillingHandler(ownersRepo, cfg.WebhookSecret)

	api := e.Group("/api")
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)
	api.GET("/report/:code", reportHandler.Report)
	api.GET("/report/:code/csv", reportHandler.ReportCSV)
	api.POST("/billing/webhook", billingHandler.Webhook)

	authenticator := auth.NewAuthenticator(credentials, cfg.JWTSecret)
	authHandler := handler.NewAuthHandler(authenticator)
	e.POST("/login", authHandler.Login)
	e.GET("/logout", authHandler.Logout)

	adminHandler := handler.NewAdminHandler(ownersRepo)
	admin := api.Group("/admin", auth.NewAuthMiddleware(authenticator))
	admin.GET("/owners", adminHandler.ListOwners)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	e.GET("/r/:code", linkHandler.Redirect)

	log.Info().Str("address", cfg.Port).Msg("server starting")

	// Run server and handle graceful shutdown
	runServer(ctx, e, cfg.Port)

	return nil
}

func runServer(ctx context.Context, e *echo.Echo, port string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(":" + port)
	}()

	// Wait for context cancellation (Ctrl+C or SIGTERM)
	<-ctx.Done()

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func customErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "internal server error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	} else {
		switch {
		case errors.Is(err, internal.ErrQuotaExceeded):
			code, message = http.StatusPaymentRequired, "free plan limit reached, upgrade to create more links"
		case errors.Is(err, internal.ErrLinkNotFound):
			code, message = http.StatusNotFound, "link not found"
		case errors.Is(err, internal.ErrInvalidInput):
			code, message = http.StatusBadRequest, "missing required fields"
		}
	}

	if code >= http.StatusInternalServerError {
		log.Error().
			Int("code", code).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Err(err).
			Msg("http error")
	}

	if c.Response().Committed {
		return
	}

	c.JSON(code, map[string]any{
		"error": message,
	})
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/qualityforge/qedash/internal/dashboard"
	"github.com/qualityforge/qedash/internal/httpapi"
)

func main() {
	logger := buildLogger()

	flatDSN, structuredDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid storage configuration")
	}

	dash, err := dashboard.New(dashboard.Options{
		FlatDSN:          flatDSN,
		StructuredDSN:    structuredDSN,
		CredentialsPath:  credentialsPathFromEnv(),
		WatchCredentials: boolEnv("QEDASH_WATCH_CREDENTIALS", true),
		RetentionHorizon: durationEnv("QEDASH_RETENTION_HORIZON", 0),
		HistoryCap:       intEnv("QEDASH_HISTORY_CAP", 0),
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dashboard")
	}
	defer dash.Close()

	server := httpapi.NewServerWithConfig(dash, httpapi.ServerConfig{
		APIToken:        os.Getenv("QEDASH_API_TOKEN"),
		RateLimitMax:    intEnv("QEDASH_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("QEDASH_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("QEDASH_MAX_BODY_BYTES", 0),
	})

	addr := os.Getenv("QEDASH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info().Str("addr", addr).Msg("qedash listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("qedash stopped")
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("QEDASH_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if boolEnv("QEDASH_LOG_PRETTY", false) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func credentialsPathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv("QEDASH_CREDENTIALS_FILE")); path != "" {
		return path
	}
	return filepath.Join(dataDirFromEnv(), "credentials.json")
}

func dataDirFromEnv() string {
	dataDir := strings.TrimSpace(os.Getenv("QEDASH_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".qedash"
	}
	return dataDir
}

func storageProfileDefaultsFromEnv() (flatDSN, structuredDSN string, err error) {
	flatDSN = strings.TrimSpace(os.Getenv("QEDASH_FLAT_DSN"))
	structuredDSN = strings.TrimSpace(os.Getenv("QEDASH_STRUCTURED_DSN"))

	profile := strings.ToLower(strings.TrimSpace(os.Getenv("QEDASH_BACKEND_PROFILE")))
	dataDir := dataDirFromEnv()
	var profileFlat, profileStructured string
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		profileFlat, profileStructured = "memory://", "memory://"
	case "durable-local", "local-durable":
		profileFlat = "file://" + filepath.Join(dataDir, "flat.json")
		profileStructured = "sqlite://" + filepath.Join(dataDir, "records.db")
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("QEDASH_POSTGRES_DSN"))
		if postgresDSN == "" {
			return "", "", fmt.Errorf("QEDASH_POSTGRES_DSN is required when QEDASH_BACKEND_PROFILE=%s", profile)
		}
		profileFlat = "file://" + filepath.Join(dataDir, "flat.json")
		profileStructured = postgresDSN
	default:
		return "", "", fmt.Errorf("unsupported QEDASH_BACKEND_PROFILE: %s", profile)
	}

	if flatDSN == "" {
		flatDSN = profileFlat
	}
	if structuredDSN == "" {
		structuredDSN = profileStructured
	}
	if flatDSN == "" {
		flatDSN = "file://" + filepath.Join(dataDir, "flat.json")
	}
	if structuredDSN == "" {
		structuredDSN = "sqlite://" + filepath.Join(dataDir, "records.db")
	}
	return flatDSN, structuredDSN, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

// Command server starts the face-swap relay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"beart-relay/internal/api"
	"beart-relay/internal/artifact"
	"beart-relay/internal/auth"
	"beart-relay/internal/beart"
	"beart-relay/internal/cos"
	"beart-relay/internal/observability/logging"
	"beart-relay/internal/observability/metrics"
	"beart-relay/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tokensFlag := flag.String("tokens", "", "comma separated API bearer tokens")
	vendorBaseURL := flag.String("vendor-base-url", "", "BeArt API base URL")
	productSerial := flag.String("product-serial", "", "BeArt product serial sent with every job")
	pollAttempts := flag.Int("poll-attempts", 0, "maximum vendor poll attempts per job")
	pollInterval := flag.Duration("poll-interval", 0, "delay between vendor poll attempts")
	outputDir := flag.String("output-dir", "", "directory for staging downloaded artifacts")
	cosRegion := flag.String("cos-region", "", "COS bucket region")
	cosSecretID := flag.String("cos-secret-id", "", "COS secret ID")
	cosSecretKey := flag.String("cos-secret-key", "", "COS secret key")
	cosBucket := flag.String("cos-bucket", "", "COS bucket name")
	cosEndpoint := flag.String("cos-endpoint", "", "COS endpoint override (derived from region when empty)")
	maxUploadMB := flag.Int("max-upload-mb", 0, "maximum request body size in megabytes")
	sweepInterval := flag.Duration("sweep-interval", 0, "how often stale staged artifacts are swept")
	artifactTTL := flag.Duration("artifact-ttl", 0, "age after which staged artifacts are swept")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the relay")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("BEART_RELAY_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("BEART_RELAY_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	if initSentry(logger) {
		defer sentry.Flush(2 * time.Second)
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("BEART_RELAY_ADDR"), ":8089")

	rawTokens := firstNonEmpty(*tokensFlag, os.Getenv("BEART_RELAY_TOKENS"), auth.DefaultTokens)
	if rawTokens == auth.DefaultTokens {
		logger.Warn("using built-in demo tokens; set -tokens or BEART_RELAY_TOKENS before exposing the relay")
	}
	verifier := auth.NewVerifier(auth.ParseTokens(rawTokens))
	if verifier.Size() == 0 {
		logger.Error("no API tokens configured")
		os.Exit(1)
	}

	swapper, err := beart.NewClient(beart.Config{
		BaseURL:       firstNonEmpty(*vendorBaseURL, os.Getenv("BEART_RELAY_VENDOR_BASE_URL")),
		ProductSerial: firstNonEmpty(*productSerial, os.Getenv("BEART_RELAY_PRODUCT_SERIAL")),
		PollAttempts:  resolveInt(*pollAttempts, "BEART_RELAY_POLL_ATTEMPTS"),
		PollInterval:  resolveDuration(*pollInterval, "BEART_RELAY_POLL_INTERVAL", 0),
		Logger:        logging.WithComponent(logger, "beart"),
	})
	if err != nil {
		logger.Error("failed to configure vendor client", "error", err)
		os.Exit(1)
	}

	artifacts := &artifact.Store{
		Dir:    firstNonEmpty(*outputDir, os.Getenv("BEART_RELAY_OUTPUT_DIR"), "./output"),
		Logger: logging.WithComponent(logger, "artifacts"),
	}

	publisher, err := cos.NewPublisher(context.Background(), cos.Config{
		Region:    firstNonEmpty(*cosRegion, os.Getenv("BEART_RELAY_COS_REGION")),
		SecretID:  firstNonEmpty(*cosSecretID, os.Getenv("BEART_RELAY_COS_SECRET_ID")),
		SecretKey: firstNonEmpty(*cosSecretKey, os.Getenv("BEART_RELAY_COS_SECRET_KEY")),
		Bucket:    firstNonEmpty(*cosBucket, os.Getenv("BEART_RELAY_COS_BUCKET")),
		Endpoint:  firstNonEmpty(*cosEndpoint, os.Getenv("BEART_RELAY_COS_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to configure storage publisher", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(verifier, swapper, artifacts, publisher)
	handler.Logger = logger
	handler.Metrics = recorder
	if megabytes := resolveInt(*maxUploadMB, "BEART_RELAY_MAX_UPLOAD_MB"); megabytes > 0 {
		handler.MaxUploadBytes = int64(megabytes) << 20
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepStop := startArtifactSweeper(
		workerCtx,
		logging.WithComponent(logger, "artifact-sweeper"),
		artifacts,
		resolveDuration(*sweepInterval, "BEART_RELAY_SWEEP_INTERVAL", 10*time.Minute),
		resolveDuration(*artifactTTL, "BEART_RELAY_ARTIFACT_TTL", time.Hour),
	)
	defer sweepStop()

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("BEART_RELAY_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("BEART_RELAY_TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr:        listenAddr,
		TLS:         tlsCfg,
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
		CORS: server.CORSConfig{
			Origins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("BEART_RELAY_CORS_ORIGINS"))),
		},
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("face-swap relay listening", "addr", listenAddr)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}

// initSentry wires error reporting when a DSN is present. Returning false
// leaves the sentry client uninitialised, which turns CaptureException calls
// into no-ops.
func initSentry(logger *slog.Logger) bool {
	dsn := strings.TrimSpace(os.Getenv("BEART_RELAY_SENTRY_DSN"))
	if dsn == "" {
		return false
	}
	environment := firstNonEmpty(os.Getenv("BEART_RELAY_SENTRY_ENVIRONMENT"), "development")
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}); err != nil {
		logger.Warn("failed to initialise sentry", "error", err)
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

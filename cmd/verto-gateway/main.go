package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"verto/gateway/config"
	"verto/gateway/middleware"
	"verto/gateway/routes"
	"verto/gateway/store"
	"verto/gateway/watcher"
	"verto/gateway/webhooks"
	"verto/observability/logging"
	"verto/observability/metrics"
	telemetry "verto/observability/otel"
	"verto/rpc"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	slogger := logging.Setup("verto-gateway", cfg.Environment)
	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmsgprefix)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	nodeURL, err := cfg.NodeURL()
	if err != nil {
		logger.Fatalf("node endpoint: %v", err)
	}
	node := rpc.NewClient(nodeURL.String(), cfg.Node.Token)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("open sqlite store: %v", err)
	}
	defer db.Close()

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)
	mirror := metrics.Mirror(obs.Registry())

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, logger)
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		logger.Printf("auth enabled without a secret; every protected request will be rejected")
	}

	rateLimits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		rateLimits[entry.ID] = middleware.RateLimit{
			RequestsPerMinute: entry.RequestsPerMinute,
			RatePerSecond:     entry.RatePerSecond,
			Burst:             entry.Burst,
		}
	}
	limiter := middleware.NewRateLimiter(rateLimits, logger)
	limiter.TrustProxies(cfg.Security.TrustedProxies)

	router, err := routes.New(routes.Config{
		Node:          node,
		Store:         db,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		Mirror:        mirror,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.Security.AllowedOrigins},
		Logger:        slogger,
		NodeTimeout:   cfg.Node.Timeout,
	})
	if err != nil {
		logger.Fatalf("configure routes: %v", err)
	}
	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "verto-gateway")
	}

	tlsConfig, err := buildTLSConfig(cfgPath, cfg.Security)
	if err != nil {
		logger.Fatalf("configure TLS: %v", err)
	}
	if tlsConfig == nil && !strings.EqualFold(cfg.Environment, "dev") && !isLoopbackAddress(cfg.ListenAddress) {
		logger.Fatal("plaintext gateway mode is restricted to loopback listeners or the dev environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcherOpts := []watcher.Option{
		watcher.WithInterval(cfg.Mirror.PollInterval),
		watcher.WithBatchSize(cfg.Mirror.BatchSize),
		watcher.WithMetrics(mirror),
		watcher.WithLogger(slogger),
	}
	if cfg.Webhooks.Enabled {
		hookMetrics := metrics.Webhooks(obs.Registry())
		queue := webhooks.NewQueue(
			webhooks.WithTaskCapacity(cfg.Webhooks.QueueCapacity),
			webhooks.WithHistoryCapacity(cfg.Webhooks.HistorySize),
			webhooks.WithTTL(cfg.Webhooks.QueueTTL),
			webhooks.WithQueueMetrics(hookMetrics),
		)
		timeout := cfg.Webhooks.DeliveryTimeout
		if timeout <= 0 {
			timeout = webhooks.DefaultDeliveryTimeout
		}
		worker := webhooks.NewWorker(db, queue,
			webhooks.WithHTTPClient(&http.Client{Timeout: timeout}),
			webhooks.WithMaxAttempts(cfg.Webhooks.MaxAttempts),
			webhooks.WithWorkerMetrics(hookMetrics),
			webhooks.WithWorkerLogger(slogger),
		)
		go worker.Run(ctx)
		watcherOpts = append(watcherOpts, watcher.WithNotifier(queue))
	}
	w := watcher.New(node, db, watcherOpts...)
	go w.Run(ctx)
	go pruneIdempotency(ctx, db, slogger)

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		scheme := "http"
		var serveErr error
		if tlsConfig != nil {
			scheme = "https"
			logger.Printf("listening on %s://%s node=%s", scheme, listener.Addr(), nodeURL.Redacted())
			serveErr = server.Serve(tls.NewListener(listener, tlsConfig))
		} else {
			logger.Printf("listening on %s://%s node=%s", scheme, listener.Addr(), nodeURL.Redacted())
			serveErr = server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Fatalf("listen and serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// pruneIdempotency drops cached transaction responses after a day.
func pruneIdempotency(ctx context.Context, db *store.SQLiteStore, logger interface {
	Warn(msg string, args ...any)
}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := db.PruneIdempotency(ctx, time.Now().Add(-24*time.Hour)); err != nil {
				logger.Warn("prune idempotency cache", "error", err)
			}
		}
	}
}

func buildTLSConfig(cfgPath string, sec config.SecurityConfig) (*tls.Config, error) {
	baseDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		baseDir = filepath.Dir(cfgPath)
	}
	certPath := resolveTLSPath(baseDir, sec.TLSCertFile)
	keyPath := resolveTLSPath(baseDir, sec.TLSKeyFile)
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func resolveTLSPath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func isLoopbackAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

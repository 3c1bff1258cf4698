// Command iobroker-gatewayd runs the connection substrate as a standalone
// process: one Gateway, configured from environment variables, exposing
// Prometheus metrics over HTTP and logging structured events to stdout.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodered/iobroker-gateway/iobroker"
	"github.com/nodered/iobroker-gateway/iobroker/session"
)

func main() {
	logger := session.NewLogger("gatewayd", os.Stdout)

	host := envOr("IOBROKER_HOST", "localhost")
	port := envOrInt("IOBROKER_PORT", 8082)
	user := os.Getenv("IOBROKER_USER")
	password := os.Getenv("IOBROKER_PASSWORD")
	useSSL := envOrBool("IOBROKER_SSL", false)
	metricsAddr := envOr("METRICS_ADDR", ":9102")

	cfg := iobroker.DefaultConfig()

	registry := prometheus.NewRegistry()
	metrics := iobroker.NewMetrics(registry)

	var auth *iobroker.AuthClient
	if user != "" {
		auth = iobroker.NewAuthClient(cfg.InsecureSkipVerify)
	}

	pool := iobroker.NewPool(cfg, auth, logger, metrics)
	recovery := iobroker.NewRecovery(pool, cfg, metrics, logger)
	reg := iobroker.NewRegistry(pool, recovery, logger)
	gateway := iobroker.Assemble(pool, recovery, reg, logger)
	_ = gateway

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		logger.Info("metrics server listening", "addr", metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err.Error())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+2*time.Second)
	config := iobroker.EndpointConfig{Host: host, Port: port, User: user, Password: password, UseSSL: useSSL}
	if _, err := pool.GetConnection(ctx, config); err != nil {
		logger.Warn("initial connect did not complete, retry scheduled (it runs only while consumers are registered)", "error", err.Error())
		recovery.ScheduleRetry(config.Key())
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	recovery.Shutdown()
	pool.CloseConnection(config.Key())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/podium-protocol/confidential-records/config"
	"github.com/podium-protocol/confidential-records/pkgs/events"
	"github.com/podium-protocol/confidential-records/pkgs/metrics"
	keys "github.com/podium-protocol/confidential-records/pkgs/redis"
	"github.com/podium-protocol/confidential-records/pkgs/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// record-mirror rebuilds the Redis read model on a separate host from the
// events published by one or more record nodes.
func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.SettingsObj

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	publisher, err := events.NewPublisher(&events.PublisherConfig{
		RedisClient:   redisClient,
		ChannelPrefix: cfg.EventChannelPrefix,
		Network:       cfg.EventNetwork,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create event subscriber")
	}
	stream, err := publisher.Subscribe(ctx, events.AllEventTypes)
	if err != nil {
		log.WithError(err).Fatal("Failed to subscribe to record events")
	}

	// Create state tracker
	st := tracker.NewStateTracker(redisClient, keys.NewKeyBuilder(cfg.ChainID, cfg.RegistryAddress.Hex()), m)

	// Catch up from the event log before following live events. Live events
	// wait in the subscription buffer; replay and live overlap is harmless.
	if n, err := st.Backfill(ctx, publisher); err != nil {
		log.WithError(err).Fatal("Failed to replay event log")
	} else if n > 0 {
		log.WithField("events", n).Info("Replayed logged events")
	}

	// Start event listener
	go st.StartEventListener(ctx, stream)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{"status": "healthy", "timestamp": time.Now().Unix()}
		if err := st.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		} else if stats, err := st.Stats(r.Context()); err == nil {
			body["stats"] = stats
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}).Methods("GET")

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server
	go func() {
		log.WithField("addr", httpServer.Addr).Info("Starting mirror health server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Mirror server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down record mirror...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to gracefully shutdown HTTP server")
	}

	cancel()
	st.Shutdown()

	log.Info("Record mirror stopped")
}

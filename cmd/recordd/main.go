package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/podium-protocol/confidential-records/config"
	"github.com/podium-protocol/confidential-records/pkgs/api"
	"github.com/podium-protocol/confidential-records/pkgs/certificate"
	customcrypto "github.com/podium-protocol/confidential-records/pkgs/crypto"
	"github.com/podium-protocol/confidential-records/pkgs/deduplication"
	"github.com/podium-protocol/confidential-records/pkgs/events"
	"github.com/podium-protocol/confidential-records/pkgs/fhe"
	"github.com/podium-protocol/confidential-records/pkgs/identity"
	"github.com/podium-protocol/confidential-records/pkgs/ipfs"
	"github.com/podium-protocol/confidential-records/pkgs/lifecycle"
	"github.com/podium-protocol/confidential-records/pkgs/metrics"
	keys "github.com/podium-protocol/confidential-records/pkgs/redis"
	"github.com/podium-protocol/confidential-records/pkgs/registry"
	"github.com/podium-protocol/confidential-records/pkgs/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.SettingsObj

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis
	var redisClient *redis.Client
	if cfg.PublishEvents || cfg.MirrorEnabled || cfg.DedupEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	// Encryption gateway
	encryptionService, err := fhe.NewLocalService()
	if err != nil {
		log.WithError(err).Fatal("Failed to create encryption service")
	}
	gateway, err := fhe.NewGateway(fhe.GatewayConfig{
		Service:       encryptionService,
		Domain:        customcrypto.Domain{ChainID: cfg.ChainID, VerifyingContract: cfg.DecryptionAddress},
		Timeout:       cfg.GatewayTimeout,
		AuthCacheSize: cfg.AuthCacheSize,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create encryption gateway")
	}

	// Registry and certificate authority
	records, err := registry.New(registry.Config{
		Contract:  cfg.RegistryAddress,
		Authority: cfg.AuthorityAddress,
		Verifier:  gateway,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create registry")
	}
	certs, err := certificate.NewAuthority(certificate.Config{Records: records, Issuer: cfg.IssuerAddress})
	if err != nil {
		log.WithError(err).Fatal("Failed to create certificate authority")
	}

	// Event emitter, single worker so subscribers see events in order
	emitter := events.NewEmitter(&events.EmitterConfig{
		BufferSize:   cfg.EventBufferSize,
		MaxWorkers:   1,
		EventTimeout: events.DefaultEventTimeout,
		Registerer:   promRegistry,
		ChainID:      cfg.ChainID,
		Registry:     cfg.RegistryAddress.Hex(),
		NodeID:       cfg.NodeID,
	})
	if err := emitter.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start event emitter")
	}

	var publisher *events.Publisher
	if cfg.PublishEvents {
		publisher, err = events.NewPublisher(&events.PublisherConfig{
			RedisClient:    redisClient,
			ChannelPrefix:  cfg.EventChannelPrefix,
			BatchSize:      events.DefaultBatchSize,
			FlushInterval:  events.DefaultFlushInterval,
			EnableBatching: true,
			Network:        cfg.EventNetwork,
			LogLength:      cfg.EventLogLength,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to create event publisher")
		}
		if err := publisher.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start event publisher")
		}
		if err := emitter.Subscribe(&events.Subscriber{ID: "redis-publisher", Handler: publisher.Handler()}); err != nil {
			log.WithError(err).Fatal("Failed to subscribe publisher")
		}
	}

	var mirror *tracker.StateTracker
	if cfg.MirrorEnabled {
		mirror = tracker.NewStateTracker(redisClient, keys.NewKeyBuilder(cfg.ChainID, cfg.RegistryAddress.Hex()), m)
		if err := emitter.Subscribe(mirror.Subscriber()); err != nil {
			log.WithError(err).Fatal("Failed to subscribe state mirror")
		}
	}

	var dedup *deduplication.Deduplicator
	if cfg.DedupEnabled {
		dedup, err = deduplication.NewDeduplicator(redisClient, cfg.DedupLocalCacheSize, cfg.DedupTTL, fmt.Sprintf("records:%d:dedup", cfg.ChainID))
		if err != nil {
			log.WithError(err).Fatal("Failed to create deduplicator")
		}
	}

	// Evidence store
	var evidence ipfs.Store = ipfs.NewMemoryStore()
	if cfg.IPFSAPIURL != "" {
		client, err := ipfs.NewClient(cfg.IPFSAPIURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to create IPFS client")
		}
		checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
		if client.IsAvailable(checkCtx) {
			evidence = client
			log.WithField("url", cfg.IPFSAPIURL).Info("Using IPFS evidence store")
		} else {
			log.WithField("url", cfg.IPFSAPIURL).Warn("IPFS node unreachable - evidence is kept in memory")
		}
		checkCancel()
	}

	service, err := lifecycle.New(lifecycle.Config{
		Gateway:         gateway,
		Registry:        records,
		Certificates:    certs,
		Emitter:         emitter,
		Metrics:         m,
		Evidence:        evidence,
		MaxValidityDays: cfg.AuthorizationValidityDays,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create lifecycle service")
	}

	apiConfig := api.Config{
		Service:      service,
		Dedup:        dedup,
		Metrics:      m,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	if mirror != nil {
		apiConfig.Mirror = mirror
	}
	if cfg.RequireSignedRequests {
		apiConfig.Identity = identity.NewVerifier(identity.Config{
			MaxSkew: cfg.SignatureMaxSkew,
			Blocked: cfg.BlockedCallers,
		})
	}
	if cfg.MetricsEnabled {
		apiConfig.Gatherer = promRegistry
	}
	apiServer, err := api.NewAPIServer(apiConfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to create API server")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server
	go func() {
		log.WithField("addr", httpServer.Addr).Info("Starting record lifecycle API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down record lifecycle node...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to gracefully shutdown HTTP server")
	}
	if err := emitter.Stop(); err != nil {
		log.WithError(err).Error("Failed to stop event emitter")
	}
	if publisher != nil {
		if err := publisher.Stop(); err != nil {
			log.WithError(err).Error("Failed to stop event publisher")
		}
	}

	log.Info("Record lifecycle node stopped")
}

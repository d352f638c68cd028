package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"meshbridge/bridge"
	"meshbridge/config"
	"meshbridge/crypto"
	"meshbridge/discovery"
	"meshbridge/ledger"
	"meshbridge/logging"
	"meshbridge/metrics"
	"meshbridge/node"
	"meshbridge/storage"
	"meshbridge/transport"
)

func main() {
	if path, ok := config.LoadEnvFiles(".env", ".env.local"); ok {
		fmt.Printf("Env File:        %s\n", path)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		FilePath:    cfg.Log.FilePath,
		NodeID:      cfg.NodeID,
	})
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	identity, err := crypto.EnsureIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing Ed25519 identity: %v", err)
	}

	fmt.Printf("Node ID:         %s\n", cfg.NodeID)
	fmt.Printf("Node Name:       %s\n", cfg.NodeName)
	fmt.Printf("Mesh Address:    %s\n", identity.Address)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(identity.PublicKey)))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir, storage.Options{Logger: logger})
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	proofs, err := ledger.Open(ledger.Options{Path: cfg.Bridge.LedgerPath, Logger: logger})
	if err != nil {
		log.Fatalf("startup failed while opening proof ledger: %v", err)
	}
	defer func() {
		if err := proofs.Close(); err != nil {
			logger.Warn("ledger close error", zap.Error(err))
		}
	}()
	fmt.Printf("Ledger File:     %s\n", cfg.Bridge.LedgerPath)

	storageClient, err := bridge.NewHTTPStorage(cfg.Bridge.StorageURL, &http.Client{Timeout: bridge.DefaultHTTPTimeout})
	if err != nil {
		log.Fatalf("startup failed while configuring storage bridge: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	metricsServer := startMetricsServer(cfg.MetricsAddress, recorder, logger)

	var sources []discovery.Source
	if cfg.Mesh.EnableMDNS {
		mdnsConfig := discovery.MDNSConfig{
			SelfID:  identity.Address,
			Name:    cfg.NodeName,
			Address: identity.Address,
			IsRelay: cfg.Mesh.RelayEnabled,
		}
		broadcaster, err := discovery.StartBroadcaster(mdnsConfig)
		if err != nil {
			logger.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer broadcaster.Stop()
		}
		source, err := discovery.NewMDNSSource(mdnsConfig)
		if err != nil {
			logger.Warn("mDNS browsing unavailable", zap.Error(err))
		} else {
			sources = append(sources, source)
		}
	}

	opts := node.OptionsFromConfig(cfg)
	opts.Identity = identity
	opts.Link = &transport.HubLink{
		Address:     cfg.Mesh.HubAddress,
		NodeID:      cfg.NodeID,
		MeshAddress: identity.Address,
		Name:        cfg.NodeName,
	}
	opts.Sources = sources
	opts.Store = store
	opts.Storage = storageClient
	opts.Ledger = proofs
	opts.Logger = logger
	opts.Metrics = recorder

	meshNode, err := node.New(opts)
	if err != nil {
		log.Fatalf("startup failed while building node: %v", err)
	}
	if err := meshNode.Start(); err != nil {
		log.Fatalf("startup failed while starting node: %v", err)
	}
	defer meshNode.Stop()

	fmt.Printf("Hub:             %s\n", cfg.Mesh.HubAddress)
	fmt.Printf("Storage Bridge:  %s\n", cfg.Bridge.StorageURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logDeliveries(ctx, meshNode, logger)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
}

func startMetricsServer(address string, recorder *metrics.Recorder, logger *zap.Logger) *http.Server {
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	fmt.Printf("Metrics:         http://%s/metrics\n", address)
	return server
}

func logDeliveries(ctx context.Context, meshNode *node.Node, logger *zap.Logger) {
	deliveries := meshNode.Deliveries()
	for {
		select {
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			logger.Info("message delivered",
				zap.String("message_id", msg.ID),
				zap.String("from", msg.From),
				zap.Int("hops", len(msg.Route)),
				zap.Int("bytes", len(msg.Content)),
			)
		case <-ctx.Done():
			return
		}
	}
}

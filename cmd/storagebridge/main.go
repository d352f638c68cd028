// Command storagebridge serves the content-addressed storage API used by mesh nodes
// to externalize message bundles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meshbridge/cas"
	"meshbridge/config"
	"meshbridge/logging"
)

func main() {
	config.LoadEnvFiles(".env")

	defaultRoot := os.Getenv("MESHBRIDGE_CAS_ROOT")
	if defaultRoot == "" {
		if dataDir, err := config.ResolveDataDir(); err == nil {
			defaultRoot = filepath.Join(dataDir, "cas")
		}
	}

	var (
		address   string
		root      string
		maxUpload int64
		logLevel  string
		logFile   string
	)
	flag.StringVar(&address, "listen", envOr("MESHBRIDGE_CAS_LISTEN", "127.0.0.1:8787"), "storage API listen address")
	flag.StringVar(&root, "root", defaultRoot, "content store directory")
	flag.Int64Var(&maxUpload, "max-upload", cas.DefaultMaxUploadBytes, "maximum upload body size in bytes")
	flag.StringVar(&logLevel, "log-level", envOr("MESHBRIDGE_LOG_LEVEL", logging.DefaultLevel), "log level")
	flag.StringVar(&logFile, "log-file", os.Getenv("MESHBRIDGE_LOG_FILE"), "optional rotated log file")
	flag.Parse()

	if root == "" {
		log.Fatalf("startup failed: no content store directory")
	}

	logger, err := logging.New(logging.Config{Level: logLevel, FilePath: logFile})
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := cas.NewStore(root, logger)
	if err != nil {
		log.Fatalf("startup failed while opening content store: %v", err)
	}

	server := cas.NewServer(store, cas.ServerOptions{MaxUploadBytes: maxUpload, Logger: logger})
	if err := server.Listen(address); err != nil {
		log.Fatalf("startup failed while listening: %v", err)
	}
	fmt.Printf("Storage API:     http://%s\n", server.Addr())
	fmt.Printf("Content Store:   %s\n", store.Root())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("storage api shutdown error", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

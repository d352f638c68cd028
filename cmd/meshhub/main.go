// Command meshhub runs the TCP hub that stands in for a shared radio medium.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"meshbridge/config"
	"meshbridge/logging"
	"meshbridge/transport"
)

func main() {
	config.LoadEnvFiles(".env")

	var (
		address  string
		logLevel string
		logFile  string
	)
	flag.StringVar(&address, "listen", envOr("MESHBRIDGE_HUB_LISTEN", config.DefaultHubAddress), "hub listen address")
	flag.StringVar(&logLevel, "log-level", envOr("MESHBRIDGE_LOG_LEVEL", logging.DefaultLevel), "log level")
	flag.StringVar(&logFile, "log-file", os.Getenv("MESHBRIDGE_LOG_FILE"), "optional rotated log file")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: logLevel, FilePath: logFile})
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	hub, err := transport.ListenHub(address, transport.HubOptions{Logger: logger})
	if err != nil {
		log.Fatalf("startup failed while opening hub: %v", err)
	}
	fmt.Printf("Hub Address:     %s\n", hub.Addr())

	go func() {
		for err := range hub.Errors() {
			logger.Warn("hub error", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	if err := hub.Close(); err != nil {
		logger.Warn("hub close error", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Command history-server accepts "track played" events over HTTP (and
// optionally Kafka) and writes per-user history in batches.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rzpsarthak13/history-absorber/pkg/historyabsorber"
)

func main() {
	configPath := flag.String("config", os.Getenv("HISTORY_ABSORBER_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	config, err := historyabsorber.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	client, err := historyabsorber.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create history client: %v", err)
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	srv := &http.Server{
		Addr:         config.Server.Addr,
		Handler:      newRouter(client),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	log.Printf("Starting HTTP server on %s (store: %s, batch: %d records / %v)",
		config.Server.Addr, config.Store.Type, config.Batch.MaxBatchSize, config.Batch.MaxBatchAge)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down...", sig)

	stopCtx, cancel := context.WithTimeout(ctx, config.Shutdown.Timeout)

	// Close ingress before draining.
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	err = client.Stop(stopCtx)
	cancel()
	if err != nil {
		log.Printf("Shutdown finished with errors: %v", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}

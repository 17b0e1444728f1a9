package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/papyrix/papyrix/internal/app"
	"github.com/papyrix/papyrix/internal/config"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	cfg := config.LoadConfig()
	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer application.Close()

	log.Println("embedding index worker is running")
	if err := application.RunEmbeddingWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("embedding index worker stopped: %v", err)
	}
	log.Println("shutting down...")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"kiroproxy/internal/config"
	"kiroproxy/internal/httpapi"
)

func main() {
	// The launcher takes a single optional positional argument: the port.
	port := ""
	if len(os.Args) > 1 {
		if _, err := strconv.Atoi(os.Args[1]); err != nil {
			log.Fatalf("Invalid port %q", os.Args[1])
		}
		port = os.Args[1]
	}

	cfg, err := config.Load(port)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create router with all dependencies
	mux, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Background maintenance: token pre-refresh and health probing.
	deps.Scheduler.Start(context.Background())
	if deps.FlowWorker != nil {
		deps.FlowWorker.Start(context.Background())
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
		// No write timeout: streaming responses stay open for minutes.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Kiro proxy listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop the scheduler before the final snapshot so no tick mutates the
	// pool mid-write.
	deps.Scheduler.Stop()
	deps.Pool.Persist()

	if deps.FlowWorker != nil {
		_ = deps.FlowWorker.Stop()
	}
	if deps.FlowQueue != nil {
		_ = deps.FlowQueue.Close()
	}
	if deps.FlowRepo != nil {
		_ = deps.FlowRepo.Close()
	}
	deps.FlowLogger.Shutdown()

	log.Println("Server exited")
}

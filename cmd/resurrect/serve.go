package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/resurrect/internal/server"
)

var (
	serveListen string
	serveNoHTTP bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the restoration service",
		Long: `Run the orchestrator that drives approved requests through their restore
phases, together with the HTTP API for submitting, approving and following them.

Requests that were executing when the service last stopped are resumed. By
default, the API listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override, or --no-http to run only
the orchestrator.`,
		Example: `  resurrect serve
  resurrect serve --listen 127.0.0.1:9000
  resurrect serve --inventory projects.yaml --no-http`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port, default from config)")
	cmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "run the orchestrator without the HTTP API")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 2)

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := globalOrch.Run(ctx); err != nil {
			errChan <- fmt.Errorf("orchestrator: %w", err)
		}
	}()

	var srv *server.Server
	if !serveNoHTTP {
		srv = server.NewServer(globalOrch, globalStore, globalCfg, logger)
		go func() {
			log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir)
			fmt.Printf("Starting server on %s...\n", listen)
			if err := srv.Start(listen); err != nil {
				errChan <- err
			}
		}()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case runErr = <-errChan:
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	// Runners stop at their next step; persisted state lets the next start resume them.
	cancel()
	select {
	case <-orchDone:
	case <-shutdownCtx.Done():
		log.Warn("orchestrator did not stop before the shutdown deadline")
	}

	if runErr != nil {
		return runErr
	}
	fmt.Println("Stopped gracefully")
	return nil
}

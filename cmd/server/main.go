package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrylevesque/fleetsync/internal/api"
	"github.com/harrylevesque/fleetsync/internal/auth"
	"github.com/harrylevesque/fleetsync/internal/config"
	"github.com/harrylevesque/fleetsync/internal/hub"
	"github.com/harrylevesque/fleetsync/internal/store"
	"github.com/harrylevesque/fleetsync/internal/utils"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("fleetsync-server", pflag.ContinueOnError)
	configPath := flagSet.String("config", "config.json", "path to the JSON config file")
	listen := flagSet.String("listen", "", "listen address (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	logger, err := utils.NewLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Component("server")

	hash := cfg.AdminPasswordHash
	if hash == "" && cfg.AdminPassword != "" {
		if hash, err = auth.HashPassword(cfg.AdminPassword); err != nil {
			return fmt.Errorf("hash admin password: %w", err)
		}
	}
	if hash == "" {
		log.Warn().Msg("no admin password configured; admin login is disabled")
	}

	h := hub.New(logger.Logger)
	srv := api.NewServer(store.NewMemoryStore(), h, auth.New(hash, cfg.TokenTTL.Std()), logger.Logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server running")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"msgrelay/config"
	"msgrelay/relay"
	"msgrelay/server"
	"msgrelay/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "msgrelay",
		Short:         "Point-to-point message relay with offline queuing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file (default $MSGRELAY_CONFIG)")
	root.AddCommand(serveCmd(), ctlCmd())

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("msgrelay: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg, newLogger(cfg))
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("app", "msgrelay").Logger()
}

func serve(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backend, err := store.Open(ctx, cfg.Store, cfg.DSN())
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info().Str("store", cfg.Store).Msg("store opened")

	registry := server.NewRegistry()
	engine := relay.NewEngine(backend, backend, registry, logger)

	srvConfig := &server.ServerConfig{
		ListenAddr:   cfg.ListenAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	srv := server.New(engine, registry, srvConfig, logger)
	ws := server.NewWebsocketHandler(engine, registry, srvConfig, logger)

	reaper := relay.NewReaper(backend, cfg.SessionTimeout, cfg.ReapInterval, logger)
	reaperDone := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(reaperDone)
	}()

	httpSrv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     server.NewRouter(logger, ws, registry, backend),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	shutdownCh := make(chan string, 1)
	control := newControlSocket(cfg.ControlSocket, srv, shutdownCh, logger)
	go control.Run()
	defer control.Close()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	reason := "shutdown"
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case reason = <-shutdownCh:
		logger.Info().Str("reason", reason).Msg("shutdown requested")
	case err = <-errCh:
		logger.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	// Closes TCP and websocket connections alike; their handlers still run
	// Disconnect, so the store stays open until they have drained.
	srv.Shutdown(reason)
	if err := srv.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tcp connections did not drain")
	}
	if err := ws.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket connections did not drain")
	}

	stop()
	<-reaperDone
	logger.Info().Msg("relay stopped")
	return err
}

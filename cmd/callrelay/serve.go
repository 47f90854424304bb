package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/callwire/internal/config"
	"github.com/kuuji/callwire/internal/realtime"
	"github.com/kuuji/callwire/internal/rowstore"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadRelayConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := openGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening call record gateway: %w", err)
	}
	defer gw.Close()

	hub := realtime.NewHub(gw, globalLogger)
	defer hub.Close()

	api := &callAPI{
		gw:         gw,
		turnSecret: cfg.TURN.Secret,
		turnRealm:  cfg.TURN.Realm,
		log:        globalLogger.With("component", "callrelay-api"),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	api.register(mux)

	srv := &http.Server{
		Addr:    serveAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		globalLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			globalLogger.Error("server shutdown", "error", err)
		}
	}()

	globalLogger.Info("relay listening", "addr", serveAddr, "rowstore", rowstoreKind(cfg))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// loadRelayConfig loads the config file if --config was given, otherwise
// falls back to defaults (a DSN-less default runs against the in-memory
// gateway, useful for local smoke testing).
func loadRelayConfig() (*config.Config, error) {
	if globalConfigPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(globalConfigPath)
}

// openGateway opens a PostgresGateway when cfg carries a DSN, otherwise an
// in-memory gateway so callrelay can run standalone for demos.
func openGateway(ctx context.Context, cfg *config.Config) (rowstore.Gateway, error) {
	if cfg.RowStore.DSN == "" {
		globalLogger.Warn("no rowstore.dsn configured, running against an in-memory gateway")
		return rowstore.NewMemoryGateway(), nil
	}
	return rowstore.NewPostgresGateway(ctx, rowstore.PostgresConfig{
		DSN:    cfg.RowStore.DSN,
		Logger: globalLogger,
	})
}

func rowstoreKind(cfg *config.Config) string {
	if cfg.RowStore.DSN == "" {
		return "memory"
	}
	return "postgres"
}

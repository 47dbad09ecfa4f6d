package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ninaivalaigal/api/internal/app"
	"ninaivalaigal/api/internal/config"
	"ninaivalaigal/api/internal/logger"
	"ninaivalaigal/api/internal/store"
)

var (
	cfg config.Config
	log *logger.Logger

	serveHost   string
	servePort   int
	migrateDown int

	rootCmd = &cobra.Command{
		Use:           "ninaivalaigal",
		Short:         "Team memory service with secret redaction, review workflow and graph recall",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			redactor, err := loadRedactor(cfg)
			if err != nil {
				return err
			}
			log = logger.New("ninaivalaigal", cfg.Env, redactor)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "interface to bind; overrides API_ADDR")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on; overrides API_ADDR")
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "roll back this many migrations instead of applying")

	rootCmd.AddCommand(serveCmd, migrateCmd, scanCmd, rankCmd, exportCmd, teamCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
}

// exitError ends the process with code without printing anything more.
type exitError struct{ code int }

func (e exitError) Error() string { return "exit " + strconv.Itoa(e.code) }

func listenAddr() string {
	if serveHost == "" && servePort == 0 {
		return cfg.Addr
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host, port = "", "8000"
	}
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = strconv.Itoa(servePort)
	}
	return net.JoinHostPort(host, port)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if migrateDown > 0 {
		if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, migrateDown); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		log.Info("migrations rolled back", "steps", migrateDown)
		return nil
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info("migrations applied", "dir", cfg.MigrationsDir)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMigrate(cmd, nil); err != nil {
		return err
	}

	deps, err := wire(ctx, true)
	if err != nil {
		return err
	}
	defer deps.close()

	if err := deps.service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap failed, continuing", "error", err)
	}

	httpServer := app.NewHTTPServer(deps.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              listenAddr(),
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ninaivalaigal API listening", "addr", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("ninaivalaigal API stopped")
	return nil
}

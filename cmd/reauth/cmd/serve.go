package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SOG-web/reauth-sub000/internal/db/bunx"
	"github.com/SOG-web/reauth-sub000/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the auth server",
	Long:  `Starts the JWKS publication endpoint and the background cleanup scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		log.Printf("Connected to database")

		ctx := context.Background()
		svcs, err := buildServices(ctx, db)
		if err != nil {
			return err
		}

		// Ensure a signing key exists before accepting JWKS traffic.
		if svcs.JWKS != nil {
			key, err := svcs.JWKS.GetActiveKey(ctx)
			if err != nil {
				return fmt.Errorf("prepare signing key: %w", err)
			}
			log.Printf("Active signing key: %s", key.KeyID)
		}

		svcs.Scheduler.Start()
		defer svcs.Scheduler.Stop()
		log.Printf("Cleanup scheduler started")

		router := server.NewRouter(server.RouterOptions{JWKS: svcs.JWKS})
		httpServer := &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("Listening on %s", cfg.ServerAddr)
			errCh <- httpServer.ListenAndServe()
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		case sig := <-stop:
			log.Printf("Received %s, shutting down", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

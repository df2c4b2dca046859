package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/canvasbridge/bus"
	"github.com/petal-labs/canvasbridge/config"
	"github.com/petal-labs/canvasbridge/server"
	"github.com/petal-labs/canvasbridge/ui"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the template server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("listen", config.DefaultListen, "Listen address")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: in-memory stores)")
	cmd.Flags().String("redis-url", "", "Store templates in Redis at this redis:// URL")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("event-retention", 0, "Delete run events older than this (0 keeps all)")
	cmd.Flags().Bool("no-ui", false, "Do not serve the template browser")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	retention, _ := cmd.Flags().GetDuration("event-retention")
	noUI, _ := cmd.Flags().GetBool("no-ui")
	logger := newLogger(cmd)

	var (
		templates server.TemplateStore = server.NewMemoryStore()
		events    bus.EventStore       = bus.NewMemEventStore()
	)
	if settings.SQLitePath != "" {
		templateStore, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: settings.SQLitePath})
		if err != nil {
			return exitError(exitRuntime, "opening sqlite template store: %v", err)
		}
		defer func() {
			_ = templateStore.Close()
		}()
		eventStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:          settings.SQLitePath,
			RetentionAge: retention,
		})
		if err != nil {
			return exitError(exitRuntime, "opening sqlite event store: %v", err)
		}
		defer func() {
			_ = eventStore.Close()
		}()
		templates, events = templateStore, eventStore
	}
	if settings.RedisURL != "" {
		redisStore, err := server.NewRedisStore(cmd.Context(), server.RedisStoreConfig{URL: settings.RedisURL})
		if err != nil {
			return exitError(exitRuntime, "opening redis template store: %v", err)
		}
		defer func() {
			_ = redisStore.Close()
		}()
		templates = redisStore
	}

	shutdownTracing, err := setupTracing(cmd.Context(), settings.OTLPEndpoint)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer func() {
		_ = shutdownTracing(context.WithoutCancel(cmd.Context()))
	}()

	observers, err := executionObservers()
	if err != nil {
		return exitError(exitRuntime, "initializing observability: %v", err)
	}

	var assets fs.FS
	if !noUI {
		if assets, err = ui.DistFS(); err != nil {
			return exitError(exitRuntime, "loading ui assets: %v", err)
		}
	}

	eb := bus.NewMemBus(bus.MemBusConfig{})
	srv := server.NewServer(server.ServerConfig{
		Store:      templates,
		Bus:        eb,
		EventStore: events,
		RunEvents:  observers,
		UI:         assets,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              settings.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "canvasbridge server listening on %s\n", settings.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		// Notification streams never end on their own; close them first.
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

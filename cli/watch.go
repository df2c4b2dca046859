package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/canvasbridge/editor"
	"github.com/petal-labs/canvasbridge/reconcile"
	"github.com/petal-labs/canvasbridge/remote"
	"github.com/petal-labs/canvasbridge/watch"
)

// NewWatchCmd creates the "watch" subcommand.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a canvas in sync with a template on the server",
		Long: "watch loads a template from the server and reloads it every time the " +
			"server reports a change, until interrupted.",
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().String("server", "", "Template server base URL")
	cmd.Flags().StringP("template", "t", "", "Template name to watch")
	cmd.Flags().String("type-prefix", "", "Namespace prefix of node types")
	cmd.Flags().Duration("reconnect-delay", watch.DefaultReconnectDelay, "Wait between reconnect attempts")
	cmd.Flags().String("resync", "", "Cron expression for periodic reloads, such as \"@every 10m\"")
	cmd.Flags().String("format", "text", "Output format: json | text")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	logger := newLogger(cmd)

	client, err := remote.New(remote.Config{BaseURL: settings.ServerURL})
	if err != nil {
		return exitError(exitConfig, "%v", err)
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
	metrics, err := reconcileObserver()
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}

	out := cmd.OutOrStdout()
	session, err := editor.New(editor.Config{
		Source:         client,
		Executor:       client,
		Dialer:         client,
		Template:       settings.Template,
		TypePrefix:     settings.TypePrefix,
		ReconnectDelay: time.Duration(settings.ReconnectDelay),
		Resync:         settings.Resync,
		Handler:        observers,
		Observer: func(report reconcile.Report) {
			metrics(report)
			if err := printReport(out, report, nil, format); err != nil {
				logger.Warn("printing report failed", "error", err)
			}
		},
		OnWatchState: func(s watch.State) {
			logger.Info("watch state changed", "state", s)
		},
		Logger: logger,
	})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := session.Reload(ctx); err != nil {
		return exitError(exitRuntime, "initial load of %q failed: %v", settings.Template, err)
	}
	if err := session.SetAutoReload(true); err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching template %q on %s\n", settings.Template, settings.ServerURL)

	<-ctx.Done()
	fmt.Fprintln(cmd.ErrOrStderr(), "Stopping...")
	return nil
}

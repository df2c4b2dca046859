// Package cli implements the canvasbridge command tree.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/canvasbridge/config"
	"github.com/petal-labs/canvasbridge/execution"
	cbotel "github.com/petal-labs/canvasbridge/otel"
	"github.com/petal-labs/canvasbridge/reconcile"
)

const instrumentationName = "github.com/petal-labs/canvasbridge"

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "canvasbridge",
		Short: "Load, reconcile and execute node-graph blueprints",
		Long: "canvasbridge loads graph blueprints onto a canvas, restores their links, " +
			"executes them against a local or remote executor and hot-reloads templates.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("config", "", "Path to canvasbridge.yaml")
	root.PersistentFlags().String("otlp-endpoint", "", "Export traces over OTLP/HTTP to this URL")

	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewLoadCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewWatchCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// newLogger builds a text logger on stderr at the level chosen by
// --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return loggerFor(cmd.ErrOrStderr(), verbose, quiet)
}

func loggerFor(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadSettings resolves config file, .env and environment settings, then
// applies any flags the command defines and the user set.
func loadSettings(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "loading config: %v", err)
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("server", &cfg.ServerURL)
	str("template", &cfg.Template)
	str("type-prefix", &cfg.TypePrefix)
	str("resync", &cfg.Resync)
	str("sqlite-path", &cfg.SQLitePath)
	str("redis-url", &cfg.RedisURL)
	str("otlp-endpoint", &cfg.OTLPEndpoint)
	str("listen", &cfg.Listen)
	if f := flags.Lookup("reconnect-delay"); f != nil && f.Changed {
		d, _ := flags.GetDuration("reconnect-delay")
		cfg.ReconnectDelay = config.Duration(d)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, exitError(exitConfig, "invalid config: %v", err)
	}
	return cfg, nil
}

// executionObservers wires metrics and tracing for execution events to the
// global OpenTelemetry providers.
func executionObservers() (execution.EventHandler, error) {
	metrics, err := cbotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	tracing := cbotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer(instrumentationName))
	return execution.MultiEventHandler(metrics.Handle, tracing.Handle), nil
}

// reconcileObserver records reconciliation metrics on the global meter.
func reconcileObserver() (func(reconcile.Report), error) {
	m, err := cbotel.NewReconcileMetrics(otelapi.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return m.Observe, nil
}

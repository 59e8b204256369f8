package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/internal/pipeline"
	"github.com/ajitpratap0/crmsync/internal/server"
	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/json"
	"github.com/ajitpratap0/crmsync/pkg/logger"
	"github.com/ajitpratap0/crmsync/pkg/observability"
	"github.com/ajitpratap0/crmsync/pkg/query"

	// Register the local store drivers
	_ "github.com/ajitpratap0/crmsync/pkg/store/memory"
	_ "github.com/ajitpratap0/crmsync/pkg/store/mongo"
	_ "github.com/ajitpratap0/crmsync/pkg/store/mysql"
	_ "github.com/ajitpratap0/crmsync/pkg/store/postgres"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "crmsync",
		Short: "crmsync - incremental CRM to local object store sync",
		Long: `crmsync pulls records from Salesforce, maps them onto local object types
and upserts them into a local store, resolving relationships between the
synced objects. Runs are incremental from the last successful run.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "crmsync.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().String("store-driver", "", "Store driver override (memory, mongodb, postgres, mysql)")
	root.PersistentFlags().String("store-dsn", "", "Store connection string override")

	v.SetEnvPrefix("CRMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(
		newVersionCommand(),
		newValidateCommand(v),
		newRunCommand(v),
		newServeCommand(v),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "crmsync v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newValidateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print each mapping's query",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			printQueries(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printQueries(w io.Writer, cfg *config.BaseConfig) {
	for i := range cfg.Mappings {
		m := &cfg.Mappings[i]
		fmt.Fprintf(w, "%s (%s -> %s)\n  %s\n", m.Name, m.RemoteType, m.LocalType, query.Build(m, nil, cfg.Remote.MaxResults))
	}
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync and wait for it to finish",
		Long: `Run one sync in the foreground. The run is incremental from the last
successful run unless --resync is given.

Example:
  crmsync run --config crmsync.yaml --resync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log, shutdown, err := setupObservability(cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			result, runErr := a.orchestrator.Run(ctx, pipeline.RunOptions{Resync: v.GetBool("resync")})
			if result != nil {
				data, err := json.MarshalIndent(result, "", "  ")
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), string(data))
				}
			}
			return runErr
		},
	}
	cmd.Flags().Bool("resync", false, "Ignore the watermark and sync every record")
	_ = v.BindPFlag("resync", cmd.Flags().Lookup("resync"))
	return cmd
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync trigger and progress endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if v.IsSet("address") && v.GetString("address") != "" {
				cfg.Server.Address = v.GetString("address")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log, shutdown, err := setupObservability(cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			go server.NewScheduler(cfg.Sync.Interval, a.orchestrator, log).Run(ctx)

			srv := server.New(server.Config{
				Address:         cfg.Server.Address,
				BasePath:        cfg.Server.NormalizedBasePath(),
				EnableMetrics:   cfg.Observability.EnableMetrics,
				ServiceName:     cfg.Name,
				ShutdownTimeout: cfg.Timeouts.Shutdown,
			}, a.orchestrator, a.orchestrator.Jobs(), log)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().String("address", "", "Listen address override")
	_ = v.BindPFlag("address", cmd.Flags().Lookup("address"))
	return cmd
}

// loadConfig reads the configuration file, applies flag and CRMSYNC_*
// environment overrides and validates the result
func loadConfig(v *viper.Viper) (*config.BaseConfig, error) {
	cfg := config.NewBaseConfig("crmsync")
	if err := config.Load(v.GetString("config"), cfg); err != nil {
		return nil, err
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Observability.LogLevel = s
	}
	if s := v.GetString("store-driver"); s != "" {
		cfg.Store.Driver = s
	}
	if s := v.GetString("store-dsn"); s != "" {
		cfg.Store.DSN = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupObservability initialises the global logger and, when enabled,
// tracing. The returned func flushes both.
func setupObservability(cfg *config.BaseConfig) (*zap.Logger, func(), error) {
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, nil, err
	}
	log := logger.With(zap.String("instance", cfg.Name))

	shutdown := func() { _ = logger.Sync() }
	if !cfg.Observability.EnableTracing {
		return log, shutdown, nil
	}

	tc := observability.DefaultTracingConfig()
	tc.ServiceName = cfg.Name
	tc.ServiceVersion = version
	tc.SamplingRate = cfg.Observability.TracingSampleRate
	tc.Writer = os.Stderr
	if _, err := observability.InitTracing(tc); err != nil {
		return nil, nil, err
	}
	return log, func() {
		if err := observability.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}, nil
}

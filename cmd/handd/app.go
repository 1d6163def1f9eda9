package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/handd"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

const defaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HANDD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "handd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	viper.Reset()
	cmd := &cobra.Command{
		Use:           "handd",
		Short:         "handd hands out a fixed pool of slots under token-gated, heartbeat-renewed leases",
		SilenceErrors: true,
		Example: `
  # In-memory store seeded from a slots file
  HANDD_PASSWORD=s3cret handd --store mem:// --slots-file ./slots.yaml

  # MinIO (TLS on by default; append ?insecure=true for HTTP)
  HANDD_STORE='s3://localhost:9000/hands?insecure=true&path-style=true' \
    HANDD_S3_ACCESS_KEY_ID=minioadmin HANDD_S3_SECRET_ACCESS_KEY=minioadmin handd

  # AWS S3
  handd --store aws://my-bucket/hands --aws-region eu-north-1
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, baseLogger)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.handd/"+defaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	persistent.String("store", handd.DefaultStore, "slot store URL (mem://, docstore+mem://coll/key, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	persistent.String("password", "", "shared secret required by every client request")
	persistent.Duration("stale-after", handd.DefaultStaleAfter, "reclaim reserved slots without a heartbeat for this long")
	persistent.Bool("reclaim-orphans", false, "also reclaim reserved slots that carry no token")
	persistent.String("s3-access-key-id", "", "access key for s3:// stores (or HANDD_S3_ACCESS_KEY_ID)")
	persistent.String("s3-secret-access-key", "", "secret key for s3:// stores")
	persistent.String("s3-session-token", "", "session token for s3:// stores")
	persistent.String("aws-region", "", "AWS region for aws:// stores")
	persistent.String("azure-account", "", "Azure Storage account name override")
	persistent.String("azure-key", "", "Azure Storage account key (or HANDD_AZURE_ACCOUNT_KEY)")
	persistent.String("azure-endpoint", "", "Azure Blob service endpoint override")
	persistent.String("azure-sas-token", "", "Azure SAS token (alternative to account key)")

	flags := cmd.Flags()
	addServerFlags(flags)

	viper.SetEnvPrefix("HANDD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlags(persistent)
	bindFlags(flags)

	cmd.AddCommand(newServeCommand(baseLogger, flags))
	cmd.AddCommand(newSlotsCommand(baseLogger))
	cmd.AddCommand(newSweepCommand(baseLogger))
	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.String("listen", handd.DefaultListen, "listen address")
	flags.Duration("sweeper-interval", handd.DefaultSweeperInterval, "how often the sweeper looks for stale slots")
	flags.Bool("disable-sweeper", false, "do not run the background sweeper")
	flags.Bool("verify-claims", false, "re-read each claimed slot and move on when another reserver overwrote it")
	flags.String("slots-file", "", "YAML slot inventory applied at startup")
	flags.Bool("watch-slots-file", false, "re-apply the slot inventory when the file changes")
	flags.Bool("strict-auth-status", false, "answer bad_password with 401 instead of 400")
	flags.String("json-max", strings.ReplaceAll(humanize.IBytes(handd.DefaultJSONMaxBytes), " ", ""), "maximum request body size")
	flags.Int("http2-max-concurrent-streams", handd.DefaultHTTP2MaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.Duration("shutdown-timeout", handd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
}

func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

func newServeCommand(baseLogger pslog.Logger, serverFlags *pflag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the handd server (same as running handd without a subcommand)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, baseLogger)
		},
	}
	// Shares the root's server flags and therefore their viper bindings.
	cmd.Flags().AddFlagSet(serverFlags)
	return cmd
}

func runServer(cmd *cobra.Command, baseLogger pslog.Logger) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()
	logger, err := prepare(baseLogger)
	if err != nil {
		return err
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli.serve")
	cfg, err := bindConfig()
	if err != nil {
		return err
	}
	server, err := handd.NewServer(cfg, handd.WithLogger(logger))
	if err != nil {
		return err
	}
	cliLogger.Info("server.lifecycle.init", "pid", os.Getpid(), "store", cfg.Store)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("server.lifecycle.shutdown_failed", "error", err)
		}
	}()
	defer func() {
		_ = server.Close()
	}()
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// prepare loads the config file and applies --log-level.
func prepare(baseLogger pslog.Logger) (pslog.Logger, error) {
	logger := baseLogger
	configFile, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli.root").Info("cli.config.loaded", "path", configFile)
	}
	return logger, nil
}

func bindConfig() (handd.Config, error) {
	cfg := handd.Config{
		Listen:                    viper.GetString("listen"),
		Store:                     viper.GetString("store"),
		Password:                  viper.GetString("password"),
		StaleAfter:                viper.GetDuration("stale-after"),
		SweeperInterval:           viper.GetDuration("sweeper-interval"),
		DisableSweeper:            viper.GetBool("disable-sweeper"),
		ReclaimOrphans:            viper.GetBool("reclaim-orphans"),
		VerifyClaims:              viper.GetBool("verify-claims"),
		SlotsFile:                 viper.GetString("slots-file"),
		WatchSlotsFile:            viper.GetBool("watch-slots-file"),
		StrictAuthStatus:          viper.GetBool("strict-auth-status"),
		HTTP2MaxConcurrentStreams: viper.GetInt("http2-max-concurrent-streams"),
		ShutdownTimeout:           viper.GetDuration("shutdown-timeout"),
		MetricsListen:             viper.GetString("metrics-listen"),
		OTLPEndpoint:              viper.GetString("otlp-endpoint"),
		EnableProfilingMetrics:    viper.GetBool("enable-profiling-metrics"),
		S3AccessKeyID:             viper.GetString("s3-access-key-id"),
		S3SecretAccessKey:         viper.GetString("s3-secret-access-key"),
		S3SessionToken:            viper.GetString("s3-session-token"),
		AWSRegion:                 viper.GetString("aws-region"),
		AzureAccount:              viper.GetString("azure-account"),
		AzureAccountKey:           viper.GetString("azure-key"),
		AzureEndpoint:             viper.GetString("azure-endpoint"),
		AzureSASToken:             viper.GetString("azure-sas-token"),
	}
	if raw := strings.TrimSpace(viper.GetString("json-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	return cfg, nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := handd.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, defaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func formatAge(now time.Time, ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return humanize.RelTime(*ts, now, "ago", "from now")
}

func writeLine(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}

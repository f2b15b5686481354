package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rentalhub/rentbus-go/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath  string
	url         string
	serviceName string
	verbose     bool
	logFormat   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rentbus",
		Short: "Send, receive and serve rental marketplace messages",
		Long: `rentbus talks to the marketplace RabbitMQ broker using the shared {type, data} envelope.
It can send work, broadcast events, make synchronous requests, tail queues and run a
long-lived responder with metrics and health endpoints.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	pf.StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides RABBIT_MQ_URL)")
	pf.StringVar(&flags.serviceName, "service-name", "", "Service name used as AppId and connection name")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&flags.logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(
		newSendCommand(flags),
		newPublishCommand(flags),
		newRequestCommand(flags),
		newConsumeCommand(flags),
		newSubscribeCommand(flags),
		newServeCommand(flags),
		newVersionCommand(),
	)

	return rootCmd
}

// loadConfig layers defaults, the config file, the environment and the flags
func (f *globalFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.FromEnv(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("environment: %w", err)
	}
	if f.url != "" {
		cfg.Broker.URL = f.url
	}
	if f.serviceName != "" {
		cfg.ServiceName = f.serviceName
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (f *globalFlags) logger() (*slog.Logger, error) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch f.logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q, want text or json", f.logFormat)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rentbus %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	rentbus "github.com/rentalhub/rentbus-go"
	"github.com/rentalhub/rentbus-go/config"
	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/tracing"
	"github.com/rentalhub/rentbus-go/messaging"
	"github.com/rentalhub/rentbus-go/monitor"
)

const stopTimeout = 15 * time.Second

// echoReply is what the serve command answers on its echo queue
type echoReply struct {
	Service  string          `json:"service"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Received time.Time       `json:"received"`
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var echoQueue string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived client with metrics, health and an optional echo responder",
		Long: `serve keeps a connection open, exposes /metrics, /health, /ready and /live on the
metrics address and, with --echo-queue, answers every request on that queue with
the envelope it received.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			zl, err := newZapLogger(cfg.ServiceName, flags.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			app := fx.New(serveOptions(cfg, logger, zl, echoQueue)...)
			if err := app.Err(); err != nil {
				return err
			}

			ctx := cmd.Context()
			startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			logger.Info("serving", "service", cfg.ServiceName, "metrics", cfg.Metrics.Address)
			<-ctx.Done()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			return app.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&echoQueue, "echo-queue", "", "Answer synchronous requests on this queue")

	return cmd
}

// serveOptions assembles the fx graph for the serve command
func serveOptions(cfg config.Config, logger *slog.Logger, zl *zap.Logger, echoQueue string) []fx.Option {
	options := []fx.Option{
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: zl} }),
		fx.Supply(cfg, logger),
		rentbus.FXModule,
	}

	if cfg.Metrics.Enabled {
		options = append(options,
			fx.Provide(
				newCollector,
				func(c *monitor.PrometheusCollector) messaging.MetricsCollector { return c },
			),
			fx.Invoke(registerMonitor),
		)
	}
	if cfg.Tracing.Enabled {
		options = append(options, fx.Provide(newTracerProvider))
	}
	if echoQueue != "" {
		options = append(options, fx.Invoke(func(lc fx.Lifecycle, client *rentbus.Client) {
			registerEcho(lc, client, echoQueue)
		}))
	}
	return options
}

func newCollector(cfg config.Config) *monitor.PrometheusCollector {
	return monitor.NewPrometheusCollector(cfg.ServiceName, monitor.WithDefaultCollectors())
}

func newTracerProvider(lc fx.Lifecycle, cfg config.Config) (trace.TracerProvider, error) {
	tp, err := tracing.NewProvider(context.Background(), tracing.Config{
		ServiceName: cfg.ServiceName,
		AppEnv:      cfg.AppEnv,
		Export:      true,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: tp.Shutdown})
	return tp, nil
}

func registerMonitor(lc fx.Lifecycle, cfg config.Config, collector *monitor.PrometheusCollector, client *rentbus.Client, logger *slog.Logger) {
	srv := monitor.NewServer(cfg.Metrics.Address, collector, client.HealthRegistry(), monitor.WithServerLogger(logger))
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Shutdown,
	})
}

// registerEcho answers requests on queue once the client is connected. The
// subscription outlives the start context; client shutdown cancels it.
func registerEcho(lc fx.Lifecycle, client *rentbus.Client, queue string) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := client.ReceiveSyncMessage(context.WithoutCancel(ctx), queue, func(ctx context.Context, body []byte) (any, error) {
				env, err := contracts.ParseEnvelope(body)
				if err != nil {
					return nil, err
				}
				return echoReply{
					Service:  client.ServiceName(),
					Type:     env.Type,
					Data:     env.Data,
					Received: time.Now().UTC(),
				}, nil
			})
			return err
		},
	})
}

// newZapLogger builds the JSON logger used for fx lifecycle events
func newZapLogger(service string, verbose bool) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]interface{}{
			"pid":     os.Getpid(),
			"service": service,
		},
	}
	return cfg.Build()
}

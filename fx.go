// Copyright 2026 Rentbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rentbus

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/rentalhub/rentbus-go/config"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/messaging"
)

// FXModule provides a *Client built from config.Config and ties it to the
// application lifecycle.
//
//	app := fx.New(
//	    fx.Supply(cfg),
//	    rentbus.FXModule,
//	    fx.Invoke(registerHandlers),
//	)
var FXModule = fx.Module("rentbus",
	fx.Provide(NewClientWithDI),
	fx.Invoke(RegisterLifecycle),
)

// ClientParams groups the dependencies of NewClientWithDI
type ClientParams struct {
	fx.In

	Config         config.Config
	Logger         *slog.Logger               `optional:"true"`
	Metrics        messaging.MetricsCollector `optional:"true"`
	TracerProvider trace.TracerProvider       `optional:"true"`
}

// NewClientWithDI builds a client from injected dependencies
func NewClientWithDI(params ClientParams) (*Client, error) {
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	var options []ClientOption
	if params.Logger != nil {
		options = append(options, WithLogger(params.Logger))
	}
	if params.Metrics != nil {
		options = append(options, WithMetrics(params.Metrics))
	}
	if params.TracerProvider != nil {
		options = append(options, WithTracerProvider(params.TracerProvider))
	}
	return NewClientFromConfig(params.Config, options...), nil
}

// NewClientFromConfig builds a client from cfg. Options given here win over
// the values in cfg.
func NewClientFromConfig(cfg config.Config, options ...ClientOption) *Client {
	base := []ClientOption{
		WithServiceName(cfg.ServiceName),
		WithRequestTimeout(cfg.RPC.Timeout),
		WithErrorReplies(cfg.RPC.ErrorReplies),
		WithConnectionOptions(
			rabbitmq.WithHeartbeat(cfg.Broker.Heartbeat),
			rabbitmq.WithDialTimeout(cfg.Broker.DialTimeout),
			rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
			rabbitmq.WithMaxReconnectDelay(cfg.Broker.MaxReconnectDelay),
			rabbitmq.WithMaxRetries(cfg.Broker.MaxReconnectAttempts),
		),
		WithAckOptions(ackOptions(cfg.Work)...),
	}
	if cfg.Broker.ConnectionName != "" {
		base = append(base, WithConnectionOptions(rabbitmq.WithConnectionName(cfg.Broker.ConnectionName)))
	}
	return NewClient(cfg.Broker.URL, append(base, options...)...)
}

func ackOptions(work config.WorkConfig) []messaging.AckOption {
	options := []messaging.AckOption{messaging.WithDeadLetterSuffix(work.DeadLetterSuffix)}
	switch {
	case work.MaxRedeliveries < 0:
		options = append(options, messaging.WithUnboundedRedelivery())
	case work.RedeliveryDelay > 0:
		options = append(options, messaging.WithRedeliveryPolicy(reliability.NewFixedDelay(work.RedeliveryDelay, work.MaxRedeliveries)))
	default:
		options = append(options, messaging.WithMaxRedeliveries(work.MaxRedeliveries))
	}
	if work.Prefetch > 0 {
		options = append(options, messaging.WithPrefetch(work.Prefetch))
	}
	return options
}

// LifecycleParams groups the dependencies of RegisterLifecycle
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *Client
}

// RegisterLifecycle connects on start. On stop it drains subscriptions
// before closing the connection.
func RegisterLifecycle(params LifecycleParams) {
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return params.Client.Connect(ctx)
		},
		OnStop: func(ctx context.Context) error {
			shutdownErr := params.Client.Shutdown(ctx)
			return errors.Join(shutdownErr, params.Client.Close())
		},
	})
}

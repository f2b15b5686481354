package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvBrokerURL is the variable the services already read the broker URL from
const EnvBrokerURL = "RABBIT_MQ_URL"

// FromEnv overlays RABBIT_MQ_URL and RENTBUS_* environment variables onto
// cfg. Unset variables leave cfg untouched. Every malformed value is
// reported.
func FromEnv(cfg *Config) error {
	o := overlay{}

	o.str(EnvBrokerURL, &cfg.Broker.URL)
	o.str("RENTBUS_BROKER_URL", &cfg.Broker.URL)
	o.str("RENTBUS_SERVICE_NAME", &cfg.ServiceName)
	o.str("RENTBUS_APP_ENV", &cfg.AppEnv)

	o.str("RENTBUS_CONNECTION_NAME", &cfg.Broker.ConnectionName)
	o.duration("RENTBUS_HEARTBEAT", &cfg.Broker.Heartbeat)
	o.duration("RENTBUS_DIAL_TIMEOUT", &cfg.Broker.DialTimeout)
	o.duration("RENTBUS_RECONNECT_DELAY", &cfg.Broker.ReconnectDelay)
	o.duration("RENTBUS_MAX_RECONNECT_DELAY", &cfg.Broker.MaxReconnectDelay)
	o.integer("RENTBUS_MAX_RECONNECT_ATTEMPTS", &cfg.Broker.MaxReconnectAttempts)

	o.duration("RENTBUS_RPC_TIMEOUT", &cfg.RPC.Timeout)
	o.boolean("RENTBUS_RPC_ERROR_REPLIES", &cfg.RPC.ErrorReplies)

	o.integer("RENTBUS_MAX_REDELIVERIES", &cfg.Work.MaxRedeliveries)
	o.duration("RENTBUS_REDELIVERY_DELAY", &cfg.Work.RedeliveryDelay)
	o.str("RENTBUS_DEAD_LETTER_SUFFIX", &cfg.Work.DeadLetterSuffix)
	o.integer("RENTBUS_PREFETCH", &cfg.Work.Prefetch)

	o.boolean("RENTBUS_METRICS_ENABLED", &cfg.Metrics.Enabled)
	o.str("RENTBUS_METRICS_ADDRESS", &cfg.Metrics.Address)

	o.boolean("RENTBUS_TRACING_ENABLED", &cfg.Tracing.Enabled)
	o.str("RENTBUS_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	return errors.Join(o.errs...)
}

type overlay struct {
	errs []error
}

func (o *overlay) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (o *overlay) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (o *overlay) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (o *overlay) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

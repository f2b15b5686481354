package health

import (
	"context"
	"time"

	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
)

// BrokerChecker checks that the broker connection is up and can open a channel
type BrokerChecker struct {
	connManager *rabbitmq.ConnectionManager
}

// NewBrokerChecker creates a broker health checker
func NewBrokerChecker(connManager *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{connManager: connManager}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check never dials. A connection that has not been established yet is
// unhealthy.
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.connManager.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.connManager.OpenChannel(ctx)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "connected but cannot open a channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RegistryChecker reports the open channels of a channel registry
type RegistryChecker struct {
	registry *rabbitmq.ChannelRegistry
}

// NewRegistryChecker creates a channel registry health checker
func NewRegistryChecker(registry *rabbitmq.ChannelRegistry) *RegistryChecker {
	return &RegistryChecker{registry: registry}
}

func (c *RegistryChecker) Name() string {
	return "channel_registry"
}

func (c *RegistryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	names := c.registry.Names()

	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "channel registry is healthy",
		Timestamp: start,
		Duration:  time.Since(start),
		Details: map[string]any{
			"channels": len(names),
			"names":    names,
		},
	}
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)

	return result
}

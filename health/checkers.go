package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nbittich/v3/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueueDepthWarning is the ready message count above which a queue
// is reported degraded
const DefaultQueueDepthWarning = 10000

// BrokerChecker checks that the pool can hand out a working channel
type BrokerChecker struct {
	pool *rabbitmq.Pool
}

func NewBrokerChecker(pool *rabbitmq.Pool) *BrokerChecker {
	return &BrokerChecker{pool: pool}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	stats := c.pool.Stats()
	result.Details["broker"] = c.pool.URL()
	result.Details["pool_max_size"] = stats.MaxSize
	result.Details["pool_open"] = stats.Open
	result.Details["pool_in_use"] = stats.InUse

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to acquire a broker channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	lease.Release()

	result.Status = StatusHealthy
	result.Message = "broker is reachable"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueInspector looks up a queue on the broker
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that an application queue exists and is not backed up
type QueueChecker struct {
	queueName    string
	inspector    QueueInspector
	depthWarning int
}

// NewQueueChecker creates a checker for queueName. depthWarning <= 0 uses
// DefaultQueueDepthWarning.
func NewQueueChecker(queueName string, inspector QueueInspector, depthWarning int) *QueueChecker {
	if depthWarning <= 0 {
		depthWarning = DefaultQueueDepthWarning
	}
	return &QueueChecker{
		queueName:    queueName,
		inspector:    inspector,
		depthWarning: depthWarning,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	queue, err := c.inspector.InspectQueue(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queueName)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	switch {
	case queue.Messages > c.depthWarning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.queueName)
	case queue.Consumers == 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has no consumer", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is implemented by stores able to report their availability
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker checks a Pinger such as the document store
func NewPingChecker(name string, p Pinger) *ComponentChecker {
	return NewComponentChecker(name, func(ctx context.Context) (Status, string, map[string]any, error) {
		if err := p.Ping(ctx); err != nil {
			return StatusUnhealthy, fmt.Sprintf("%s unavailable", name), nil, err
		}
		return StatusHealthy, fmt.Sprintf("%s available", name), nil, nil
	})
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
	}
	result.Duration = time.Since(start)
	return result
}

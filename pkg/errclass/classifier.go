package errclass

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Action is a recommended recovery step. The pipeline or caller decides
// whether to act on it.
type Action string

const (
	ActionNone         Action = "none"
	ActionRetryTool    Action = "retry-tool"
	ActionReconnect    Action = "reconnect"
	ActionReloadConfig Action = "reload-config"
	ActionThrottle     Action = "throttle"
)

// ClassifierOptions tune the error-rate tracker.
type ClassifierOptions struct {
	// Window is the sliding interval over which the rate is computed.
	// Defaults to one minute, matching the errors/minute contract.
	Window time.Duration
	// Threshold is the normal errors-per-window rate. At 2x the threshold
	// a server is flagged for circuit-breaking.
	Threshold int
	// Meter supplies OpenTelemetry instruments. Defaults to a no-op meter.
	Meter metric.Meter
}

func (o *ClassifierOptions) withDefaults() ClassifierOptions {
	opts := ClassifierOptions{}
	if o != nil {
		opts = *o
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 10
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("errclass")
	}
	return opts
}

// Classifier tracks per-server error rates and recommends recovery actions.
type Classifier struct {
	opts ClassifierOptions

	mu      sync.Mutex
	history map[string][]time.Time
	now     func() time.Time

	connectionErrs metric.Int64Counter
	executionErrs  metric.Int64Counter
	healthErrs     metric.Int64Counter
	breakerTrips   metric.Int64Counter
}

// NewClassifier builds a Classifier with the given options.
func NewClassifier(opts *ClassifierOptions) (*Classifier, error) {
	o := opts.withDefaults()
	c := &Classifier{
		opts:    o,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
	var err error
	if c.connectionErrs, err = o.Meter.Int64Counter("mcpgate.errors.connection",
		metric.WithDescription("Connection and handshake failures")); err != nil {
		return nil, err
	}
	if c.executionErrs, err = o.Meter.Int64Counter("mcpgate.errors.execution",
		metric.WithDescription("Tool execution failures")); err != nil {
		return nil, err
	}
	if c.healthErrs, err = o.Meter.Int64Counter("mcpgate.errors.health",
		metric.WithDescription("Health check failures")); err != nil {
		return nil, err
	}
	if c.breakerTrips, err = o.Meter.Int64Counter("mcpgate.breaker.trips",
		metric.WithDescription("Servers flagged for circuit-breaking")); err != nil {
		return nil, err
	}
	return c, nil
}

// Record registers an error for the server and returns the recommended
// recovery action for the caller to consider.
func (c *Classifier) Record(server string, err error) Action {
	if err == nil {
		return ActionNone
	}
	attrs := metric.WithAttributes(attribute.String("server", server))
	ctx := context.Background()

	var action Action
	switch {
	case IsConnection(err):
		c.connectionErrs.Add(ctx, 1, attrs)
		action = ActionReconnect
	case IsToolExecution(err):
		c.executionErrs.Add(ctx, 1, attrs)
		action = ActionRetryTool
	default:
		var he *HealthCheckError
		if errors.As(err, &he) {
			c.healthErrs.Add(ctx, 1, attrs)
			action = ActionReconnect
		} else {
			// Anything outside the transport/execution taxonomy is most
			// likely stale configuration.
			action = ActionReloadConfig
		}
	}

	tripped := c.note(server)
	if tripped {
		c.breakerTrips.Add(ctx, 1, attrs)
		return ActionThrottle
	}
	return action
}

// Rate returns the server's error count within the sliding window.
func (c *Classifier) Rate(server string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pruneLocked(server))
}

// CircuitBroken reports whether the server's error rate exceeded twice the
// normal threshold, signalling reconnect attempts to back off harder.
func (c *Classifier) CircuitBroken(server string) bool {
	return c.Rate(server) > 2*c.opts.Threshold
}

// Reset clears the history for a server, typically after a successful
// reconnect.
func (c *Classifier) Reset(server string) {
	c.mu.Lock()
	delete(c.history, server)
	c.mu.Unlock()
}

func (c *Classifier) note(server string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	recent := append(c.pruneLocked(server), c.now())
	c.history[server] = recent
	return len(recent) > 2*c.opts.Threshold
}

func (c *Classifier) pruneLocked(server string) []time.Time {
	cutoff := c.now().Add(-c.opts.Window)
	recent := c.history[server][:0]
	for _, t := range c.history[server] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	c.history[server] = recent
	return recent
}

package client

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	"google.golang.org/grpc"

	"github.com/jordanhubbard/tripdesk/pkg/config"
)

// Client wraps the Temporal client with tripdesk-specific settings
type Client struct {
	temporal  client.Client
	config    *config.TemporalConfig
	namespace string
}

// New dials Temporal, retrying with exponential backoff up to
// cfg.ConnectAttempts times.
func New(ctx context.Context, cfg *config.TemporalConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 1
	}

	options := client.Options{
		HostPort:  cfg.Host,
		Namespace: cfg.Namespace,
		Logger:    &temporalLogger{},
		ConnectionOptions: client.ConnectionOptions{
			DialOptions: []grpc.DialOption{
				grpc.WithBlock(),
				grpc.FailOnNonTempDialError(false),
			},
		},
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 16 * time.Second

	c, err := backoff.Retry(ctx, func() (client.Client, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return client.DialContext(dialCtx, options)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[Temporal] Connection to %s failed: %v (retrying in %v)", cfg.Host, err, next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client after %d attempts: %w", attempts, err)
	}

	log.Printf("[Temporal] Connected to %s (namespace: %s)", cfg.Host, cfg.Namespace)
	return &Client{
		temporal:  c,
		config:    cfg,
		namespace: cfg.Namespace,
	}, nil
}

// Close closes the Temporal client connection
func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// GetClient returns the underlying Temporal client
func (c *Client) GetClient() client.Client {
	return c.temporal
}

// GetNamespace returns the configured namespace
func (c *Client) GetNamespace() string {
	return c.namespace
}

// GetTaskQueue returns the configured task queue
func (c *Client) GetTaskQueue() string {
	return c.config.TaskQueue
}

// ExecuteWorkflow starts a new workflow execution
func (c *Client) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	return c.temporal.ExecuteWorkflow(ctx, options, workflow, args...)
}

// SignalWorkflow sends a signal to a running workflow
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error {
	return c.temporal.SignalWorkflow(ctx, workflowID, runID, signalName, arg)
}

// QueryWorkflow sends a query to a running workflow
func (c *Client) QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error) {
	return c.temporal.QueryWorkflow(ctx, workflowID, runID, queryType, args...)
}

// temporalLogger implements Temporal's Logger interface
type temporalLogger struct{}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal DEBUG] %s %v", msg, keyvals)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal INFO] %s %v", msg, keyvals)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal WARN] %s %v", msg, keyvals)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal ERROR] %s %v", msg, keyvals)
}

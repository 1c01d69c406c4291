// Package callscorer provides a processor that scores calls requested over
// NATS JetStream and publishes each result to callscore.result.<call_id>.
package callscorer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/callscore/pipeline"
)

// publisher is the slice of jetstream.JetStream the component publishes with.
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// fetcher is the slice of jetstream.Consumer the consume loop pulls with.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// message is the slice of jetstream.Msg the component acknowledges with.
type message interface {
	Data() []byte
	Ack() error
	Term() error
	NakWithDelay(delay time.Duration) error
}

// Component implements the call-scorer processor.
type Component struct {
	config    Config
	js        jetstream.JetStream
	publisher publisher
	pool      *pipeline.Pool
	logger    *slog.Logger

	consumer fetcher
	slots    *semaphore.Weighted

	// Lifecycle
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Metrics
	requestsProcessed atomic.Int64
	callsCompleted    atomic.Int64
	callsFailed       atomic.Int64
}

// NewComponent creates a call-scorer.
func NewComponent(config Config, js jetstream.JetStream, pool *pipeline.Pool, logger *slog.Logger) (*Component, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		config:    config,
		js:        js,
		publisher: js,
		pool:      pool,
		slots:     semaphore.NewWeighted(int64(config.MaxInFlight)),
		logger:    logger,
	}, nil
}

// Start ensures the stream and consumer exist and begins consuming.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	c.running = true
	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	stream, err := c.js.CreateOrUpdateStream(subCtx, jetstream.StreamConfig{
		Name:     c.config.StreamName,
		Subjects: []string{c.config.RequestSubject, c.config.ResultPrefix + ">"},
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("ensure stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.RequestSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.config.AckWait,
		MaxDeliver:    c.config.MaxDeliver,
	})
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	c.wg.Add(1)
	go c.consumeLoop(subCtx)

	c.logger.Info("call-scorer started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.RequestSubject)
	return nil
}

// Stop cancels consumption and waits for in-flight calls to finish.
func (c *Component) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("call-scorer stopped",
		"processed", c.requestsProcessed.Load(),
		"completed", c.callsCompleted.Load(),
		"failed", c.callsFailed.Load())
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// consumeLoop fetches as many requests as there are free in-flight slots and
// scores each one in its own goroutine. A slot is returned when its request
// is acknowledged, so a slow call holds up only itself.
func (c *Component) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		n, err := c.reserve(ctx)
		if err != nil {
			return
		}

		msgs, err := c.consumer.Fetch(n, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			c.slots.Release(int64(n))
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		received := 0
		for msg := range msgs.Messages() {
			received++
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.slots.Release(1)
				c.handleMessage(ctx, msg)
			}()
		}
		c.slots.Release(int64(n - received))

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// reserve waits for one free slot, then takes any others that are free, up
// to BatchSize.
func (c *Component) reserve(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	n := 1
	for n < c.config.BatchSize && c.slots.TryAcquire(1) {
		n++
	}
	return n, nil
}

// handleMessage scores one request. Undecodable requests are terminated,
// retryable failures redelivered after RetryDelay, everything else acked.
func (c *Component) handleMessage(ctx context.Context, msg message) {
	c.requestsProcessed.Add(1)

	var req pipeline.Request
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.logger.Error("Failed to parse score request", "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	}

	res := <-c.pool.Submit(ctx, req)
	job := res.Job

	if err := c.publishResult(ctx, res); err != nil {
		c.logger.Error("Failed to publish result", "call_id", req.CallID, "error", err)
		if err := msg.NakWithDelay(c.config.RetryDelay); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if job.State == pipeline.StateCompleted {
		c.callsCompleted.Add(1)
	} else {
		c.callsFailed.Add(1)
	}

	if job.State != pipeline.StateCompleted && job.Retryable && ctx.Err() == nil {
		c.logger.Warn("Call scoring failed, will retry",
			"call_id", job.CallID,
			"state", job.State,
			"error", job.Error)
		if err := msg.NakWithDelay(c.config.RetryDelay); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

func (c *Component) publishResult(ctx context.Context, res *pipeline.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	subject := ResultSubject(c.config.ResultPrefix, res.Job.CallID)
	if _, err := c.publisher.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// ResultSubject returns the subject a call's result is published on. Call
// IDs are reduced to a single subject token.
func ResultSubject(prefix, callID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, callID)
	if token == "" {
		token = "_"
	}
	return prefix + token
}

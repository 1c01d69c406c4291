package callscorer

import (
	"fmt"
	"time"
)

// Config holds configuration for the call-scorer processor.
type Config struct {
	// StreamName is the JetStream stream carrying score requests and results.
	StreamName string `json:"stream_name" yaml:"stream_name"`

	// ConsumerName is the durable consumer name for request consumption.
	ConsumerName string `json:"consumer_name" yaml:"consumer_name"`

	// RequestSubject is the subject pattern for score requests.
	RequestSubject string `json:"request_subject" yaml:"request_subject"`

	// ResultPrefix is prepended to the call ID to form the result subject.
	ResultPrefix string `json:"result_prefix" yaml:"result_prefix"`

	// BatchSize caps how many requests a single fetch pulls.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxInFlight caps requests fetched but not yet acknowledged. A fetch
	// only asks for as many requests as there are free slots.
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight"`

	// AckWait must exceed the pipeline's outer budget.
	AckWait time.Duration `json:"ack_wait" yaml:"ack_wait"`

	// MaxDeliver caps redeliveries of retryable failures.
	MaxDeliver int `json:"max_deliver" yaml:"max_deliver"`

	// RetryDelay is how long a retryable failure waits before redelivery.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:     "CALLSCORE",
		ConsumerName:   "call-scorer",
		RequestSubject: "callscore.request.>",
		ResultPrefix:   "callscore.result.",
		BatchSize:      4,
		MaxInFlight:    8,
		AckWait:        3 * time.Minute,
		MaxDeliver:     3,
		RetryDelay:     30 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.RequestSubject == "" {
		return fmt.Errorf("request_subject is required")
	}
	if c.ResultPrefix == "" {
		return fmt.Errorf("result_prefix is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1")
	}
	return nil
}

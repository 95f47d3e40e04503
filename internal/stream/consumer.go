package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one admitted event end to end.
type Handler func(ctx context.Context, e Event) error

// Config holds the consumer's connection settings.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Channels []string // allow-list; empty admits every channel
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("broker address cannot be empty")
		}
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.GroupID == "" {
		c.GroupID = "understory"
	}
	return nil
}

// Consumer reads the stream topic and fires one goroutine per admitted
// message. Commits happen after handling, so failed handlers surface in the
// logs rather than wedging the partition behind a poison message.
type Consumer struct {
	reader  *kafka.Reader
	gate    *Gate
	handler Handler
	log     *zap.Logger
}

func NewConsumer(config Config, handler Handler, log *zap.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  config.Brokers,
		GroupID:  config.GroupID,
		Topic:    config.Topic,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader:  reader,
		gate:    NewGate(config.Channels),
		handler: handler,
		log:     log,
	}, nil
}

// Run blocks fetching messages until the context ends. Fetch errors are
// logged and the loop continues.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("fetching message", zap.Error(err))
			continue
		}
		go c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ev, err := Decode(msg.Value)
	switch {
	case err != nil:
		c.log.Warn("dropping undecodable message",
			zap.Int64("offset", msg.Offset), zap.Error(err))
	default:
		admitted, reason := c.gate.Admit(ev)
		if !admitted {
			c.log.Debug("skipping message",
				zap.String("channel", ev.Channel), zap.String("reason", reason))
			break
		}
		if err := c.handler(ctx, ev); err != nil {
			c.log.Error("message handler failed",
				zap.String("channel", ev.Channel), zap.Error(err))
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.log.Error("committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

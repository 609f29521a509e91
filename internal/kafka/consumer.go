package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jmehdipour/dispatch-batch/internal/config"
)

// Consumer reads the batch-created topic fed by the outbox connector.
type Consumer struct {
	r *kafka.Reader
}

type Message = kafka.Message

// NewConsumer builds a group reader. Zero values fall back to small
// fetches and a one second commit interval; the topic is low volume.
func NewConsumer(cfg config.KafkaConfig) *Consumer {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	commit := time.Duration(cfg.CommitInterval) * time.Millisecond
	if commit <= 0 {
		commit = time.Second
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "dispatch-trigger"
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        groupID,
		Topic:          cfg.Topic,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		CommitInterval: commit,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{r: r}
}

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }

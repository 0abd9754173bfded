// Package publish streams serialized results to Kafka so downstream
// consumers can watch a dispatch as it lands.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/result"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string `yaml:"brokers" json:"brokers"`
	Topic   string `yaml:"topic" json:"topic"`
}

type Publisher struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
}

func New(cfg Config, logger lg.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
		lg:    logger,
	}
}

// Publish writes one message per result, keyed by the dispatch run ID so a
// run's results stay in one partition. The set is serialized through the
// canonical safe form first.
func (p *Publisher) Publish(ctx context.Context, runID uuid.UUID, set *result.Set) error {
	data, err := set.ToData()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	messages := make([]kafka.Message, 0, len(data))
	for _, d := range data {
		value, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("publish: marshal result for %v: %w", d["target"], err)
		}
		messages = append(messages, kafka.Message{
			Key:   runID[:],
			Value: value,
			Time:  time.Now(),
		})
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.lg.Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return fmt.Errorf("publish: %w", err)
	}
	p.lg.Info("published results", lg.Int("count", len(messages)), lg.String("run", runID.String()))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Package kafka forwards ledger balance changes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/vadiminshakov/orbital/internal/domain"
	"go.uber.org/zap"
)

const DefaultTopic = "balance_changes"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	l      *zap.Logger
}

func NewPublisher(brokers []string, topic string, l *zap.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}

	return newPublisher(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}, l)
}

func newPublisher(w messageWriter, l *zap.Logger) *Publisher {
	return &Publisher{writer: w, l: l.Named("kafka")}
}

// Publish writes one change keyed by actor, so changes of an actor stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, change domain.BalanceChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return errors.Wrap(err, "marshal balance change")
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.Actor),
		Value: data,
	})

	return errors.Wrap(err, "write balance change")
}

// Forward publishes every change received on changes until ctx is done or the channel closes.
// Write failures are logged and the change is skipped.
func (p *Publisher) Forward(ctx context.Context, changes <-chan domain.BalanceChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, change); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.l.Error("failed to publish balance change",
					zap.String("actor", change.Actor),
					zap.String("kind", string(change.Kind)),
					zap.Error(err))
			}
		}
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

package events

import (
	"context"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/circuit_breaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Publisher interface {
	Publish(ctx context.Context, event model.LoanEvent) error
}

type kafkaPublisher struct {
	producer sarama.SyncProducer
	cb       circuit_breaker.CircuitBreaker
	topic    string
	log      *zap.Logger
}

// NewPublisher sends loan events to topic keyed by book id, so events of one book
// keep their commit order within a partition.
func NewPublisher(producer sarama.SyncProducer, cb circuit_breaker.CircuitBreaker, topic string, log *zap.Logger) Publisher {
	return &kafkaPublisher{
		producer: producer,
		cb:       cb,
		topic:    topic,
		log:      log.Named("publisher"),
	}
}

func (p *kafkaPublisher) Publish(_ context.Context, event model.LoanEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal loan event")
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.BookID),
		Value: sarama.ByteEncoder(data),
	}
	err = p.cb.Call(func() error {
		partition, offset, err := p.producer.SendMessage(msg)
		if err != nil {
			return err
		}
		p.log.Debug("loan event sent",
			zap.String("type", string(event.Type)), zap.String("loan", event.LoanID),
			zap.Int32("partition", partition), zap.Int64("offset", offset))
		return nil
	})
	return errors.Wrapf(err, "publish %s", event.Type)
}

type nopPublisher struct{}

// NewNopPublisher is used when no broker is configured.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, model.LoanEvent) error {
	return nil
}

package handler

import (
	"context"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/errs"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/kafka"
)

// Consumer mirrors the user directory and the catalog from their topics.
type Consumer struct {
	svc SyncService
	log *zap.Logger
}

func NewConsumer(svc SyncService, log *zap.Logger) *Consumer {
	return &Consumer{
		svc: svc,
		log: log.Named("consumer"),
	}
}

func (consumer *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (consumer *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (consumer *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				consumer.log.Warn("message channel was closed")
				return nil
			}
			err := consumer.handle(session.Context(), message)
			switch {
			case err == nil:
				consumer.log.Debug("message claimed", zap.String("topic", message.Topic), zap.Int64("offset", message.Offset), zap.Time("timestamp", message.Timestamp))
			case errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrConflict):
				// retrying cannot help, skip the message
				consumer.log.Error("message rejected", zap.String("topic", message.Topic), zap.Int64("offset", message.Offset), zap.Error(err))
			default:
				consumer.log.Error("handle message", zap.String("topic", message.Topic), zap.Int64("offset", message.Offset), zap.Error(err))
				continue
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (consumer *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	switch message.Topic {
	case kafka.UserTopic:
		var ev model.UserEvent
		if err := jsoniter.Unmarshal(message.Value, &ev); err != nil {
			return errs.Validation("decode user event: " + err.Error())
		}
		return consumer.svc.SyncUser(ctx, ev.User)
	case kafka.BookTopic:
		var ev model.BookEvent
		if err := jsoniter.Unmarshal(message.Value, &ev); err != nil {
			return errs.Validation("decode book event: " + err.Error())
		}
		return consumer.svc.SyncBook(ctx, ev.Book)
	default:
		return errs.Validation("unexpected topic " + message.Topic)
	}
}

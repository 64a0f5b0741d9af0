package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Astemirdum/library-circulation/circulation/internal/events"
	"github.com/Astemirdum/library-circulation/circulation/internal/model"
	"github.com/Astemirdum/library-circulation/pkg/circuit_breaker"
)

func testEvent() model.LoanEvent {
	at := time.Date(2024, time.May, 10, 12, 0, 0, 0, time.UTC)
	return model.NewLoanEvent(model.EventLoanIssued, model.Loan{
		ID:        "loan-1",
		BookID:    "book-1",
		UserID:    "user-1",
		IssueDate: at,
		DueDate:   at.AddDate(0, 0, 14),
		Status:    model.StatusIssued,
	}, at)
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, "circulation.loans", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		require.Equal(t, "book-1", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var got model.LoanEvent
		require.NoError(t, jsoniter.Unmarshal(value, &got))
		require.Equal(t, model.EventLoanIssued, got.Type)
		require.Equal(t, "loan-1", got.LoanID)
		return nil
	})

	p := events.NewPublisher(producer, circuit_breaker.New(10, time.Second, 0.5, 1), "circulation.loans", zap.NewNop())
	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.NoError(t, producer.Close())
}

func TestPublisher_BreakerOpens(t *testing.T) {
	t.Parallel()
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	boom := errors.New("broker down")
	producer.ExpectSendMessageAndFail(boom)
	producer.ExpectSendMessageAndFail(boom)

	cb := circuit_breaker.New(4, time.Hour, 0.5, 1)
	p := events.NewPublisher(producer, cb, "circulation.loans", zap.NewNop())

	require.ErrorIs(t, p.Publish(context.Background(), testEvent()), boom)
	require.ErrorIs(t, p.Publish(context.Background(), testEvent()), boom)
	require.Equal(t, circuit_breaker.Open, cb.State())
	// rejected without reaching the producer
	require.ErrorIs(t, p.Publish(context.Background(), testEvent()), circuit_breaker.ErrOpenCB)
	require.NoError(t, producer.Close())
}

func TestNopPublisher(t *testing.T) {
	t.Parallel()
	require.NoError(t, events.NewNopPublisher().Publish(context.Background(), testEvent()))
}

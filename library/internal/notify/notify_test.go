package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/notify"
	"github.com/Astemirdum/library-ledger/pkg/circuit_breaker"
	"github.com/Astemirdum/library-ledger/pkg/kafka"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func notification() model.Notification {
	loanID := int64(11)
	return model.Notification{
		ID:        3,
		PatronID:  7,
		LoanID:    &loanID,
		Kind:      model.NotificationFine,
		Message:   "You have a fine of 100",
		CreatedAt: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev kafka.NotificationEvent
		if err := kafka.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.NotificationID != 3 || ev.PatronID != 7 || ev.Kind != "fine" || ev.LoanID == nil || *ev.LoanID != 11 {
			return errors.Errorf("unexpected event %+v", ev)
		}
		if ev.EventID == "" {
			return errors.New("empty event id")
		}
		return nil
	})

	p := notify.NewKafkaPublisher(sp, kafka.NotificationTopic)
	require.NoError(t, p.Publish(context.Background(), notification()))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_BreakerOpens(t *testing.T) {
	t.Parallel()
	sp := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 10; i++ {
		sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	p := notify.NewKafkaPublisher(sp, kafka.NotificationTopic)
	for i := 0; i < 10; i++ {
		require.ErrorIs(t, p.Publish(context.Background(), notification()), sarama.ErrOutOfBrokers)
	}
	require.ErrorIs(t, p.Publish(context.Background(), notification()), circuit_breaker.ErrOpenCB)
	require.NoError(t, p.Close())
}

type fakeQueue struct {
	id   string
	body []byte
	err  error
}

func (q *fakeQueue) Publish(_ context.Context, id string, body []byte) error {
	q.id, q.body = id, body
	return q.err
}

func TestAMQPPublisher_Publish(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	p := notify.NewAMQPPublisher(q)
	require.NoError(t, p.Publish(context.Background(), notification()))

	var ev kafka.NotificationEvent
	require.NoError(t, kafka.Unmarshal(q.body, &ev))
	require.Equal(t, q.id, ev.EventID)
	require.Equal(t, "You have a fine of 100", ev.Message)

	q.err = errors.New("channel closed")
	require.Error(t, p.Publish(context.Background(), notification()))
}

func TestLogPublisher_Publish(t *testing.T) {
	t.Parallel()
	require.NoError(t, notify.NewLogPublisher(zap.NewNop()).Publish(context.Background(), notification()))
}

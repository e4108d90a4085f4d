package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/handler"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/IBM/sarama"
	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	service_mocks "github.com/Astemirdum/library-ledger/library/internal/handler/mocks"
)

type session struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *session) Context() context.Context { return s.ctx }

func (s *session) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type claim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c claim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newConsumer(t *testing.T) (*handler.RestockConsumer, *service_mocks.MockLedgerService, *session) {
	t.Helper()
	c := gomock.NewController(t)
	svc := service_mocks.NewMockLedgerService(c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return handler.NewRestockConsumer(svc, zap.NewNop()), svc, &session{ctx: ctx}
}

func feed(msgs ...*sarama.ConsumerMessage) claim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return claim{messages: ch}
}

func TestRestockConsumer(t *testing.T) {
	t.Parallel()
	consumer, svc, sess := newConsumer(t)

	gomock.InOrder(
		svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "evt-1", int64(3), 2).Return(model.Title{ID: 3, TotalCopies: 4}, true, nil),
		svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "restock/0/3", int64(99), 1).Return(model.Title{}, false, errs.ErrNotFound),
		svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "evt-1", int64(3), 2).Return(model.Title{ID: 3, TotalCopies: 4}, false, nil),
	)

	require.NoError(t, consumer.Setup(sess))
	require.NoError(t, consumer.Setup(sess))
	select {
	case <-consumer.Ready():
	default:
		t.Fatal("consumer is not ready after setup")
	}

	err := consumer.ConsumeClaim(sess, feed(
		&sarama.ConsumerMessage{Topic: "restock", Offset: 1, Value: []byte(`{"eventId":"evt-1","titleId":3,"delta":2}`)},
		&sarama.ConsumerMessage{Topic: "restock", Offset: 2, Value: []byte(`not json`)},
		&sarama.ConsumerMessage{Topic: "restock", Offset: 3, Value: []byte(`{"titleId":99,"delta":1}`)},
		&sarama.ConsumerMessage{Topic: "restock", Offset: 4, Value: []byte(`{"eventId":"evt-1","titleId":3,"delta":2}`)},
	))
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, sess.marked)
}

func TestRestockConsumer_TransientFailure(t *testing.T) {
	t.Parallel()

	t.Run("stops before later offsets", func(t *testing.T) {
		t.Parallel()
		consumer, svc, sess := newConsumer(t)
		svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "evt-10", int64(3), -1).
			Return(model.Title{}, false, errors.New("connection reset")).Times(3)

		err := consumer.ConsumeClaim(sess, feed(
			&sarama.ConsumerMessage{Topic: "restock", Offset: 10, Value: []byte(`{"eventId":"evt-10","titleId":3,"delta":-1}`)},
			&sarama.ConsumerMessage{Topic: "restock", Offset: 11, Value: []byte(`{"eventId":"evt-11","titleId":3,"delta":1}`)},
		))
		require.Error(t, err)
		require.Contains(t, err.Error(), "connection reset")
		require.Empty(t, sess.marked, "offset 11 must not be committed past the failed 10")
	})

	t.Run("recovers in place", func(t *testing.T) {
		t.Parallel()
		consumer, svc, sess := newConsumer(t)
		gomock.InOrder(
			svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "evt-10", int64(3), -1).
				Return(model.Title{}, false, errors.New("connection reset")),
			svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "evt-10", int64(3), -1).
				Return(model.Title{ID: 3, TotalCopies: 1}, true, nil),
			svc.EXPECT().RestockEvent(gomock.Any(), model.SystemActor, "evt-11", int64(3), 1).
				Return(model.Title{ID: 3, TotalCopies: 2}, true, nil),
		)

		err := consumer.ConsumeClaim(sess, feed(
			&sarama.ConsumerMessage{Topic: "restock", Offset: 10, Value: []byte(`{"eventId":"evt-10","titleId":3,"delta":-1}`)},
			&sarama.ConsumerMessage{Topic: "restock", Offset: 11, Value: []byte(`{"eventId":"evt-11","titleId":3,"delta":1}`)},
		))
		require.NoError(t, err)
		require.Equal(t, []int64{10, 11}, sess.marked)
	})
}

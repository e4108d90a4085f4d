package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/errs"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/pkg/kafka"
	"github.com/Astemirdum/library-ledger/pkg/retry"
	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type restocker interface {
	RestockEvent(ctx context.Context, actor model.Actor, eventID string, titleID int64, delta int) (model.Title, bool, error)
}

const (
	handleAttempts = 3
	handleBackoff  = 50 * time.Millisecond
)

// RestockConsumer applies acquisition events from kafka as system restocks.
type RestockConsumer struct {
	svc   restocker
	log   *zap.Logger
	once  sync.Once
	ready chan struct{}
}

var _ kafka.ReadyHandler = (*RestockConsumer)(nil)

func NewRestockConsumer(svc restocker, log *zap.Logger) *RestockConsumer {
	return &RestockConsumer{
		svc:   svc,
		log:   log.Named("consumer"),
		ready: make(chan struct{}),
	}
}

func (consumer *RestockConsumer) Ready() <-chan struct{} { return consumer.ready }

// Setup runs on every rebalance; only the first one marks the consumer ready.
func (consumer *RestockConsumer) Setup(sarama.ConsumerGroupSession) error {
	consumer.once.Do(func() { close(consumer.ready) })
	return nil
}

func (consumer *RestockConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (consumer *RestockConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				consumer.log.Warn("message channel was closed")
				return nil
			}
			err := retry.Do(session.Context(), func(ctx context.Context) error {
				return consumer.handle(ctx, message)
			}, retry.WithMaxAttempts(handleAttempts), retry.WithBaseDelay(handleBackoff))
			if err != nil {
				if session.Context().Err() != nil {
					return nil
				}
				// commits are cumulative: marking anything past this offset would skip it.
				// Ending the claim makes the group rejoin from the last marked offset.
				consumer.log.Error("restock", zap.Error(err), zap.Int64("offset", message.Offset))
				return errors.Wrapf(err, "restock %s/%d offset %d", message.Topic, message.Partition, message.Offset)
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handle reports only errors worth redelivering; malformed or rejected events are dropped.
func (consumer *RestockConsumer) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var ev kafka.RestockEvent
	if err := kafka.Unmarshal(message.Value, &ev); err != nil {
		consumer.log.Error("bad restock event", zap.Error(err), zap.ByteString("value", message.Value))
		return nil
	}
	if ev.EventID == "" {
		ev.EventID = fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
	}
	title, applied, err := consumer.svc.RestockEvent(ctx, model.SystemActor, ev.EventID, ev.TitleID, ev.Delta)
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrInvalidCopies):
		consumer.log.Warn("restock rejected", zap.Int64("title_id", ev.TitleID), zap.Int("delta", ev.Delta), zap.Error(err))
		return nil
	case err != nil:
		return err
	}
	if !applied {
		consumer.log.Info("restock event replayed", zap.String("event_id", ev.EventID))
		return nil
	}
	consumer.log.Debug("restocked",
		zap.String("event_id", ev.EventID),
		zap.Int64("title_id", title.ID),
		zap.Int("total_copies", title.TotalCopies),
		zap.String("topic", message.Topic))
	return nil
}

package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	NotificationTopic = "library.notifications"
	RestockTopic      = "library.restock"

	LibraryConsumerGroup = "library"
)

type Config struct {
	Addrs []string `envconfig:"KAFKA_ADDRS" default:"localhost:9092"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationEvent is published once a notification row is committed.
type NotificationEvent struct {
	EventID        string    `json:"eventId"`
	NotificationID int64     `json:"notificationId"`
	PatronID       int64     `json:"patronId"`
	LoanID         *int64    `json:"loanId,omitempty"`
	ReservationID  *int64    `json:"reservationId,omitempty"`
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RestockEvent is produced by acquisitions when copies of a title arrive or are written off.
// EventID is applied at most once; events without one are keyed by their partition offset.
type RestockEvent struct {
	EventID string `json:"eventId,omitempty"`
	TitleID int64  `json:"titleId"`
	Delta   int    `json:"delta"`
}

func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func NewProducer(cfg Config) (sarama.SyncProducer, error) {
	defaultCfg := sarama.NewConfig()

	defaultCfg.Producer.RequiredAcks = sarama.WaitForAll
	defaultCfg.Producer.Return.Successes = true
	defaultCfg.Producer.Retry.Max = 3

	return sarama.NewSyncProducer(cfg.Addrs, defaultCfg)
}

func NewConsumer(cfg Config, group string) (sarama.ConsumerGroup, error) {
	defaultCfg := sarama.NewConfig()

	defaultCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	defaultCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	return sarama.NewConsumerGroup(cfg.Addrs, group, defaultCfg)
}

// ReadyHandler is a consumer group handler that reports when its first session is set up.
type ReadyHandler interface {
	sarama.ConsumerGroupHandler
	Ready() <-chan struct{}
}

// Consume joins the group and keeps consuming topics across rebalances until ctx is done.
func Consume(ctx context.Context, group sarama.ConsumerGroup, handler ReadyHandler, log *zap.Logger, topics ...string) error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			if err := group.Consume(ctx, topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				errCh <- err
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-handler.Ready():
		log.Info("kafka consumer up", zap.Strings("topics", topics))
	case err := <-errCh:
		return errors.Wrap(err, "kafka consume")
	case <-ctx.Done():
	}

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return errors.Wrap(err, "kafka consume")
		}
	case <-ctx.Done():
	}
	return group.Close()
}

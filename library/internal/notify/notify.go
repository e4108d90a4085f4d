package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/pkg/circuit_breaker"
	"github.com/Astemirdum/library-ledger/pkg/kafka"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, n model.Notification) error
}

func event(n model.Notification) kafka.NotificationEvent {
	return kafka.NotificationEvent{
		EventID:        uuid.NewString(),
		NotificationID: n.ID,
		PatronID:       n.PatronID,
		LoanID:         n.LoanID,
		ReservationID:  n.ReservationID,
		Kind:           string(n.Kind),
		Message:        n.Message,
		CreatedAt:      n.CreatedAt,
	}
}

// LogPublisher only records the notification; patrons read it from their inbox.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("notify")}
}

func (p *LogPublisher) Publish(_ context.Context, n model.Notification) error {
	p.log.Info("notification",
		zap.Int64("notification_id", n.ID),
		zap.Int64("patron_id", n.PatronID),
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message))
	return nil
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	cb       circuit_breaker.CircuitBreaker
	topic    string
}

// NewKafkaPublisher sends through producer; after repeated broker failures the breaker
// rejects deliveries for a while instead of blocking every request on a dead broker.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	const (
		window    = 20
		cooldown  = 10 * time.Second
		threshold = 0.5
		recovery  = 3
	)
	return &KafkaPublisher{
		producer: producer,
		cb:       circuit_breaker.New(window, cooldown, threshold, recovery),
		topic:    topic,
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, n model.Notification) error {
	body, err := kafka.Marshal(event(n))
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	return p.cb.Call(func() error {
		_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(strconv.FormatInt(n.PatronID, 10)),
			Value: sarama.ByteEncoder(body),
		})
		return err
	})
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

type queue interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

type AMQPPublisher struct {
	q queue
}

func NewAMQPPublisher(q queue) *AMQPPublisher {
	return &AMQPPublisher{q: q}
}

func (p *AMQPPublisher) Publish(ctx context.Context, n model.Notification) error {
	ev := event(n)
	body, err := kafka.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	return p.q.Publish(ctx, ev.EventID, body)
}

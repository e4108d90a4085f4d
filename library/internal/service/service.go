package service

import (
	"context"
	"time"

	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/repository"
	"go.uber.org/zap"
)

// Policy holds the circulation constants.
type Policy struct {
	LoanGraceDays      int
	DailyPenalty       int64
	BlockOnUnpaidFines bool
}

func DefaultPolicy() Policy {
	return Policy{
		LoanGraceDays: 2,
		DailyPenalty:  100,
	}
}

// Notifier hands committed notifications to a delivery channel.
type Notifier interface {
	Publish(ctx context.Context, n model.Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, model.Notification) error { return nil }

type Service struct {
	log      *zap.Logger
	repo     repository.Repository
	ledger   repository.Ledger
	notifier Notifier
	policy   Policy
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func NewService(repo repository.Repository, ledger repository.Ledger, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		log:      log.Named("service"),
		repo:     repo,
		ledger:   ledger,
		notifier: nopNotifier{},
		policy:   DefaultPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) today() time.Time { return model.Day(s.now()) }

// deliver runs after commit; a failed delivery is logged and the state change stands.
func (s *Service) deliver(ctx context.Context, ns []model.Notification) {
	for _, n := range ns {
		if err := s.notifier.Publish(ctx, n); err != nil {
			s.log.Error("notification delivery",
				zap.Int64("notification_id", n.ID),
				zap.Int64("patron_id", n.PatronID),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
		}
	}
}

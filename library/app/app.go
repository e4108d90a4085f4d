package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Astemirdum/library-ledger/library/config"
	"github.com/Astemirdum/library-ledger/library/internal/handler"
	"github.com/Astemirdum/library-ledger/library/internal/model"
	"github.com/Astemirdum/library-ledger/library/internal/notify"
	"github.com/Astemirdum/library-ledger/library/internal/repository"
	"github.com/Astemirdum/library-ledger/library/internal/server"
	"github.com/Astemirdum/library-ledger/library/internal/service"
	"github.com/Astemirdum/library-ledger/library/migrations"
	"github.com/Astemirdum/library-ledger/pkg/kafka"
	"github.com/Astemirdum/library-ledger/pkg/logger"
	md "github.com/Astemirdum/library-ledger/pkg/middleware"
	"github.com/Astemirdum/library-ledger/pkg/postgres"
	"github.com/Astemirdum/library-ledger/pkg/rabbitmq"
	"github.com/Astemirdum/library-ledger/pkg/redis"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "library"

type closer func()

// newService wires storage and delivery; the returned closer releases both.
func newService(ctx context.Context, cfg *config.Config, log *zap.Logger) (*service.Service, closer, error) {
	pool, err := postgres.NewPostgresDB(ctx, &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db init")
	}
	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	repo, err := repository.NewRepository(db, log)
	if err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "repo")
	}
	notifier, closeNotifier, err := newNotifier(cfg, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	svc := service.NewService(repo, repository.NewLedger(pool, log), log,
		service.WithNotifier(notifier),
		service.WithPolicy(service.Policy{
			LoanGraceDays:      cfg.Ledger.LoanGraceDays,
			DailyPenalty:       cfg.Ledger.DailyPenalty,
			BlockOnUnpaidFines: cfg.Ledger.BlockOnUnpaidFines,
		}),
	)
	return svc, func() {
		closeNotifier()
		if err := db.Close(); err != nil {
			log.Warn("sqlx close", zap.Error(err))
		}
		pool.Close()
	}, nil
}

func newNotifier(cfg *config.Config, log *zap.Logger) (service.Notifier, closer, error) {
	switch cfg.Notify.Driver {
	case config.NotifyKafka:
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			return nil, nil, errors.Wrap(err, "kafka.NewProducer")
		}
		p := notify.NewKafkaPublisher(producer, kafka.NotificationTopic)
		return p, func() {
			if err := p.Close(); err != nil {
				log.Warn("kafka producer close", zap.Error(err))
			}
		}, nil
	case config.NotifyAMQP:
		q, err := rabbitmq.NewPublisher(cfg.AMQP, kafka.NotificationTopic)
		if err != nil {
			return nil, nil, errors.Wrap(err, "rabbitmq.NewPublisher")
		}
		return notify.NewAMQPPublisher(q), func() {
			if err := q.Close(); err != nil {
				log.Warn("amqp close", zap.Error(err))
			}
		}, nil
	case config.NotifyLog, "":
		return notify.NewLogPublisher(log), func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown notify driver %q", cfg.Notify.Driver)
}

func Run(cfg *config.Config) {
	log := logger.NewLogger(cfg.Log, serviceName)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, closeSvc, err := newService(ctx, cfg, log)
	if err != nil {
		log.Fatal("init", zap.Error(err))
	}
	defer closeSvc()

	routerCfg := handler.RouterConfig{
		JWTKey:  cfg.Auth.JWTKey,
		BaseRPS: cfg.RateLimit.BaseRPS,
		APIRPS:  cfg.RateLimit.APIRPS,
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, rate limits are per instance", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
		routerCfg.APILimiter = md.NewRedisRateLimiterStore(rdb, md.RedisStoreConfig{
			Prefix:   serviceName,
			Capacity: cfg.RateLimit.Capacity,
			Refill:   cfg.RateLimit.Refill,
			Interval: cfg.RateLimit.Interval,
		}, log)
	}

	h := handler.New(svc, svc, log)
	srv := server.NewServer(cfg.Server, h.NewRouter(routerCfg))

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server start ON: ", zap.String("addr", cfg.Server.Addr()))
		return srv.Run()
	})
	if cfg.Notify.RestockConsumer {
		consumer, err := kafka.NewConsumer(cfg.Kafka, kafka.LibraryConsumerGroup)
		if err != nil {
			log.Fatal("kafka.NewConsumer", zap.Error(err))
		}
		g.Go(func() error {
			return kafka.Consume(gCtx, consumer, handler.NewRestockConsumer(svc, log), log, kafka.RestockTopic)
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		log.Debug("Graceful shutdown")
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		return srv.Stop(closeCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
	log.Info("Graceful shutdown finished")
}

// Migrate applies the embedded schema migrations and exits.
func Migrate(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, serviceName)
	pool, err := postgres.NewPostgresDB(context.Background(), &cfg.Database, migrations.MigrationFiles)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info("migrations applied", zap.String("db", cfg.Database.NameDB))
	return nil
}

// SweepFines runs one overdue-fine sweep as the system actor, for cron style scheduling.
func SweepFines(cfg *config.Config) error {
	log := logger.NewLogger(cfg.Log, serviceName)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, closeSvc, err := newService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSvc()

	n, err := svc.SweepOverdueFines(ctx, model.SystemActor)
	if err != nil {
		return errors.Wrap(err, "sweep")
	}
	log.Info("overdue fines swept", zap.Int("changed", n))
	return nil
}

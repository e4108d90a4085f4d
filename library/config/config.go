package config

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/Astemirdum/library-ledger/pkg/kafka"
	"github.com/Astemirdum/library-ledger/pkg/logger"
	"github.com/Astemirdum/library-ledger/pkg/postgres"
	"github.com/Astemirdum/library-ledger/pkg/rabbitmq"
	"github.com/Astemirdum/library-ledger/pkg/redis"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server    Server
	Database  postgres.DB
	Kafka     kafka.Config
	Redis     redis.Config
	AMQP      rabbitmq.Config
	Log       logger.Log
	Ledger    Ledger
	Notify    Notify
	Auth      Auth
	RateLimit RateLimit
}

type Server struct {
	Host         string        `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	Port         string        `envconfig:"HTTP_PORT" default:"8060"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
}

func (s Server) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

type Ledger struct {
	LoanGraceDays      int   `envconfig:"LOAN_GRACE_DAYS" default:"2"`
	DailyPenalty       int64 `envconfig:"FINE_DAILY_PENALTY" default:"100"`
	BlockOnUnpaidFines bool  `envconfig:"BLOCK_LOANS_WITH_UNPAID_FINES" default:"false"`
}

type NotifyDriver string

const (
	NotifyLog   NotifyDriver = "log"
	NotifyKafka NotifyDriver = "kafka"
	NotifyAMQP  NotifyDriver = "amqp"
)

type Notify struct {
	Driver NotifyDriver `envconfig:"NOTIFY_DRIVER" default:"log"`
	// RestockConsumer starts the kafka consumer for acquisition events.
	RestockConsumer bool `envconfig:"RESTOCK_CONSUMER" default:"false"`
}

type Auth struct {
	// JWTKey switches identity extraction from gateway headers to HS256 bearer tokens.
	JWTKey string `envconfig:"JWT_KEY"`
}

type RateLimit struct {
	BaseRPS float64 `envconfig:"RATE_LIMIT_BASE_RPS" default:"10"`
	APIRPS  float64 `envconfig:"RATE_LIMIT_API_RPS" default:"100"`
	// Capacity and refill of the shared redis bucket, used when REDIS_ADDR is set.
	Capacity int           `envconfig:"RATE_LIMIT_CAPACITY" default:"100"`
	Refill   int           `envconfig:"RATE_LIMIT_REFILL" default:"100"`
	Interval time.Duration `envconfig:"RATE_LIMIT_INTERVAL" default:"1s"`
}

var (
	once sync.Once
	cfg  *Config
)

// NewConfig reads the environment once; later calls return the same Config.
func NewConfig(opts ...Option) *Config {
	once.Do(func() {
		var c Config
		if err := envconfig.Process("", &c); err != nil {
			log.Fatal("envconfig.Process: ", err)
		}
		for _, opt := range opts {
			opt(&c)
		}
		cfg = &c
	})
	return cfg
}

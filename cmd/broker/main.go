// Command broker runs the single-instance admission control loop that
// promotes PENDING requests to QUEUED subject to per-user quotas.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/broker"
	"github.com/relabs-tech/geodds/internal/lifecycle"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

type config struct {
	Postgres csql.Config
	Schema   string `env:"POSTGRES_SCHEMA,default=geodds"`

	QueueName               string        `env:"QUERY_QUEUE_NAME,default=query_queue"`
	RunningRequestLimit     int           `env:"RUNNING_REQUEST_LIMIT,default=4"`
	RequestStatusCheckEvery time.Duration `env:"REQUEST_STATUS_CHECK_EVERY,default=5s"`

	KafkaBrokers []string `env:"KAFKA_BROKERS"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(
		"host="+cfg.Postgres.Host+" port="+cfg.Postgres.Port+" dbname="+cfg.Postgres.DB+" user="+cfg.Postgres.User+" sslmode=disable",
		cfg.Postgres.Password, cfg.Schema)

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		panic(err)
	}

	pub, err := queue.NewSQS(context.Background(), cfg.QueueName)
	if err != nil {
		panic(err)
	}

	var lifecyclePub *lifecycle.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		lifecyclePub = lifecycle.NewPublisher(cfg.KafkaBrokers)
		defer lifecyclePub.Close()
	}

	b := broker.New(broker.Config{
		TickEvery:           cfg.RequestStatusCheckEvery,
		RunningRequestLimit: cfg.RunningRequestLimit,
	}, s, pub, lifecyclePub)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	logger.Default().Infoln("broker ticking every", cfg.RequestStatusCheckEvery)
	b.Run(stop)
}

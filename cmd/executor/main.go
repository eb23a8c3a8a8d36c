// Command executor runs the worker-side consumer loop: pull messages from
// the worker queue and run the catalog engine's compute against a bounded
// goroutine pool.
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
	"github.com/relabs-tech/geodds/internal/artifacts"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/executor"
	"github.com/relabs-tech/geodds/internal/lifecycle"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

type config struct {
	Postgres csql.Config
	Schema   string `env:"POSTGRES_SCHEMA,default=geodds"`

	StorePath string `env:"STORE_PATH,default=/var/geodds/artifacts"`
	QueueName string `env:"QUERY_QUEUE_NAME,default=query_queue"`

	Workers            int           `env:"DASK_N_WORKERS,default=4"`
	ResultCheckRetries int           `env:"RESULT_CHECK_RETRIES,default=30"`
	SleepInterval      time.Duration `env:"SLEEP_SEC,default=30s"`

	SchedulerPort    int    `env:"DASK_SCHEDULER_PORT,default=8786"`
	DashboardAddress string `env:"DASK_DASHBOARD_ADDRESS,default=:8787"`

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

	art, err := artifacts.NewFilesystem(cfg.StorePath)
	if err != nil {
		panic(err)
	}

	cons, err := queue.NewSQS(context.Background(), cfg.QueueName)
	if err != nil {
		panic(err)
	}

	eng := catalog.NewFixture()

	var lifecyclePub *lifecycle.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		lifecyclePub = lifecycle.NewPublisher(cfg.KafkaBrokers)
		defer lifecyclePub.Close()
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	ex, err := executor.New(executor.Config{
		Workers:            cfg.Workers,
		ResultCheckRetries: cfg.ResultCheckRetries,
		SleepInterval:      cfg.SleepInterval,
		Host:               host,
		SchedulerPort:      cfg.SchedulerPort,
		DashboardAddress:   cfg.DashboardAddress,
	}, s, eng, art, cons, lifecyclePub)
	if err != nil {
		panic(err)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	logger.Default().Infoln("executor running with", cfg.Workers, "workers")
	ex.Run(stop)
}

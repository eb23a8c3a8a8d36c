// Command reaper periodically requeues requests stuck in RUNNING after a
// worker died mid-job without ever reaching a terminal state. This is the
// only process allowed to transition a request back from RUNNING to
// PENDING — the store guards the transition so a worker that eventually
// does finish the stale job cannot clobber a request the reaper already
// gave back to the queue.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/store"
)

type config struct {
	Postgres csql.Config
	Schema   string `env:"POSTGRES_SCHEMA,default=geodds"`

	CheckEvery time.Duration `env:"REAPER_CHECK_EVERY,default=30s"`

	// ResultCheckRetries and SleepInterval mirror the executor's own env
	// vars of the same name: staleness is derived from them as
	// 2 * (RESULT_CHECK_RETRIES * SLEEP_SEC), twice the longest an executor
	// can legitimately spend on a single job before it self-fails it. A
	// RUNNING request older than that can only mean the worker that took it
	// died before reaching a terminal state.
	ResultCheckRetries int           `env:"RESULT_CHECK_RETRIES,default=30"`
	SleepInterval      time.Duration `env:"SLEEP_SEC,default=30s"`
}

func staleAfter(cfg config) time.Duration {
	return 2 * time.Duration(cfg.ResultCheckRetries) * cfg.SleepInterval
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		panic(err)
	}
	stale := staleAfter(cfg)

	db := csql.OpenWithSchema(
		"host="+cfg.Postgres.Host+" port="+cfg.Postgres.Port+" dbname="+cfg.Postgres.DB+" user="+cfg.Postgres.User+" sslmode=disable",
		cfg.Postgres.Password, cfg.Schema)

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		panic(err)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	ticker := time.NewTicker(cfg.CheckEvery)
	defer ticker.Stop()

	logger.Default().Infoln("reaper checking every", cfg.CheckEvery, "for running requests stale past", stale)

	sweep(s, stale)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sweep(s, stale)
		}
	}
}

func sweep(s *store.Store, staleAfter time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().Errorf("reaper: recovered from panic: %v", r)
		}
	}()

	stale, err := s.FindStaleRunning(time.Now().Add(-staleAfter))
	if err != nil {
		logger.Default().WithError(err).Error("reaper: find stale running requests")
		return
	}
	for _, r := range stale {
		if err := s.RequeueStaleRunning(r.RequestID); err != nil {
			logger.Default().WithError(err).Errorf("reaper: requeue request %d", r.RequestID)
			continue
		}
		logger.Default().Infof("reaper: requeued stale request %d", r.RequestID)
	}
}

// Package executor runs the worker-side consumer loop: pull messages from
// the worker queue, run the catalog engine's compute against a bounded
// goroutine pool, and drive each request through RUNNING to its terminal
// state. Grounded on the teacher's core/backend/jobs.go pipelineWorker
// pattern (buffered channel pool, panic/recover envelope per job) and on
// spec.md §4.5's poll/timeout/ack-on-original-channel contract.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/artifacts"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/geoquery"
	"github.com/relabs-tech/geodds/internal/lifecycle"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

// Config configures an Executor.
type Config struct {
	// Workers is the size of the bounded compute pool (DASK_N_WORKERS).
	Workers int
	// ResultCheckRetries bounds how many SleepInterval polls a job gets
	// before it is cancelled and marked FAILED (RESULT_CHECK_RETRIES).
	ResultCheckRetries int
	// SleepInterval is the poll period between done() checks (SLEEP_SEC).
	SleepInterval time.Duration
	// MessageSeparator is the wire field separator (MESSAGE_SEPARATOR).
	MessageSeparator string

	Host             string
	SchedulerPort    int
	DashboardAddress string
}

// Executor consumes the worker queue and drives requests through RUNNING.
type Executor struct {
	cfg       Config
	store     *store.Store
	catalog   catalog.Engine
	artifacts artifacts.Store
	consumer  queue.Consumer
	lifecycle *lifecycle.Publisher
	workerID  uuid.UUID

	sem  chan struct{}
	acks chan queue.Message
}

// New registers a Worker row and builds an Executor bound to it.
func New(cfg Config, s *store.Store, eng catalog.Engine, art artifacts.Store,
	c queue.Consumer, lifecyclePub *lifecycle.Publisher) (*Executor, error) {

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ResultCheckRetries <= 0 {
		cfg.ResultCheckRetries = 30
	}
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = 30 * time.Second
	}
	if cfg.MessageSeparator == "" {
		cfg.MessageSeparator = queue.DefaultSeparator
	}

	workerID, err := s.CreateWorker(cfg.Host, cfg.SchedulerPort, cfg.DashboardAddress)
	if err != nil {
		return nil, fmt.Errorf("executor: register worker: %w", err)
	}

	return &Executor{
		cfg: cfg, store: s, catalog: eng, artifacts: art, consumer: c, lifecycle: lifecyclePub,
		workerID: workerID,
		sem:      make(chan struct{}, cfg.Workers),
		acks:     make(chan queue.Message, cfg.Workers*2),
	}, nil
}

// Run consumes messages until stop is closed, dispatching each onto the
// bounded pool and funnelling every ack onto a single goroutine bound to
// the queue connection — the "ack on the original channel" discipline.
func (e *Executor) Run(stop <-chan struct{}) {
	go e.ackLoop(stop)

	for {
		select {
		case <-stop:
			return
		default:
		}

		msgs, err := e.consumer.Receive(context.Background(), 1)
		if err != nil {
			logger.Default().WithError(err).Error("executor: receive failed")
			continue
		}
		for _, m := range msgs {
			select {
			case e.sem <- struct{}{}:
			case <-stop:
				return
			}
			go func(m queue.Message) {
				defer func() { <-e.sem }()
				e.handle(m)
			}(m)
		}
	}
}

func (e *Executor) ackLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case m := <-e.acks:
			if err := e.consumer.Ack(context.Background(), m); err != nil {
				logger.Default().WithError(err).Error("executor: ack failed")
			}
		}
	}
}

// handle runs one message end to end in a panic/recover envelope, always
// acking on return regardless of outcome: a poison message must not be
// redelivered forever.
func (e *Executor) handle(m queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().Errorf("executor: recovered from panic: %v\n%s", r, debug.Stack())
		}
		e.acks <- m
	}()

	sep := e.cfg.MessageSeparator
	var requestID int64
	var dataset, product, queryJSON, format string
	isWorkflow := queue.PeekType(sep, m.Body) == queue.TypeWorkflow

	if isWorkflow {
		env, err := queue.DecodeWorkflow(sep, m.Body)
		if err != nil {
			logger.Default().WithError(err).Error("executor: malformed workflow message, dropping")
			return
		}
		tasks, err := geoquery.ParseTaskList([]byte(env.TaskListJSON))
		if err != nil {
			logger.Default().WithError(err).Error("executor: invalid workflow task list, dropping")
			return
		}
		requestID, dataset, product, queryJSON = env.RequestID, tasks.DatasetID(), tasks.ProductID(), env.TaskListJSON
	} else {
		env, err := queue.DecodeQuery(sep, m.Body)
		if err != nil {
			logger.Default().WithError(err).Error("executor: malformed query message, dropping")
			return
		}
		requestID, dataset, product, queryJSON, format = env.RequestID, env.Dataset, env.Product, env.QueryJSON, env.Format
	}

	// The track id carried over from the broker's publish step (see
	// broker.publish) lets a single request's admission and execution log
	// lines be correlated across the two processes.
	ctx, rlog := logger.ContextWithTrackID(context.Background(), strconv.FormatInt(requestID, 10))

	req, err := e.store.GetRequest(requestID)
	if err != nil {
		rlog.WithError(err).Errorf("executor: request %d not found, dropping message", requestID)
		return
	}
	if req.Status != store.StatusQueued {
		rlog.Infof("executor: request %d not QUEUED (status=%s), treating as duplicate delivery", requestID, req.Status)
		return
	}

	if err := e.store.UpdateRequest(requestID, store.UpdateRequestParams{
		Status: store.StatusRunning, WorkerID: &e.workerID,
	}); err != nil {
		rlog.WithError(err).Errorf("executor: transition request %d to RUNNING", requestID)
		return
	}
	rlog.Infof("executor: request %d RUNNING on worker %s", requestID, e.workerID)
	e.reportLifecycle(requestID)

	// A workflow's task list is not a GeoQuery; Parse folds its top-level
	// "tasks" key into q.Filters, and a body Parse rejects is passed as the
	// raw JSON under q.Filters["workflow_json"], since the catalog Engine
	// interface has a single Execute entry point for both request kinds.
	q, perr := geoquery.Parse([]byte(queryJSON))
	if perr != nil {
		q = &geoquery.GeoQuery{Filters: map[string]interface{}{"workflow_json": queryJSON}}
	}

	outDir, err := e.artifacts.Dir(ctx, requestID)
	if err != nil {
		e.fail(requestID, fmt.Sprintf("internal: %s", err))
		return
	}

	task := submit(ctx, func(ctx context.Context) (string, error) {
		return e.catalog.Execute(ctx, dataset, product, q, format, outDir)
	})

	var path string
	var execErr error
	ok := false
	for attempt := 0; attempt < e.cfg.ResultCheckRetries; attempt++ {
		path, execErr, ok = task.Wait(e.cfg.SleepInterval)
		if ok {
			break
		}
	}
	if !ok {
		task.Cancel()
		e.fail(requestID, "Processing timeout")
		return
	}
	if execErr != nil {
		if errors.Is(execErr, catalog.ErrPoolFault) {
			e.recoverPool(ctx)
		}
		e.fail(requestID, fmt.Sprintf("compute error: %s", execErr))
		return
	}
	if path == "" {
		e.fail(requestID, "empty result")
		return
	}

	size, err := e.artifacts.Stat(ctx, path)
	if err != nil {
		e.fail(requestID, fmt.Sprintf("internal: %s", err))
		return
	}

	if err := e.store.UpdateRequest(requestID, store.UpdateRequestParams{
		Status: store.StatusDone, LocationPath: &path, SizeBytes: &size,
	}); err != nil {
		rlog.WithError(err).Errorf("executor: mark request %d done", requestID)
		return
	}
	rlog.Infof("executor: request %d DONE", requestID)
	e.reportLifecycle(requestID)
}

func (e *Executor) fail(requestID int64, reason string) {
	if err := e.store.UpdateRequest(requestID, store.UpdateRequestParams{
		Status: store.StatusFailed, FailReason: &reason,
	}); err != nil {
		logger.Default().WithError(err).Errorf("executor: mark request %d failed", requestID)
		return
	}
	e.reportLifecycle(requestID)
}

// recoverPool implements spec's pool-level-fault policy: try to restart the
// compute pool in place, and if that fails, recreate it from scratch. The
// goroutine pool bounding local concurrency (e.sem) never corrupts the way
// a Dask cluster does, so "the pool" here is the catalog engine's compute
// backend; "recreate" re-registers this executor as a fresh Worker row,
// since that registration is the only pool identity the executor owns.
func (e *Executor) recoverPool(ctx context.Context) {
	if r, ok := e.catalog.(catalog.Restarter); ok {
		if err := r.Restart(ctx); err == nil {
			logger.Default().Warn("executor: compute pool restarted in place after fault")
			return
		}
		logger.Default().Warn("executor: in-place pool restart failed, recreating")
	}

	workerID, err := e.store.CreateWorker(e.cfg.Host, e.cfg.SchedulerPort, e.cfg.DashboardAddress)
	if err != nil {
		logger.Default().WithError(err).Error("executor: recreate worker pool failed")
		return
	}
	e.workerID = workerID
	logger.Default().Warnf("executor: compute pool recreated as worker %s", workerID)
}

func (e *Executor) reportLifecycle(requestID int64) {
	if e.lifecycle == nil {
		return
	}
	req, err := e.store.GetRequest(requestID)
	if err != nil {
		return
	}
	e.lifecycle.Publish(context.Background(), req)
}

// Package broker implements the single-instance admission control loop:
// periodically promote PENDING requests to QUEUED, subject to a per-user
// concurrency quota, publishing each one to the worker queue in the same
// step. Grounded on the teacher's core/backend/jobs.go job-processing
// loop (FOR UPDATE SKIP LOCKED claim, periodic trigger, panic/recover
// envelope around the unit of work).
package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/lifecycle"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

// Config configures a Broker.
type Config struct {
	// TickEvery is the poll period (REQUEST_STATUS_CHECK_EVERY).
	TickEvery time.Duration
	// RunningRequestLimit is the per-user concurrent QUEUED+RUNNING cap.
	RunningRequestLimit int
	// BatchSize is the number of PENDING rows considered per tick, large
	// enough that one over-quota user's oldest request never blocks
	// admission of other users' requests behind it in priority order.
	BatchSize int
	// MessageSeparator is the wire field separator (MESSAGE_SEPARATOR).
	MessageSeparator string
}

// Broker is the admission control loop.
type Broker struct {
	cfg       Config
	store     *store.Store
	publisher queue.Publisher
	lifecycle *lifecycle.Publisher
}

// New builds a Broker. lifecyclePub may be nil, in which case admission
// events are not published to the lifecycle stream.
func New(cfg Config, s *store.Store, pub queue.Publisher, lifecyclePub *lifecycle.Publisher) *Broker {
	if cfg.TickEvery <= 0 {
		cfg.TickEvery = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MessageSeparator == "" {
		cfg.MessageSeparator = queue.DefaultSeparator
	}
	return &Broker{cfg: cfg, store: s, publisher: pub, lifecycle: lifecyclePub}
}

// Run blocks, ticking forever until ctx is cancelled via the stop channel
// closing or the process exiting — mirroring the teacher's ProcessJobsAsync
// heartbeat loop, generalized to a single control loop with no external
// trigger channel since admission has no event to react to besides time.
func (b *Broker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.TickEvery)
	defer ticker.Stop()

	b.tick()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick runs one admission pass in a panic/recover envelope so a single bad
// row never takes down the control loop.
func (b *Broker) tick() {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().Errorf("broker: recovered from panic: %v\n%s", r, debug.Stack())
		}
	}()

	admitted, err := b.AdmitOnce()
	if err != nil {
		logger.Default().WithError(err).Error("broker: admission tick failed, will retry next tick")
		return
	}
	if admitted > 0 {
		logger.Default().Infof("broker: admitted %d request(s)", admitted)
	}
}

// AdmitOnce runs a single admission pass synchronously and returns the
// number of requests admitted, without the panic/recover envelope Run
// wraps around scheduled ticks. Exported for tests that want to drive
// admission deterministically rather than waiting on a ticker.
func (b *Broker) AdmitOnce() (int, error) {
	return b.store.AdmitBatch(b.cfg.BatchSize, b.cfg.RunningRequestLimit, b.publish)
}

// publish encodes and publishes a single request, dispatching on its Kind.
// It is called with the request's PENDING row still locked by the claiming
// transaction, so a publish failure here aborts the whole batch's
// transaction (rolling every row in it back to PENDING) rather than risking
// a QUEUED row nobody ever published — the "at-most-one publish per row per
// tick" invariant.
func (b *Broker) publish(r store.Request) error {
	sep := b.cfg.MessageSeparator
	var body string
	switch r.Kind {
	case store.KindWorkflow:
		body = queue.EncodeWorkflow(sep, queue.WorkflowEnvelope{
			RequestID:    r.RequestID,
			TaskListJSON: string(r.Query),
		})
	default:
		body = queue.EncodeQuery(sep, queue.QueryEnvelope{
			RequestID: r.RequestID,
			Dataset:   r.Dataset,
			Product:   r.Product,
			QueryJSON: string(r.Query),
			Format:    r.Format,
		})
	}

	// The request id is the track id: it is the only correlator that
	// survives the hop from this process, through the queue message, to
	// the executor that picks it up.
	trackID := strconv.FormatInt(r.RequestID, 10)
	ctx, rlog := logger.ContextWithTrackID(context.Background(), trackID)
	if err := b.publisher.Publish(ctx, body); err != nil {
		return fmt.Errorf("broker: publish request %d: %w", r.RequestID, err)
	}
	rlog.Infof("broker: published request %d", r.RequestID)
	if b.lifecycle != nil {
		queued := r
		queued.Status = store.StatusQueued
		b.lifecycle.Publish(ctx, queued)
	}
	return nil
}

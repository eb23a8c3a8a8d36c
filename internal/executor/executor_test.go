package executor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/internal/artifacts"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/executor"
	"github.com/relabs-tech/geodds/internal/geoquery"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

// fakeConsumer is an in-memory queue.Consumer: Receive drains a buffered
// channel fed directly by the test, Ack records which messages were acked.
type fakeConsumer struct {
	mu      sync.Mutex
	pending chan queue.Message
	acked   []queue.Message
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{pending: make(chan queue.Message, 16)}
}

func (c *fakeConsumer) push(body string) {
	c.pending <- queue.Message{Body: body, ReceiptHandle: body}
}

func (c *fakeConsumer) Receive(ctx context.Context, maxMessages int) ([]queue.Message, error) {
	select {
	case m := <-c.pending:
		return []queue.Message{m}, nil
	case <-time.After(50 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConsumer) Ack(ctx context.Context, m queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, m)
	return nil
}

func (c *fakeConsumer) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}

// hangingEngine is a catalog.Engine whose Execute never returns until its
// context is cancelled, standing in for a query whose compute never
// finishes so the executor's ResultCheckRetries budget runs out.
type hangingEngine struct {
	catalog.Engine
}

func (hangingEngine) Execute(ctx context.Context, _, _ string, _ *geoquery.GeoQuery, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type executorSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *csql.DB
	store     *store.Store
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(executorSuite))
}

func (s *executorSuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "geodds",
			"POSTGRES_PASSWORD": "geodds",
			"POSTGRES_DB":       "geodds",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err)
	s.container = c

	host, err := c.Host(ctx)
	s.Require().NoError(err)
	port, err := c.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(
		fmt.Sprintf("host=%s port=%s dbname=geodds user=geodds sslmode=disable", host, port.Port()),
		"geodds", "executor_test")
	s.store = store.New(s.db)
	s.Require().NoError(s.store.Migrate())
}

func (s *executorSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *executorSuite) newExecutor(eng catalog.Engine, cons *fakeConsumer, storeDir string) *executor.Executor {
	art, err := artifacts.NewFilesystem(storeDir)
	s.Require().NoError(err)
	ex, err := executor.New(executor.Config{
		Workers:            2,
		ResultCheckRetries: 3,
		SleepInterval:      20 * time.Millisecond,
		Host:               "test-host",
		SchedulerPort:      8786,
		DashboardAddress:   ":8787",
	}, s.store, eng, art, cons, nil)
	s.Require().NoError(err)
	return ex
}

// TestSuccessfulExecutionReachesDone drives a QUEUED request through
// RUNNING to DONE.
func (s *executorSuite) TestSuccessfulExecutionReachesDone() {
	u, err := s.store.AddUser("exec-user", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis",
		json.RawMessage(`{"variable":"t2m"}`), "netcdf", 0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpdateRequest(id, store.UpdateRequestParams{Status: store.StatusQueued}))

	cons := newFakeConsumer()
	cons.push(queue.EncodeQuery(queue.DefaultSeparator, queue.QueryEnvelope{
		RequestID: id, Dataset: "era5", Product: "reanalysis",
		QueryJSON: `{"variable":"t2m"}`, Format: "netcdf",
	}))

	eng := catalog.NewFixture()
	ex := s.newExecutor(eng, cons, s.T().TempDir())

	stop := make(chan struct{})
	go ex.Run(stop)
	defer close(stop)

	s.Require().Eventually(func() bool {
		r, err := s.store.GetRequest(id)
		return err == nil && r.Status == store.StatusDone
	}, 2*time.Second, 10*time.Millisecond)

	d, err := s.store.GetDownloadByRequest(id)
	s.Require().NoError(err)
	s.NotEmpty(d.LocationPath)
	s.Greater(d.SizeBytes, int64(0))
}

// TestDuplicateDeliveryIgnored simulates a message delivered for a request
// that is not QUEUED (here still PENDING): the executor must not process it.
func (s *executorSuite) TestDuplicateDeliveryIgnored() {
	u, err := s.store.AddUser("exec-user-dup", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis",
		json.RawMessage(`{}`), "", 0)
	s.Require().NoError(err)
	// Leave it PENDING: never transitioned to QUEUED, so the executor must
	// treat the delivery as stale and leave the row untouched.

	cons := newFakeConsumer()
	cons.push(queue.EncodeQuery(queue.DefaultSeparator, queue.QueryEnvelope{
		RequestID: id, Dataset: "era5", Product: "reanalysis", QueryJSON: `{}`,
	}))

	eng := catalog.NewFixture()
	ex := s.newExecutor(eng, cons, s.T().TempDir())

	stop := make(chan struct{})
	go ex.Run(stop)
	defer close(stop)

	s.Require().Eventually(func() bool {
		return cons.ackCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	r, err := s.store.GetRequest(id)
	s.Require().NoError(err)
	s.Equal(store.StatusPending, r.Status)
}

// TestComputeFailureMarksFailed simulates the catalog engine returning an
// error: the request must land in FAILED with a fail_reason recorded.
func (s *executorSuite) TestComputeFailureMarksFailed() {
	u, err := s.store.AddUser("exec-user-fail", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis",
		json.RawMessage(`{}`), "", 0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpdateRequest(id, store.UpdateRequestParams{Status: store.StatusQueued}))

	cons := newFakeConsumer()
	cons.push(queue.EncodeQuery(queue.DefaultSeparator, queue.QueryEnvelope{
		RequestID: id, Dataset: "era5", Product: "reanalysis", QueryJSON: `{}`,
	}))

	eng := catalog.NewFixture()
	eng.FailProducts["era5/reanalysis"] = true
	ex := s.newExecutor(eng, cons, s.T().TempDir())

	stop := make(chan struct{})
	go ex.Run(stop)
	defer close(stop)

	s.Require().Eventually(func() bool {
		r, err := s.store.GetRequest(id)
		return err == nil && r.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	r, err := s.store.GetRequest(id)
	s.Require().NoError(err)
	s.Require().NotNil(r.FailReason)
	s.Contains(*r.FailReason, "compute error")
}

// TestResultCheckRetriesExhaustedMarksFailed drives a request whose compute
// never finishes through every ResultCheckRetries poll: once the budget is
// exhausted the executor must cancel the task and fail the request with a
// timeout reason, rather than waiting on it forever.
func (s *executorSuite) TestResultCheckRetriesExhaustedMarksFailed() {
	u, err := s.store.AddUser("exec-user-timeout", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis",
		json.RawMessage(`{}`), "", 0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpdateRequest(id, store.UpdateRequestParams{Status: store.StatusQueued}))

	cons := newFakeConsumer()
	cons.push(queue.EncodeQuery(queue.DefaultSeparator, queue.QueryEnvelope{
		RequestID: id, Dataset: "era5", Product: "reanalysis", QueryJSON: `{}`,
	}))

	ex := s.newExecutor(hangingEngine{}, cons, s.T().TempDir())

	stop := make(chan struct{})
	go ex.Run(stop)
	defer close(stop)

	s.Require().Eventually(func() bool {
		r, err := s.store.GetRequest(id)
		return err == nil && r.Status == store.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	r, err := s.store.GetRequest(id)
	s.Require().NoError(err)
	s.Require().NotNil(r.FailReason)
	s.Contains(*r.FailReason, "timeout")
}

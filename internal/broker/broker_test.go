package broker_test

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
	"github.com/relabs-tech/geodds/internal/broker"
	"github.com/relabs-tech/geodds/internal/store"
)

type brokerSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *csql.DB
	store     *store.Store
}

func TestBrokerSuite(t *testing.T) {
	suite.Run(t, new(brokerSuite))
}

func (s *brokerSuite) SetupSuite() {
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
		"geodds", "broker_test")
	s.store = store.New(s.db)
	s.Require().NoError(s.store.Migrate())
}

func (s *brokerSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	count int
}

func (p *recordingPublisher) Publish(ctx context.Context, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

// TestQuotaCapsAdmissionPerUser reproduces spec's quota acceptance test:
// RUNNING_REQUEST_LIMIT=2, five PENDING requests for one user, exactly two
// admitted in one tick.
func (s *brokerSuite) TestQuotaCapsAdmissionPerUser() {
	u, err := s.store.AddUser("quota-user", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	for i := 0; i < 5; i++ {
		_, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis",
			json.RawMessage(`{}`), "", 0)
		s.Require().NoError(err)
	}

	pub := &recordingPublisher{}
	b := broker.New(broker.Config{RunningRequestLimit: 2, TickEvery: time.Hour}, s.store, pub, nil)

	admitted, err := b.AdmitOnce()
	s.Require().NoError(err)
	s.Equal(2, admitted)
	s.Equal(2, pub.count)

	reqs, err := s.store.GetRequestsByUser(u.UserID)
	s.Require().NoError(err)
	queued, pending := 0, 0
	for _, r := range reqs {
		switch r.Status {
		case store.StatusQueued:
			queued++
		case store.StatusPending:
			pending++
		}
	}
	s.Equal(2, queued)
	s.Equal(3, pending)
}

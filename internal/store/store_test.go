package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/internal/store"
)

type storeSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *csql.DB
	store     *store.Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(storeSuite))
}

func (s *storeSuite) SetupSuite() {
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
		fmt.Sprintf("host=%s port=%s user=geodds dbname=geodds sslmode=disable", host, port.Port()),
		"geodds", "geodds_test")
	s.store = store.New(s.db)
	s.Require().NoError(s.store.Migrate())
}

func (s *storeSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *storeSuite) SetupTest() {
	s.db.ClearSchema()
	s.Require().NoError(s.store.Migrate())
}

func (s *storeSuite) TestAddUserGeneratesIDAndKey() {
	u, err := s.store.AddUser("Ada", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)
	s.NotEqual(uuid.Nil, u.UserID)
	s.NotEmpty(u.ApiKey)

	got, err := s.store.GetUser(u.UserID)
	s.Require().NoError(err)
	s.Equal(u.ApiKey, got.ApiKey)
	s.ElementsMatch([]string{store.RolePublic}, got.Roles)
}

func (s *storeSuite) TestAuthenticateUser() {
	u, err := s.store.AddUser("Grace", nil, "", []string{store.RoleAdmin})
	s.Require().NoError(err)

	_, ok, err := s.store.AuthenticateUser(u.UserID, u.ApiKey)
	s.Require().NoError(err)
	s.True(ok)

	_, ok, err = s.store.AuthenticateUser(u.UserID, "wrong-key")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *storeSuite) TestCreateRequestStartsPending() {
	u, err := s.store.AddUser("Tester", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis", json.RawMessage(`{"variable":"t2m"}`), "", 0)
	s.Require().NoError(err)

	r, err := s.store.GetRequest(id)
	s.Require().NoError(err)
	s.Equal(store.StatusPending, r.Status)
	s.Equal(`{"variable":"t2m"}`, string(r.Query))
}

func (s *storeSuite) TestUpdateRequestToDoneInsertsDownload() {
	u, err := s.store.AddUser("Tester2", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)
	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis", json.RawMessage(`{}`), "", 0)
	s.Require().NoError(err)

	path := "/store/1/out.nc"
	size := int64(1024)
	err = s.store.UpdateRequest(id, store.UpdateRequestParams{
		Status:       store.StatusDone,
		LocationPath: &path,
		SizeBytes:    &size,
	})
	s.Require().NoError(err)

	d, err := s.store.GetDownloadByRequest(id)
	s.Require().NoError(err)
	s.Equal(path, d.LocationPath)
	s.Equal(size, d.SizeBytes)
}

func (s *storeSuite) TestQuotaCount() {
	u, err := s.store.AddUser("Quota", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis", json.RawMessage(`{}`), "", 0)
		s.Require().NoError(err)
		if i < 2 {
			s.Require().NoError(s.store.UpdateRequest(id, store.UpdateRequestParams{Status: store.StatusQueued}))
		}
	}
	count, err := s.store.CountRequestsByUserAndStatuses(u.UserID, store.StatusQueued, store.StatusRunning)
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *storeSuite) TestRequeueStaleRunningOnlyFromRunning() {
	u, err := s.store.AddUser("Stale", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)
	id, err := s.store.CreateRequest(u.UserID, store.KindQuery, "era5", "reanalysis", json.RawMessage(`{}`), "", 0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.UpdateRequest(id, store.UpdateRequestParams{Status: store.StatusRunning}))

	stale, err := s.store.FindStaleRunning(time.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(stale, 1)

	s.Require().NoError(s.store.RequeueStaleRunning(id))
	r, err := s.store.GetRequest(id)
	s.Require().NoError(err)
	s.Equal(store.StatusPending, r.Status)

	// Once DONE, requeue must not revert it (monotone status invariant).
	path := "/x"
	s.Require().NoError(s.store.UpdateRequest(id, store.UpdateRequestParams{Status: store.StatusDone, LocationPath: &path}))
	s.Require().NoError(s.store.RequeueStaleRunning(id))
	r, err = s.store.GetRequest(id)
	s.Require().NoError(err)
	s.Equal(store.StatusDone, r.Status)
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/internal/api"
	"github.com/relabs-tech/geodds/internal/artifacts"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/store"
)

type gatewaySuite struct {
	suite.Suite
	container testcontainers.Container
	db        *csql.DB
	store     *store.Store
	eng       *catalog.Fixture
	server    *httptest.Server
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(gatewaySuite))
}

func (s *gatewaySuite) SetupSuite() {
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
		"geodds", "gateway_test")
	s.store = store.New(s.db)
	s.Require().NoError(s.store.Migrate())

	art, err := artifacts.NewFilesystem(s.T().TempDir())
	s.Require().NoError(err)

	eng := catalog.NewFixture(catalog.Dataset{
		ID: "ocean",
		Products: []catalog.Product{
			{ID: "sst", Role: store.RolePublic, MaximumQuerySizeGB: 1},
			{ID: "salinity", Role: "premium", MaximumQuerySizeGB: 1},
			{ID: "huge", Role: store.RolePublic, MaximumQuerySizeGB: 1},
		},
	})
	eng.EstimateBytes["ocean/huge"] = 2 * 1024 * 1024 * 1024 // 2 GB, over the 1 GB cap
	s.eng = eng

	srv := api.New(api.Config{RunningRequestLimit: 4}, s.store, eng, art, noopPublisher{})
	s.server = httptest.NewServer(srv.Router())
}

func (s *gatewaySuite) TearDownSuite() {
	if s.server != nil {
		s.server.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *gatewaySuite) TestListDatasetsAnonymousSeesOnlyPublicProducts() {
	resp, err := http.Get(s.server.URL + "/datasets")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	var datasets []catalog.Dataset
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&datasets))
	s.Require().Len(datasets, 1)
	s.Require().Len(datasets[0].Products, 2)
	s.Equal("sst", datasets[0].Products[0].ID)
	s.Equal("huge", datasets[0].Products[1].ID)
}

func (s *gatewaySuite) TestExecuteRequiresAuthentication() {
	body := bytes.NewBufferString(`{"variable":"sst"}`)
	resp, err := http.Post(s.server.URL+"/datasets/ocean/sst/execute", "application/json", body)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *gatewaySuite) TestExecuteCreatesPendingRequest() {
	u, err := s.store.AddUser("tester", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	body := bytes.NewBufferString(`{"variable":"sst","time":{"start":"2024-01-01"}}`)
	httpReq, err := http.NewRequest(http.MethodPost, s.server.URL+"/datasets/ocean/sst/execute", body)
	s.Require().NoError(err)
	httpReq.Header.Set("User-Token", u.UserID.String()+":"+u.ApiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		RequestID int64 `json:"request_id"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	s.Greater(out.RequestID, int64(0))

	req, err := s.store.GetRequest(out.RequestID)
	s.Require().NoError(err)
	s.Equal(store.StatusPending, req.Status)
}

func (s *gatewaySuite) TestExecuteRejectsOversizeEstimate() {
	u, err := s.store.AddUser("oversize-tester", nil, "", []string{store.RolePublic})
	s.Require().NoError(err)

	body := bytes.NewBufferString(`{"variable":"huge"}`)
	httpReq, err := http.NewRequest(http.MethodPost, s.server.URL+"/datasets/ocean/huge/execute", body)
	s.Require().NoError(err)
	httpReq.Header.Set("User-Token", u.UserID.String()+":"+u.ApiKey)

	resp, err := http.DefaultClient.Do(httpReq)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Detail string `json:"detail"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	s.Contains(out.Detail, "Maximum allowed size")

	requests, err := s.store.GetRequestsByUser(u.UserID)
	s.Require().NoError(err)
	for _, r := range requests {
		s.NotEqual("huge", r.Product, "an oversize query must never create a Request row")
	}
}

func (s *gatewaySuite) TestMalformedUserTokenRejected() {
	httpReq, err := http.NewRequest(http.MethodGet, s.server.URL+"/requests", nil)
	s.Require().NoError(err)
	httpReq.Header.Set("User-Token", "not-a-valid-token")
	resp, err := http.DefaultClient.Do(httpReq)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, body string) error { return nil }

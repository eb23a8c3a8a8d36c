// Command gateway runs the stateless HTTP API: authentication, catalog
// browsing, size estimation, request creation, and result download.
package main

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/geodds/core/access"
	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/api"
	"github.com/relabs-tech/geodds/internal/artifacts"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

// config collects this binary's environment variables in one place,
// matching the teacher's one-struct-per-service convention.
type config struct {
	Postgres csql.Config

	Schema string `env:"POSTGRES_SCHEMA,default=geodds"`
	Addr   string `env:"GATEWAY_ADDR,default=:3000"`

	StorePath string `env:"STORE_PATH,default=/var/geodds/artifacts"`

	QueueName string `env:"QUERY_QUEUE_NAME,default=query_queue"`

	RunningRequestLimit int `env:"RUNNING_REQUEST_LIMIT,default=4"`

	AdminUserID      string `env:"ADMIN_USER_ID"`
	AdminAPIKey      string `env:"ADMIN_API_KEY"`
	AdminContactName string `env:"ADMIN_CONTACT_NAME,default=bootstrap-admin"`
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

	if cfg.AdminAPIKey != "" {
		adminID, err := uuid.Parse(cfg.AdminUserID)
		if err != nil {
			panic(err)
		}
		err = access.EnsureServiceAccounts(db, access.ServiceAccount{
			UserID: adminID, APIKey: cfg.AdminAPIKey,
			ContactName: cfg.AdminContactName, Roles: []string{store.RoleAdmin},
		})
		if err != nil {
			panic(err)
		}
	}

	art, err := artifacts.NewFilesystem(cfg.StorePath)
	if err != nil {
		panic(err)
	}

	pub, err := queue.NewSQS(context.Background(), cfg.QueueName)
	if err != nil {
		panic(err)
	}

	eng := catalog.NewFixture()

	srv := api.New(api.Config{
		RunningRequestLimit: cfg.RunningRequestLimit,
	}, s, eng, art, pub)

	logger.Default().Infoln("gateway listening on", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, srv.Router()); err != nil {
		panic(err)
	}
}

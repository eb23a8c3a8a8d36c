// Package store is the single source of truth for users, roles, requests,
// downloads and workers. All operations map 1:1 to SQL statements against a
// csql-managed Postgres schema; there is no ORM and no in-memory state.
package store

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"embed"
	"encoding/base64"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/geodds/core/csql"
	"github.com/relabs-tech/geodds/core/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is a Request's position in the lifecycle state machine.
type Status string

// The five states of the request lifecycle. Unknown strings read from the
// database map to StatusPending (forward-compatibility rule).
const (
	StatusPending Status = "PENDING"
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// normalizeStatus implements the forward-compatibility rule: any status
// string not among the five known values is treated as PENDING.
func normalizeStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return Status(s)
	default:
		return StatusPending
	}
}

// Reserved role names with special meaning.
const (
	RolePublic   = "public"
	RoleAdmin    = "admin"
	RoleInternal = "internal"
)

// User is an authenticated principal. ApiKey is never serialized to JSON so
// it cannot leak through a read endpoint by accident.
type User struct {
	UserID      uuid.UUID `json:"user_id"`
	ApiKey      string    `json:"-"`
	ContactName string    `json:"contact_name"`
	Roles       []string  `json:"roles"`
}

// Kind distinguishes a plain dataset/product/query request from a
// multi-task workflow submission; the broker uses it to pick the wire
// encoding it publishes to the worker queue.
type Kind string

// The two request kinds.
const (
	KindQuery    Kind = "query"
	KindWorkflow Kind = "workflow"
)

// Request is one execute or workflow call tracked through the state machine.
type Request struct {
	RequestID         int64           `json:"request_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Kind              Kind            `json:"kind"`
	Dataset           string          `json:"dataset"`
	Product           string          `json:"product"`
	Query             json.RawMessage `json:"query"`
	Format            string          `json:"format,omitempty"`
	Status            Status          `json:"status"`
	Priority          int             `json:"priority"`
	EstimateSizeBytes int64           `json:"estimate_size_bytes"`
	WorkerID          *uuid.UUID      `json:"worker_id,omitempty"`
	CreatedOn         time.Time       `json:"created_on"`
	LastUpdate        time.Time       `json:"last_update"`
	FailReason        *string         `json:"fail_reason,omitempty"`
}

// Download describes a successfully produced artifact for a DONE request.
type Download struct {
	DownloadID   int64     `json:"download_id"`
	RequestID    int64     `json:"request_id"`
	LocationPath string    `json:"location_path"`
	DownloadURI  string    `json:"download_uri"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedOn    time.Time `json:"created_on"`
}

// Worker is a registered executor process, kept for attribution and
// diagnostics only.
type Worker struct {
	WorkerID         uuid.UUID `json:"worker_id"`
	Host             string    `json:"host"`
	Status           string    `json:"status"`
	SchedulerPort    int       `json:"scheduler_port"`
	DashboardAddress string    `json:"dashboard_address"`
	CreatedOn        time.Time `json:"created_on"`
}

// Store wraps a schema-scoped Postgres handle with the operations of §4.2.
type Store struct {
	db *csql.DB
}

// New wraps an already-opened database handle; call Migrate to apply the
// schema.
func New(db *csql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the database connection is alive, for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Migrate applies every pending migration under migrations/ to the
// store's schema, through golang-migrate's Postgres driver rather than
// hand-rolled DDL, so schema changes are versioned, ordered, and
// idempotent to rerun on every process startup.
func (s *Store) Migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrate: open embedded migrations: %w", err)
	}

	dbDriver, err := postgres.WithInstance(s.db.DB, &postgres.Config{
		SchemaName:      s.db.Schema,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("store: migrate: postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("store: migrate: new migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// generateToken returns a fresh 32-byte URL-safe token, used for
// auto-generated api keys.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AddUser creates a user with the given roles. If id or apiKey are empty
// they are auto-generated (UUIDv4 and a 32-byte URL-safe token respectively).
func (s *Store) AddUser(name string, id *uuid.UUID, apiKey string, roles []string) (User, error) {
	userID := uuid.New()
	if id != nil {
		userID = *id
	}
	if apiKey == "" {
		token, err := generateToken()
		if err != nil {
			return User{}, fmt.Errorf("store: generate api key: %w", err)
		}
		apiKey = token
	}

	tx, err := s.db.Begin()
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(fmt.Sprintf(
		`INSERT INTO %s.user (user_id, api_key, contact_name) VALUES ($1,$2,$3)`, s.db.Schema),
		userID, apiKey, name)
	if err != nil {
		return User{}, fmt.Errorf("store: add user: %w", err)
	}
	for _, role := range roles {
		_, err = tx.Exec(fmt.Sprintf(
			`INSERT INTO %s.users_roles (user_id, role_name) VALUES ($1,$2) ON CONFLICT DO NOTHING`, s.db.Schema),
			userID, role)
		if err != nil {
			return User{}, fmt.Errorf("store: add user role: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return User{UserID: userID, ApiKey: apiKey, ContactName: name, Roles: roles}, nil
}

// GetUser looks up a user by id, including their roles.
func (s *Store) GetUser(id uuid.UUID) (User, error) {
	var u User
	u.UserID = id
	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT api_key, contact_name FROM %s.user WHERE user_id=$1`, s.db.Schema), id)
	if err := row.Scan(&u.ApiKey, &u.ContactName); err != nil {
		return User{}, err
	}
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT role_name FROM %s.users_roles WHERE user_id=$1`, s.db.Schema), id)
	if err != nil {
		return User{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return User{}, err
		}
		u.Roles = append(u.Roles, role)
	}
	return u, rows.Err()
}

// AuthenticateUser verifies a user id/api-key pair in constant time.
// It returns the user and ok=true on success; an unknown id or a wrong key
// yields ok=false with a nil error.
func (s *Store) AuthenticateUser(id uuid.UUID, apiKey string) (User, bool, error) {
	u, err := s.GetUser(id)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	ok := subtle.ConstantTimeCompare([]byte(u.ApiKey), []byte(apiKey)) == 1
	return u, ok, nil
}

// CreateRequest inserts a new PENDING request and returns its id.
func (s *Store) CreateRequest(userID uuid.UUID, kind Kind, dataset, product string, query json.RawMessage, format string, priority int) (int64, error) {
	var id int64
	row := s.db.QueryRow(fmt.Sprintf(
		`INSERT INTO %s.request (user_id, kind, dataset, product, query, format, status, priority)
		 VALUES ($1,$2,$3,$4,$5,$6,'PENDING',$7) RETURNING request_id`, s.db.Schema),
		userID, string(kind), dataset, product, []byte(query), format, priority)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("store: create request: %w", err)
	}
	return id, nil
}

// UpdateRequestParams carries the optional fields of an UpdateRequest call.
type UpdateRequestParams struct {
	Status       Status
	WorkerID     *uuid.UUID
	LocationPath *string
	SizeBytes    *int64
	FailReason   *string
}

// UpdateRequest transitions a request's status and, if status is DONE and
// LocationPath is non-nil, inserts the corresponding Download row in the
// same transaction.
func (s *Store) UpdateRequest(id int64, p UpdateRequestParams) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(fmt.Sprintf(
		`UPDATE %s.request SET status=$1, worker_id=COALESCE($2, worker_id),
		 fail_reason=$3, last_update=now() WHERE request_id=$4`, s.db.Schema),
		string(p.Status), p.WorkerID, p.FailReason, id)
	if err != nil {
		return fmt.Errorf("store: update request: %w", err)
	}

	if p.Status == StatusDone && p.LocationPath != nil {
		var size int64
		if p.SizeBytes != nil {
			size = *p.SizeBytes
		}
		_, err = tx.Exec(fmt.Sprintf(
			`INSERT INTO %s.download (request_id, location_path, size_bytes)
			 VALUES ($1,$2,$3) ON CONFLICT (request_id) DO NOTHING`, s.db.Schema),
			id, *p.LocationPath, size)
		if err != nil {
			return fmt.Errorf("store: insert download: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) scanRequest(row interface {
	Scan(dest ...interface{}) error
}) (Request, error) {
	var r Request
	var kind, status string
	var rawQuery []byte
	var workerID sql.NullString
	var failReason sql.NullString
	err := row.Scan(&r.RequestID, &r.UserID, &kind, &r.Dataset, &r.Product, &rawQuery, &r.Format,
		&status, &r.Priority, &r.EstimateSizeBytes, &workerID, &r.CreatedOn, &r.LastUpdate, &failReason)
	if err != nil {
		return Request{}, err
	}
	r.Kind = Kind(kind)
	r.Status = normalizeStatus(status)
	r.Query = json.RawMessage(rawQuery)
	if workerID.Valid {
		id, err := uuid.Parse(workerID.String)
		if err == nil {
			r.WorkerID = &id
		}
	}
	if failReason.Valid {
		r.FailReason = &failReason.String
	}
	return r, nil
}

const requestColumns = `request_id, user_id, kind, dataset, product, query, format, status, priority,
	estimate_size_bytes, worker_id, created_on, last_update, fail_reason`

// GetRequest looks up a single request by id.
func (s *Store) GetRequest(id int64) (Request, error) {
	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT %s FROM %s.request WHERE request_id=$1`, requestColumns, s.db.Schema), id)
	return s.scanRequest(row)
}

// GetRequestsByUser returns all requests belonging to a user.
func (s *Store) GetRequestsByUser(userID uuid.UUID) ([]Request, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM %s.request WHERE user_id=$1 ORDER BY created_on`, requestColumns, s.db.Schema), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRequestsByStatus returns requests with the given status, ordered by
// (priority asc, created_on asc) as required by the admission broker.
func (s *Store) GetRequestsByStatus(status Status) ([]Request, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM %s.request WHERE status=$1 ORDER BY priority ASC, created_on ASC`,
		requestColumns, s.db.Schema), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRequestsByUserAndStatuses counts a user's requests across the given
// statuses, used by the admission broker's per-user quota check.
func (s *Store) CountRequestsByUserAndStatuses(userID uuid.UUID, statuses ...Status) (int, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	var count int
	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT count(*) FROM %s.request WHERE user_id=$1 AND status = ANY($2)`, s.db.Schema),
		userID, pq.Array(strs))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// GetDownloadByRequest returns the Download row for a request, if any.
func (s *Store) GetDownloadByRequest(requestID int64) (Download, error) {
	var d Download
	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT download_id, request_id, location_path, download_uri, size_bytes, created_on
		 FROM %s.download WHERE request_id=$1`, s.db.Schema), requestID)
	err := row.Scan(&d.DownloadID, &d.RequestID, &d.LocationPath, &d.DownloadURI, &d.SizeBytes, &d.CreatedOn)
	return d, err
}

// CreateWorker registers a new executor process and returns its id.
func (s *Store) CreateWorker(host string, schedulerPort int, dashboardAddress string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(fmt.Sprintf(
		`INSERT INTO %s.worker (worker_id, host, status, scheduler_port, dashboard_address)
		 VALUES ($1,$2,'running',$3,$4)`, s.db.Schema),
		id, host, schedulerPort, dashboardAddress)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: create worker: %w", err)
	}
	return id, nil
}

// AdmitBatch examines up to limit PENDING requests in (priority,
// created_on) order, admitting — calling publish and flipping the row to
// QUEUED — those whose owning user has fewer than runningLimit concurrent
// QUEUED+RUNNING requests, and leaving the rest PENDING for a later tick.
// The candidate rows are claimed with FOR UPDATE SKIP LOCKED so concurrent
// broker replicas never consider, let alone admit, the same request twice,
// mirroring the teacher's job-claim query in core/backend/jobs.go.
func (s *Store) AdmitBatch(limit, runningLimit int, publish func(Request) error) (admitted int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(fmt.Sprintf(
		`SELECT %s FROM %s.request WHERE status='PENDING'
		 ORDER BY priority ASC, created_on ASC LIMIT $1 FOR UPDATE SKIP LOCKED`,
		requestColumns, s.db.Schema), limit)
	if err != nil {
		return 0, fmt.Errorf("store: claim pending batch: %w", err)
	}
	var candidates []Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	counts := make(map[uuid.UUID]int, len(candidates))
	for _, r := range candidates {
		if _, ok := counts[r.UserID]; !ok {
			var c int
			row := tx.QueryRow(fmt.Sprintf(
				`SELECT count(*) FROM %s.request WHERE user_id=$1 AND status = ANY($2)`, s.db.Schema),
				r.UserID, pq.Array([]string{string(StatusQueued), string(StatusRunning)}))
			if err := row.Scan(&c); err != nil {
				return admitted, err
			}
			counts[r.UserID] = c
		}
		if counts[r.UserID] >= runningLimit {
			continue
		}
		if err := publish(r); err != nil {
			return admitted, fmt.Errorf("store: publish request %d: %w", r.RequestID, err)
		}
		_, err = tx.Exec(fmt.Sprintf(
			`UPDATE %s.request SET status='QUEUED', last_update=now() WHERE request_id=$1`, s.db.Schema),
			r.RequestID)
		if err != nil {
			return admitted, fmt.Errorf("store: mark request %d queued: %w", r.RequestID, err)
		}
		counts[r.UserID]++
		admitted++
	}
	return admitted, tx.Commit()
}

// FindStaleRunning returns requests stuck in RUNNING whose last_update is
// older than the given staleness threshold, for the reaper's recovery scan.
func (s *Store) FindStaleRunning(staleSince time.Time) ([]Request, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT %s FROM %s.request WHERE status='RUNNING' AND last_update < $1`,
		requestColumns, s.db.Schema), staleSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequeueStaleRunning performs the only legal RUNNING→PENDING transition,
// guarded by a status check so it never clobbers a request that has since
// reached a terminal state.
func (s *Store) RequeueStaleRunning(id int64) error {
	res, err := s.db.Exec(fmt.Sprintf(
		`UPDATE %s.request SET status='PENDING', worker_id=NULL, last_update=now()
		 WHERE request_id=$1 AND status='RUNNING'`, s.db.Schema), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		logger.Default().Debugf("store: requeue stale running %d: already left RUNNING", id)
	}
	return nil
}

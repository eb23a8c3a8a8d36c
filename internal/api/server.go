// Package api implements the HTTP gateway: authentication, size-gating,
// request creation, and the read routes over the request store.
package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/geodds/core/access"
	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/artifacts"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/queue"
	"github.com/relabs-tech/geodds/internal/store"
)

// Config configures an API gateway instance.
type Config struct {
	RunningRequestLimit int
	MessageSeparator    string
}

// Server is the stateless HTTP gateway. Any number of replicas may run
// concurrently against the same store/queue.
type Server struct {
	cfg       Config
	store     *store.Store
	catalog   catalog.Engine
	artifacts artifacts.Store
	publisher queue.Publisher
	authCache *access.Cache
	router    *mux.Router
}

// New builds a gateway Server and registers all routes on a fresh router.
func New(cfg Config, s *store.Store, eng catalog.Engine, art artifacts.Store, pub queue.Publisher) *Server {
	if cfg.MessageSeparator == "" {
		cfg.MessageSeparator = queue.DefaultSeparator
	}
	srv := &Server{
		cfg:       cfg,
		store:     s,
		catalog:   eng,
		artifacts: art,
		publisher: pub,
		authCache: access.NewCache(),
		router:    mux.NewRouter(),
	}
	srv.routes()
	return srv
}

// Router returns the underlying mux.Router, wrapped with the ambient
// logging/recovery/CORS/request-id middleware, ready to hand to
// http.ListenAndServe.
func (s *Server) Router() http.Handler {
	// The request logger and X-Request-Id header wrap the whole router, so
	// responses written by the authentication middleware or for unmatched
	// routes carry the id too.
	withID := requestID(s.router)
	handler := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := logger.ContextWithLogger(r.Context())
		withID.ServeHTTP(w, r.WithContext(ctx))
	}))
	handler = cors(handler)
	handler = handlers.RecoveryHandler()(handler)
	handler = handlers.CombinedLoggingHandler(logWriter{}, handler)
	return handler
}

func (s *Server) routes() {
	s.router.Use(s.authenticate)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	access.HandleAuthorizationRoute(s.router)

	s.router.HandleFunc("/datasets", s.handleListDatasets).Methods(http.MethodGet)
	s.router.HandleFunc("/datasets/{dataset}/{product}", s.handleGetProduct).Methods(http.MethodGet)
	s.router.HandleFunc("/datasets/{dataset}/{product}/metadata", s.handleGetMetadata).Methods(http.MethodGet)
	s.router.HandleFunc("/datasets/{dataset}/{product}/estimate", s.handleEstimate).Methods(http.MethodPost)
	s.router.HandleFunc("/datasets/{dataset}/{product}/execute", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/datasets/{dataset}/{product}/workflow", s.handleWorkflow).Methods(http.MethodPost)

	s.router.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	s.router.HandleFunc("/requests/{id}/status", s.handleRequestStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/requests/{id}/size", s.handleRequestSize).Methods(http.MethodGet)
	s.router.HandleFunc("/requests/{id}/uri", s.handleRequestURI).Methods(http.MethodGet)
	s.router.HandleFunc("/download/{id}", s.handleDownload).Methods(http.MethodGet)

	s.router.HandleFunc("/admin/users", s.handleAdminCreateUser).Methods(http.MethodPost)
}

// logWriter adapts the structured logger as an io.Writer sink for the
// gorilla/handlers combined access log.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logger.Default().Info(string(p))
	return len(p), nil
}

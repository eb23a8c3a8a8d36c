package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/geodds/core/access"
	"github.com/relabs-tech/geodds/core/pointers"
	"github.com/relabs-tech/geodds/internal/apierr"
	"github.com/relabs-tech/geodds/internal/catalog"
	"github.com/relabs-tech/geodds/internal/geoquery"
	"github.com/relabs-tech/geodds/internal/sizefmt"
	"github.com/relabs-tech/geodds/internal/store"
)

// lookupProduct fetches a product from the catalog, writing the matching
// apierr response and returning ok=false on any failure: a missing
// dataset/product id is distinguished from a catalog entry that exists but
// is missing a required configuration key (e.g. role), which the catalog
// engine reports as *catalog.ErrMissingKey.
func (s *Server) lookupProduct(w http.ResponseWriter, r *http.Request, dataset, product string) (catalog.Product, bool) {
	p, err := s.catalog.Product(r.Context(), dataset, product)
	if err != nil {
		var missingKey *catalog.ErrMissingKey
		if errors.As(err, &missingKey) {
			apierr.MissingKeyInCatalogEntry(missingKey.Key, missingKey.Dataset).WriteJSON(w)
		} else {
			apierr.MissingProduct(dataset, product).WriteJSON(w)
		}
		return catalog.Product{}, false
	}
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.handleHealthz(w, r)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Service string `json:"service"`
	}{Service: "geodds-gateway"})
}

// eligibleProducts filters a dataset's products down to those the caller's
// roles satisfy, per spec §4.1: anonymous callers see only public products.
func eligibleProducts(auth *access.Authorization, d catalog.Dataset) []catalog.Product {
	var out []catalog.Product
	for _, p := range d.Products {
		if isEligible(auth, p) {
			out = append(out, p)
		}
	}
	return out
}

func isEligible(auth *access.Authorization, p catalog.Product) bool {
	if p.Role == "" || p.Role == store.RolePublic {
		return true
	}
	if auth.IsAdmin() {
		return true
	}
	return auth.HasRole(p.Role)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	datasets, err := s.catalog.Datasets(r.Context())
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	out := make([]catalog.Dataset, 0, len(datasets))
	for _, d := range datasets {
		d.Products = eligibleProducts(auth, d)
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	vars := mux.Vars(r)
	dataset, product := vars["dataset"], vars["product"]

	p, ok := s.lookupProduct(w, r, dataset, product)
	if !ok {
		return
	}
	if !isEligible(auth, p) {
		apierr.AuthorizationFailed().WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dataset, product := vars["dataset"], vars["product"]
	p, ok := s.lookupProduct(w, r, dataset, product)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.Metadata)
}

func (s *Server) readGeoQuery(w http.ResponseWriter, r *http.Request) (*geoquery.GeoQuery, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return nil, false
	}
	if err := geoquery.ValidateSchema(body); err != nil {
		(&apierr.Error{Status: http.StatusBadRequest, Detail: err.Error()}).WriteJSON(w)
		return nil, false
	}
	q, err := geoquery.Parse(body)
	if err != nil {
		(&apierr.Error{Status: http.StatusBadRequest, Detail: err.Error()}).WriteJSON(w)
		return nil, false
	}
	return q, true
}

// checkSizeGate validates dataset/product existence, caller eligibility,
// and the size estimate against the product's configured maximum. It
// returns the estimated bytes on success.
func (s *Server) checkSizeGate(w http.ResponseWriter, r *http.Request, dataset, product string, q *geoquery.GeoQuery) (int64, bool) {
	auth := access.AuthorizationFromContext(r.Context())

	if _, err := s.catalog.Dataset(r.Context(), dataset); err != nil {
		apierr.MissingDataset(dataset).WriteJSON(w)
		return 0, false
	}
	p, ok := s.lookupProduct(w, r, dataset, product)
	if !ok {
		return 0, false
	}
	if !isEligible(auth, p) {
		apierr.AuthorizationFailed().WriteJSON(w)
		return 0, false
	}

	maxGB := p.MaximumQuerySizeGB
	if maxGB == 0 {
		maxGB = 10 // default per spec §4.1
	}

	estimate, err := s.catalog.Estimate(r.Context(), dataset, product, q)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return 0, false
	}
	estimateGB := float64(estimate) / (1024 * 1024 * 1024)
	if estimateGB > maxGB {
		apierr.MaximumAllowedSizeExceeded(dataset, product, estimateGB, maxGB).WriteJSON(w)
		return 0, false
	}
	return estimate, true
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dataset, product := vars["dataset"], vars["product"]
	q, ok := s.readGeoQuery(w, r)
	if !ok {
		return
	}
	if _, ok := s.lookupProduct(w, r, dataset, product); !ok {
		return
	}
	estimate, err := s.catalog.Estimate(r.Context(), dataset, product, q)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}

	if unit := r.URL.Query().Get("units"); unit != "" {
		value, err := sizefmt.Convert(estimate, unit)
		if err != nil {
			(&apierr.Error{Status: http.StatusBadRequest, Detail: err.Error()}).WriteJSON(w)
			return
		}
		writeJSON(w, http.StatusOK, sizefmt.Readable{Value: value, Units: unit})
		return
	}
	writeJSON(w, http.StatusOK, sizefmt.MakeReadable(estimate))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.IsAuthenticated() {
		apierr.AuthorizationFailed().WriteJSON(w)
		return
	}
	vars := mux.Vars(r)
	dataset, product := vars["dataset"], vars["product"]

	q, ok := s.readGeoQuery(w, r)
	if !ok {
		return
	}

	if _, ok := s.checkSizeGate(w, r, dataset, product, q); !ok {
		return
	}

	userID, err := uuid.Parse(auth.UserID)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	format := r.URL.Query().Get("format")
	id, err := s.store.CreateRequest(userID, store.KindQuery, dataset, product,
		json.RawMessage(q.OriginalQueryJSON()), format, 0)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RequestID int64 `json:"request_id"`
	}{RequestID: id})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.IsAuthenticated() {
		apierr.AuthorizationFailed().WriteJSON(w)
		return
	}
	vars := mux.Vars(r)
	dataset, product := vars["dataset"], vars["product"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	tasks, err := geoquery.ParseTaskList(body)
	if err != nil {
		(&apierr.Error{Status: http.StatusBadRequest, Detail: err.Error()}).WriteJSON(w)
		return
	}
	if got := tasks.DatasetID(); got != "<unknown>" && got != dataset {
		(&apierr.Error{Status: http.StatusBadRequest,
			Detail: "workflow subset task references a different dataset than the URL"}).WriteJSON(w)
		return
	}

	p, ok := s.lookupProduct(w, r, dataset, product)
	if !ok {
		return
	}
	if !isEligible(auth, p) {
		apierr.AuthorizationFailed().WriteJSON(w)
		return
	}

	userID, err := uuid.Parse(auth.UserID)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	id, err := s.store.CreateRequest(userID, store.KindWorkflow, dataset, product, json.RawMessage(body), "", 0)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RequestID int64 `json:"request_id"`
	}{RequestID: id})
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.IsAuthenticated() {
		apierr.AuthorizationFailed().WriteJSON(w)
		return
	}
	userID, err := uuid.Parse(auth.UserID)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	reqs, err := s.store.GetRequestsByUser(userID)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// ownedRequest looks up a request by the {id} path var and verifies the
// caller owns it, writing an error response and returning ok=false if not.
func (s *Server) ownedRequest(w http.ResponseWriter, r *http.Request) (store.Request, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.IsAuthenticated() {
		apierr.AuthorizationFailed().WriteJSON(w)
		return store.Request{}, false
	}
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		apierr.RequestNotFound(idStr).WriteJSON(w)
		return store.Request{}, false
	}
	req, err := s.store.GetRequest(id)
	if err == sql.ErrNoRows {
		apierr.RequestNotFound(idStr).WriteJSON(w)
		return store.Request{}, false
	}
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return store.Request{}, false
	}
	if req.UserID.String() != auth.UserID && !auth.IsAdmin() {
		apierr.AuthorizationFailed().WriteJSON(w)
		return store.Request{}, false
	}
	return req, true
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status     store.Status `json:"status"`
		FailReason string       `json:"fail_reason"`
	}{Status: req.Status, FailReason: pointers.SafeString(req.FailReason)})
}

func (s *Server) handleRequestSize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	d, err := s.store.GetDownloadByRequest(req.RequestID)
	if err != nil || d.SizeBytes == 0 {
		apierr.EmptyDataset().WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, d.SizeBytes)
}

func (s *Server) handleRequestURI(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	if req.Status != store.StatusDone {
		apierr.RequestNotYetAccomplished(strconv.FormatInt(req.RequestID, 10)).WriteJSON(w)
		return
	}
	d, err := s.store.GetDownloadByRequest(req.RequestID)
	if err != nil {
		apierr.RequestNotYetAccomplished(strconv.FormatInt(req.RequestID, 10)).WriteJSON(w)
		return
	}
	uri, err := s.artifacts.URI(r.Context(), d.LocationPath)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		DownloadURI string `json:"download_uri"`
	}{DownloadURI: uri})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ownedRequest(w, r)
	if !ok {
		return
	}
	if req.Status != store.StatusDone {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	d, err := s.store.GetDownloadByRequest(req.RequestID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f, err := s.artifacts.Open(r.Context(), d.LocationPath)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	auth := access.AuthorizationFromContext(r.Context())
	if !auth.IsAdmin() {
		apierr.AuthorizationFailed().WriteJSON(w)
		return
	}
	var body struct {
		Name   string   `json:"contact_name"`
		ID     string   `json:"user_id,omitempty"`
		APIKey string   `json:"api_key,omitempty"`
		Roles  []string `json:"roles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		(&apierr.Error{Status: http.StatusBadRequest, Detail: "invalid request body"}).WriteJSON(w)
		return
	}
	var id *uuid.UUID
	if body.ID != "" {
		parsed, err := uuid.Parse(body.ID)
		if err != nil {
			(&apierr.Error{Status: http.StatusBadRequest, Detail: "invalid user_id"}).WriteJSON(w)
			return
		}
		id = &parsed
	}
	u, err := s.store.AddUser(body.Name, id, body.APIKey, body.Roles)
	if err != nil {
		apierr.Internal(err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID string `json:"user_id"`
		APIKey string `json:"api_key"`
	}{UserID: u.UserID.String(), APIKey: u.ApiKey})
}

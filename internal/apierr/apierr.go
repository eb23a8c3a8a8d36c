// Package apierr defines the taxonomy of domain errors the API gateway maps
// to HTTP status codes and {"detail": ...} response bodies.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is a domain error with a fixed HTTP status and a user-facing detail
// message, mirroring the original service's per-exception-type dispatch.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// WriteJSON writes the error as the standard {"detail": ...} response body
// with the error's status code.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(struct {
		Detail string `json:"detail"`
	}{Detail: e.Detail})
}

// EmptyUserToken is returned when the User-Token header has its user id or
// api key part empty. An absent or empty header is treated as anonymous.
func EmptyUserToken() *Error {
	return &Error{Status: http.StatusBadRequest, Detail: "User-Token header is empty!"}
}

// ImproperUserToken is returned when the User-Token header does not contain
// exactly one colon separating the user id from the api key, or when the
// user id part is not a valid UUID.
func ImproperUserToken() *Error {
	return &Error{Status: http.StatusBadRequest, Detail: "User-Token header is malformed!"}
}

// AuthenticationFailed is returned when the supplied api key does not match
// the stored key for the user id.
func AuthenticationFailed() *Error {
	return &Error{Status: http.StatusBadRequest, Detail: "Authentication failed!"}
}

// AuthorizationFailed is returned when an authenticated user lacks the role
// or scope required for the requested operation.
func AuthorizationFailed() *Error {
	return &Error{Status: http.StatusUnauthorized, Detail: "User is not authorized!"}
}

// MissingDataset is returned when the requested dataset id is not present in
// the catalog.
func MissingDataset(dataset string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf("Dataset '%s' does not exist!", dataset)}
}

// MissingProduct is returned when the requested product id is not present
// under the requested dataset in the catalog.
func MissingProduct(dataset, product string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf(
		"Product '%s' for the dataset '%s' does not exist!", product, dataset)}
}

// MissingKeyInCatalogEntry is returned when a catalog entry is missing a
// required key (e.g. role).
func MissingKeyInCatalogEntry(key, dataset string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf(
		"There is a missing '%s' in the catalog for '%s' dataset.", key, dataset)}
}

// MaximumAllowedSizeExceeded is returned when the estimated size of a query
// exceeds the product's configured maximum.
func MaximumAllowedSizeExceeded(dataset, product string, estimatedGB, allowedGB float64) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf(
		"Maximum allowed size for '%s.%s' is %.2f GB but the estimated size is %.2f GB",
		dataset, product, allowedGB, estimatedGB)}
}

// RequestNotFound is returned when a request id does not exist in the store.
func RequestNotFound(requestID string) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: fmt.Sprintf(
		"Request with ID '%s' was not found!", requestID)}
}

// RequestNotYetAccomplished is returned when a download is requested for a
// request that has not yet reached the DONE status.
func RequestNotYetAccomplished(requestID string) *Error {
	return &Error{Status: http.StatusNotFound, Detail: fmt.Sprintf(
		"Request with id: %s does not exist or it is not finished yet!", requestID)}
}

// EmptyDataset is returned by the result-size route when a request has no
// artifact or its artifact is empty.
func EmptyDataset() *Error {
	return &Error{Status: http.StatusBadRequest, Detail: "The query resulted in an empty dataset."}
}

// Internal wraps an unexpected internal error behind a generic 500, never
// leaking the underlying cause to the client.
func Internal(cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Detail: "internal server error"}
}

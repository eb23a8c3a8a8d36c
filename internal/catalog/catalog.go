// Package catalog names the external catalog & query engine collaborator:
// given (dataset, product, query) it can estimate a result size or execute
// the query to produce an on-disk artifact. The real engine is out of
// scope; this package defines the interface plus an in-memory fixture used
// by tests and local development.
package catalog

import (
	"context"
	"fmt"

	"github.com/relabs-tech/geodds/internal/geoquery"
)

// Contact is catalog contact metadata for a dataset.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// License describes the usage terms of a dataset.
type License struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Product is one product within a dataset: the unit of authorization,
// quota, and query.
type Product struct {
	ID                 string                 `json:"id"`
	Role               string                 `json:"role"`
	MaximumQuerySizeGB float64                `json:"maximum_query_size_gb"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// Dataset is a named collection of products.
type Dataset struct {
	ID       string    `json:"id"`
	Contact  Contact   `json:"contact"`
	License  License   `json:"license"`
	Products []Product `json:"products"`
}

// Engine is the out-of-scope catalog & query engine collaborator.
type Engine interface {
	// Datasets lists the full catalog, independent of caller eligibility;
	// the gateway is responsible for filtering by role.
	Datasets(ctx context.Context) ([]Dataset, error)
	// Dataset returns a single dataset by id, or an error if unknown.
	Dataset(ctx context.Context, datasetID string) (Dataset, error)
	// Product returns a single product within a dataset.
	Product(ctx context.Context, datasetID, productID string) (Product, error)
	// Estimate returns the size in bytes a query would produce, without
	// running any compute — read-only, cacheable, and never long-running.
	Estimate(ctx context.Context, datasetID, productID string, q *geoquery.GeoQuery) (int64, error)
	// Execute runs the query and writes its result under outDir, returning
	// the path to the produced artifact.
	Execute(ctx context.Context, datasetID, productID string, q *geoquery.GeoQuery, format, outDir string) (string, error)
}

// ErrMissingKey is returned when a catalog entry is missing a required key.
type ErrMissingKey struct {
	Key     string
	Dataset string
}

func (e *ErrMissingKey) Error() string {
	return fmt.Sprintf("catalog: missing key %q in dataset %q", e.Key, e.Dataset)
}

// ErrPoolFault is wrapped into the error an Engine's Execute returns when the
// failure is not specific to the query but indicates the underlying compute
// pool itself is corrupted (e.g. a dead scheduler, a wedged worker group).
// The executor distinguishes this from an ordinary compute error: the pool
// needs restarting before any further job can be trusted to run on it.
var ErrPoolFault = fmt.Errorf("catalog: compute pool fault")

// Restarter is implemented by engines whose compute pool can be restarted
// in place after ErrPoolFault. Engines that don't implement it are assumed
// to require a full recreation instead.
type Restarter interface {
	// Restart attempts to bring the existing compute pool back to a healthy
	// state without discarding it. An error means restart failed and the
	// caller should recreate the pool from scratch instead.
	Restart(ctx context.Context) error
}

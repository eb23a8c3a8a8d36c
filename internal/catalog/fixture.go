package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relabs-tech/geodds/internal/geoquery"
)

// Fixture is a fully in-memory Engine used by gateway/broker/executor tests
// and local development, standing in for the real catalog & query engine.
// Estimate returns a caller-configured size; Execute writes a small
// placeholder file and returns its path.
type Fixture struct {
	datasets map[string]Dataset
	// EstimateBytes overrides the estimated size per dataset/product, keyed
	// as "dataset/product"; defaults to 1024 when absent.
	EstimateBytes map[string]int64
	// FailProducts forces Execute to return an error for dataset/product
	// keys it contains, simulating a compute failure.
	FailProducts map[string]bool
	// EmptyProducts forces Execute to produce a zero-byte result.
	EmptyProducts map[string]bool
	// FaultProducts forces Execute to return ErrPoolFault for dataset/product
	// keys it contains, simulating pool-level corruption rather than a
	// query-specific failure. Restart clears the fault so the next Execute
	// on the same key succeeds, the way a real pool recovers once restarted.
	FaultProducts map[string]bool
	// restarted counts calls to Restart, for tests asserting recovery ran.
	restarted int
	// RestartFails makes Restart report failure, forcing the executor down
	// the recreate path instead of the in-place restart path.
	RestartFails bool
}

// NewFixture builds a Fixture from a list of datasets.
func NewFixture(datasets ...Dataset) *Fixture {
	f := &Fixture{
		datasets:      make(map[string]Dataset, len(datasets)),
		EstimateBytes: map[string]int64{},
		FailProducts:  map[string]bool{},
		EmptyProducts: map[string]bool{},
	}
	for _, d := range datasets {
		f.datasets[d.ID] = d
	}
	return f
}

// Datasets implements Engine.
func (f *Fixture) Datasets(_ context.Context) ([]Dataset, error) {
	out := make([]Dataset, 0, len(f.datasets))
	for _, d := range f.datasets {
		out = append(out, d)
	}
	return out, nil
}

// Dataset implements Engine.
func (f *Fixture) Dataset(_ context.Context, datasetID string) (Dataset, error) {
	d, ok := f.datasets[datasetID]
	if !ok {
		return Dataset{}, fmt.Errorf("catalog: dataset %q does not exist", datasetID)
	}
	return d, nil
}

// Product implements Engine.
func (f *Fixture) Product(ctx context.Context, datasetID, productID string) (Product, error) {
	d, err := f.Dataset(ctx, datasetID)
	if err != nil {
		return Product{}, err
	}
	for _, p := range d.Products {
		if p.ID == productID {
			if p.Role == "" {
				return Product{}, &ErrMissingKey{Key: "role", Dataset: datasetID}
			}
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("catalog: product %q for dataset %q does not exist", productID, datasetID)
}

// Estimate implements Engine.
func (f *Fixture) Estimate(_ context.Context, datasetID, productID string, _ *geoquery.GeoQuery) (int64, error) {
	if size, ok := f.EstimateBytes[datasetID+"/"+productID]; ok {
		return size, nil
	}
	return 1024, nil
}

// Execute implements Engine.
func (f *Fixture) Execute(_ context.Context, datasetID, productID string, q *geoquery.GeoQuery, format, outDir string) (string, error) {
	key := datasetID + "/" + productID
	if f.FaultProducts[key] {
		return "", fmt.Errorf("catalog: simulated pool fault for %s: %w", key, ErrPoolFault)
	}
	if f.FailProducts[key] {
		return "", fmt.Errorf("catalog: simulated compute failure for %s", key)
	}
	path := filepath.Join(outDir, "result."+extFor(format))
	content := []byte(q.OriginalQueryJSON())
	if f.EmptyProducts[key] {
		content = nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("catalog: write result: %w", err)
	}
	return path, nil
}

// Restart implements catalog.Restarter. It clears every simulated fault so
// the next Execute call succeeds, unless RestartFails is set.
func (f *Fixture) Restart(_ context.Context) error {
	f.restarted++
	if f.RestartFails {
		return fmt.Errorf("catalog: simulated restart failure")
	}
	for k := range f.FaultProducts {
		delete(f.FaultProducts, k)
	}
	return nil
}

// Restarted reports how many times Restart has been called.
func (f *Fixture) Restarted() int {
	return f.restarted
}

func extFor(format string) string {
	if format == "" {
		return "bin"
	}
	return format
}

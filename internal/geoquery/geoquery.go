// Package geoquery models the GeoQuery wire format and the reserved
// "workflow" message type's task DAG.
package geoquery

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// knownFields lists the GeoQuery keys that are not folded into Filters.
var knownFields = map[string]bool{
	"variable":    true,
	"time":        true,
	"area":        true,
	"location":    true,
	"vertical":    true,
	"filters":     true,
	"format":      true,
	"format_args": true,
}

// GeoQuery is the variable/time/area-or-location/vertical/filters query
// body accepted by the execute and estimate routes. Unknown top-level keys
// are lifted into Filters so that round-tripping the original JSON through
// OriginalQueryJSON is lossless.
type GeoQuery struct {
	Variable   interface{}            `json:"variable,omitempty"`
	Time       interface{}            `json:"time,omitempty"`
	Area       map[string]float64     `json:"area,omitempty"`
	Location   map[string]interface{} `json:"location,omitempty"`
	Vertical   interface{}            `json:"vertical,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	Format     string                 `json:"format,omitempty"`
	FormatArgs map[string]interface{} `json:"format_args,omitempty"`

	raw json.RawMessage
}

// Parse unmarshals a GeoQuery from raw JSON, folding any key not in
// knownFields into Filters, and validates the area/location exclusivity
// invariant.
func Parse(data []byte) (*GeoQuery, error) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("geoquery: invalid json: %w", err)
	}

	q := &GeoQuery{Filters: map[string]interface{}{}, raw: append([]byte(nil), data...)}

	for key, val := range values {
		if !knownFields[key] {
			var v interface{}
			if err := json.Unmarshal(val, &v); err != nil {
				return nil, fmt.Errorf("geoquery: invalid value for filter %q: %w", key, err)
			}
			q.Filters[key] = v
			continue
		}
		var err error
		switch key {
		case "variable":
			err = json.Unmarshal(val, &q.Variable)
		case "time":
			err = json.Unmarshal(val, &q.Time)
		case "area":
			err = json.Unmarshal(val, &q.Area)
		case "location":
			err = json.Unmarshal(val, &q.Location)
		case "vertical":
			err = json.Unmarshal(val, &q.Vertical)
		case "format":
			err = json.Unmarshal(val, &q.Format)
		case "format_args":
			err = json.Unmarshal(val, &q.FormatArgs)
		case "filters":
			var explicit map[string]interface{}
			if err = json.Unmarshal(val, &explicit); err == nil {
				for k, v := range explicit {
					q.Filters[k] = v
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("geoquery: invalid value for %q: %w", key, err)
		}
	}

	if len(q.Filters) == 0 {
		q.Filters = nil
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// Validate enforces the area/location mutual-exclusivity invariant.
func (q *GeoQuery) Validate() error {
	if len(q.Area) > 0 && len(q.Location) > 0 {
		return fmt.Errorf("geoquery: area and location cannot be processed together, please use one of them")
	}
	return nil
}

// OriginalQueryJSON returns the query body exactly as submitted, for audit
// and replay. It is the raw bytes handed to Parse, not a re-serialization,
// so it is lossless even across field reordering or unknown extra keys.
func (q *GeoQuery) OriginalQueryJSON() string {
	return string(q.raw)
}

package geoquery

import (
	"embed"

	"github.com/relabs-tech/geodds/core/schema"
)

//go:embed schemas/geoquery.json
var schemaFS embed.FS

var validator *schema.Validator

func init() {
	raw, err := schemaFS.ReadFile("schemas/geoquery.json")
	if err != nil {
		panic("geoquery: missing embedded schema: " + err.Error())
	}
	v, err := schema.NewValidator([]string{string(raw)}, nil)
	if err != nil {
		panic("geoquery: invalid embedded schema: " + err.Error())
	}
	validator = v
}

// ValidateSchema validates raw GeoQuery JSON against the embedded schema
// before Parse attempts to interpret it, so malformed bodies are rejected
// with a precise error rather than silently folded into Filters.
func ValidateSchema(data []byte) error {
	return validator.ValidateString(string(data), "geoquery")
}

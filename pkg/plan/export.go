package plan

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaID is the $id of the generated plan schema.
const SchemaID = "https://github.com/ormasoftchile/plantrace/schemas/plan-v1.json"

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document for Plan.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Plan{})
	s.ID = SchemaID
	s.Title = "plantrace plan"
	s.Description = "An ordered list of think and tool steps"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

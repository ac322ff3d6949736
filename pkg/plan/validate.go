package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError is one problem found in a plan.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidateFile loads path and validates it in three phases: strict decode,
// JSON Schema, then domain rules. The plan is returned whenever it decoded.
func ValidateFile(path string) (*Plan, []*ValidationError) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{Phase: "structural", Message: err.Error(), Severity: "error"}}
	}
	return p, Validate(p)
}

// Validate runs the semantic and domain phases on an already decoded plan.
func Validate(p *Plan) []*ValidationError {
	errs := validateSemantic(p)
	return append(errs, validateDomain(p)...)
}

func validateSemantic(p *Plan) []*ValidationError {
	fail := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf(format, args...), Severity: "error"}}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return fail("generate schema: %v", err)
	}
	schemaDoc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fail("unmarshal schema: %v", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("plan-v1.json", schemaDoc); err != nil {
		return fail("add schema resource: %v", err)
	}
	sch, err := c.Compile("plan-v1.json")
	if err != nil {
		return fail("compile schema: %v", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fail("marshal for schema validation: %v", err)
	}
	doc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fail("unmarshal document: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return fail("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func validateDomain(p *Plan) []*ValidationError {
	var errs []*ValidationError
	add := func(path, severity, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: severity,
		})
	}

	if p.ID == "" {
		add("id", "error", "plan id is required")
	}

	// Duplicate ids and aliases are legal for the runner (later bindings
	// overwrite earlier ones) but almost always a mistake.
	seen := make(map[string]string)
	claim := func(path, key string) {
		if prev, ok := seen[key]; ok {
			add(path, "warning", "binding %q is also written by %s", key, prev)
			return
		}
		seen[key] = path
	}

	for i, s := range p.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			add(path+".id", "error", "step id is required")
		} else {
			claim(path+".id", s.ID)
		}

		switch s.Kind {
		case KindThink:
			if s.Prompt == "" {
				add(path+".prompt", "error", "think step requires a prompt")
			}
			if s.ToolName != "" || s.Input != nil || s.Assign != "" {
				add(path, "warning", "tool fields are ignored on a think step")
			}
		case KindTool:
			if s.ToolName == "" {
				add(path+".toolName", "error", "tool step requires toolName")
			}
			if s.Assign != "" {
				claim(path+".assign", s.Assign)
			}
			if _, err := json.Marshal(s.Input); err != nil {
				add(path+".input", "error", "tool input is not JSON encodable: %v", err)
			}
			if s.Prompt != "" || s.System != "" || len(s.Stop) > 0 {
				add(path, "warning", "think fields are ignored on a tool step")
			}
		default:
			add(path+".kind", "error", "unknown step kind %q, expected %q or %q", s.Kind, KindThink, KindTool)
		}
	}
	return errs
}

package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePlan = `
id: p1
steps:
  - id: t
    kind: think
    prompt: hello
    stop: ["\n"]
  - id: u
    kind: tool
    toolName: add_one
    input: 41
    assign: answer
metadata:
  owner: ops
`

func TestLoad_YAML(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != "p1" || len(p.Steps) != 2 {
		t.Fatalf("plan = %+v", p)
	}

	th, ok := p.Steps[0].Think()
	if !ok {
		t.Fatal("step 0 should be a think step")
	}
	if th.Prompt != "hello" || len(th.Stop) != 1 {
		t.Errorf("think = %+v", th)
	}
	if _, ok := p.Steps[0].Tool(); ok {
		t.Error("think step should not have a tool view")
	}

	tool, ok := p.Steps[1].Tool()
	if !ok {
		t.Fatal("step 1 should be a tool step")
	}
	if tool.ToolName != "add_one" || tool.Assign != "answer" {
		t.Errorf("tool = %+v", tool)
	}
	if tool.Input != 41 {
		t.Errorf("input = %#v, want 41", tool.Input)
	}
	if p.Metadata["owner"] != "ops" {
		t.Errorf("metadata = %v", p.Metadata)
	}
}

func TestLoad_JSON(t *testing.T) {
	p, err := Parse([]byte(`{"id":"p1","steps":[{"id":"u","kind":"tool","toolName":"x","input":{"k":[1,2]}}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in, ok := p.Steps[0].Input.(map[string]any)
	if !ok {
		t.Fatalf("input type = %T", p.Steps[0].Input)
	}
	if list, _ := in["k"].([]any); len(list) != 2 {
		t.Errorf("input = %v", in)
	}
}

func TestLoad_NonStringKeys(t *testing.T) {
	src := `
id: p
steps:
  - id: u
    kind: tool
    toolName: x
    input:
      1: a
      true: b
      nested: [{2: c}]
metadata:
  tags: {3: d}
`
	p, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	in, ok := p.Steps[0].Input.(map[string]any)
	if !ok {
		t.Fatalf("input = %#v, want map[string]any", p.Steps[0].Input)
	}
	if in["1"] != "a" || in["true"] != "b" {
		t.Errorf("input = %v", in)
	}
	nested := in["nested"].([]any)[0].(map[string]any)
	if nested["2"] != "c" {
		t.Errorf("nested = %v", nested)
	}
	if _, err := json.Marshal(p); err != nil {
		t.Errorf("marshal loaded plan: %v", err)
	}
	if HasErrors(Validate(p)) {
		t.Errorf("validate: %v", Validate(p))
	}
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Parse([]byte("id: p\nsteps: []\nbogus: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStepConstructors(t *testing.T) {
	s := NewTool("u", "add_one", 41, "answer")
	if s.Kind != KindTool || s.ToolName != "add_one" || s.Assign != "answer" {
		t.Errorf("tool step = %+v", s)
	}
	s = NewThink("t", "hello")
	if s.Kind != KindThink || s.Prompt != "hello" {
		t.Errorf("think step = %+v", s)
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if doc["$id"] != SchemaID {
		t.Errorf("$id = %v", doc["$id"])
	}
	if !strings.Contains(string(data), "toolName") {
		t.Error("schema should describe toolName")
	}
}

func TestValidateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0o644); err != nil {
		t.Fatal(err)
	}
	p, errs := ValidateFile(path)
	if p == nil {
		t.Fatal("expected plan")
	}
	if HasErrors(errs) {
		for _, e := range errs {
			t.Errorf("unexpected: %v", e)
		}
	}
}

func TestValidate_DomainRules(t *testing.T) {
	tests := []struct {
		name     string
		plan     Plan
		wantPath string
		severity string
	}{
		{
			name:     "missing plan id",
			plan:     Plan{Steps: []Step{NewThink("t", "hi")}},
			wantPath: "id",
			severity: "error",
		},
		{
			name:     "think without prompt",
			plan:     Plan{ID: "p", Steps: []Step{{ID: "t", Kind: KindThink}}},
			wantPath: "steps[0].prompt",
			severity: "error",
		},
		{
			name:     "tool without name",
			plan:     Plan{ID: "p", Steps: []Step{{ID: "u", Kind: KindTool}}},
			wantPath: "steps[0].toolName",
			severity: "error",
		},
		{
			name:     "unknown kind",
			plan:     Plan{ID: "p", Steps: []Step{{ID: "x", Kind: "sleep"}}},
			wantPath: "steps[0].kind",
			severity: "error",
		},
		{
			name:     "duplicate step id",
			plan:     Plan{ID: "p", Steps: []Step{NewThink("t", "a"), NewThink("t", "b")}},
			wantPath: "steps[1].id",
			severity: "warning",
		},
		{
			name:     "alias shadows step",
			plan:     Plan{ID: "p", Steps: []Step{NewThink("t", "a"), NewTool("u", "x", nil, "t")}},
			wantPath: "steps[1].assign",
			severity: "warning",
		},
		{
			name:     "input json cannot encode",
			plan:     Plan{ID: "p", Steps: []Step{NewTool("u", "x", map[any]any{1: "a"}, "")}},
			wantPath: "steps[0].input",
			severity: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(&tt.plan)
			for _, e := range errs {
				if e.Path == tt.wantPath && e.Severity == tt.severity {
					return
				}
			}
			t.Errorf("no %s at %s in %v", tt.severity, tt.wantPath, errs)
		})
	}
}

func TestValidate_WarningsAreNotErrors(t *testing.T) {
	p := Plan{ID: "p", Steps: []Step{NewThink("t", "a"), NewThink("t", "b")}}
	errs := Validate(&p)
	if len(errs) == 0 {
		t.Fatal("expected a warning")
	}
	if HasErrors(errs) {
		t.Errorf("duplicate ids should only warn: %v", errs)
	}
}

package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchemas compiles a registration's schemas on first use.
type compiledSchemas struct {
	name string
	in   json.RawMessage
	out  json.RawMessage

	once   sync.Once
	inSch  *sjsonschema.Schema
	outSch *sjsonschema.Schema
	err    error
}

func newCompiledSchemas(reg Registration) *compiledSchemas {
	return &compiledSchemas{name: reg.Name, in: reg.InputSchema, out: reg.OutputSchema}
}

func (c *compiledSchemas) compile() {
	c.once.Do(func() {
		if len(c.in) > 0 {
			c.inSch, c.err = CompileSchema(c.name+".input.json", c.in)
			if c.err != nil {
				return
			}
		}
		if len(c.out) > 0 {
			c.outSch, c.err = CompileSchema(c.name+".output.json", c.out)
		}
	})
}

func (c *compiledSchemas) checkInput(v any) error {
	if len(c.in) == 0 {
		return nil
	}
	c.compile()
	if c.err != nil {
		return c.err
	}
	if err := Validate(c.inSch, v); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}

func (c *compiledSchemas) checkOutput(v any) error {
	if len(c.out) == 0 {
		return nil
	}
	c.compile()
	if c.err != nil {
		return c.err
	}
	if err := Validate(c.outSch, v); err != nil {
		return fmt.Errorf("output does not match schema: %w", err)
	}
	return nil
}

// CompileSchema compiles a JSON Schema document registered under url.
func CompileSchema(url string, doc json.RawMessage) (*sjsonschema.Schema, error) {
	parsed, err := sjsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", url, err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return sch, nil
}

// Validate checks v against sch. v may be any JSON-marshalable Go value; it is
// normalized through JSON first so Go ints and structs validate like decoded JSON.
func Validate(sch *sjsonschema.Schema, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	inst, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return sch.Validate(inst)
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is a tool backed by an external process, declared in a
// .tool.yaml file. The process receives the step input as JSON on stdin and
// answers on stdout; JSON output is decoded, anything else is kept as text.
type Definition struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description,omitempty"`
	Argv         []string       `yaml:"argv"`
	Env          []string       `yaml:"env,omitempty"` // run env keys passed to the process
	InputSchema  map[string]any `yaml:"input_schema,omitempty"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`
}

// LoadDefinitionFile reads a tool definition. Unknown fields are rejected.
func LoadDefinitionFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tool definition: %w", err)
	}
	defer f.Close()
	return LoadDefinition(f)
}

// LoadDefinition reads a tool definition from r.
func LoadDefinition(r io.Reader) (*Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	if d.Name == "" {
		return nil, errors.New("tool definition: name is required")
	}
	if len(d.Argv) == 0 {
		return nil, fmt.Errorf("tool definition %q: argv is required", d.Name)
	}
	return &d, nil
}

// LoadDir registers every *.tool.yaml file in dir and returns the names registered.
func LoadDir(reg *Registry, dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.tool.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob tool definitions: %w", err)
	}
	var names []string
	for _, p := range paths {
		d, err := LoadDefinitionFile(p)
		if err != nil {
			return names, fmt.Errorf("%s: %w", p, err)
		}
		r, err := d.Registration()
		if err != nil {
			return names, fmt.Errorf("%s: %w", p, err)
		}
		reg.Register(r)
		names = append(names, d.Name)
	}
	return names, nil
}

// Registration converts the definition into a registry entry.
func (d *Definition) Registration() (Registration, error) {
	r := Registration{
		Name:        d.Name,
		Description: d.Description,
		Handler:     Command(d.Argv, d.Env),
	}
	if d.InputSchema != nil {
		data, err := json.Marshal(d.InputSchema)
		if err != nil {
			return Registration{}, fmt.Errorf("input_schema: %w", err)
		}
		r.InputSchema = data
	}
	if d.OutputSchema != nil {
		data, err := json.Marshal(d.OutputSchema)
		if err != nil {
			return Registration{}, fmt.Errorf("output_schema: %w", err)
		}
		r.OutputSchema = data
	}
	return r, nil
}

// Command returns a handler that spawns argv once per invocation. Only the
// run env keys listed in envKeys reach the child process.
func Command(argv []string, envKeys []string) Handler {
	return func(ctx context.Context, input any, tc Context) (any, error) {
		if len(argv) == 0 {
			return nil, errors.New("command tool has no argv")
		}
		stdin, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //#nosec G204 -- argv comes from a tool definition authored by the operator
		cmd.Stdin = bytes.NewReader(stdin)
		cmd.Env = passEnv(tc.Env, envKeys)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.WaitDelay = commandWaitDelay
		killProcessGroup(cmd)

		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("%s exited with code %d: %s", argv[0], exitErr.ExitCode(), strings.TrimSpace(normalizeLineEndings(stderr.String())))
			}
			return nil, fmt.Errorf("exec %q: %w", argv[0], err)
		}

		out := strings.TrimSpace(normalizeLineEndings(stdout.String()))
		var decoded any
		if err := json.Unmarshal([]byte(out), &decoded); err == nil {
			return decoded, nil
		}
		return out, nil
	}
}

// commandWaitDelay bounds how long Run waits for output pipes after the
// process is killed, in case something outside its group still holds them.
const commandWaitDelay = 2 * time.Second

func passEnv(env map[string]string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := env[k]; ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// normalizeLineEndings replaces \r\n with \n for cross-platform consistency.
func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

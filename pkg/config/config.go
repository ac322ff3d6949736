// Package config loads plantrace.toml and turns it into the explicit values
// the runner takes. Nothing here reads the process environment directly;
// callers pass a lookup function (os.LookupEnv in the CLI).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ormasoftchile/plantrace/pkg/bridge"
	"github.com/ormasoftchile/plantrace/pkg/retry"
	"github.com/ormasoftchile/plantrace/pkg/runner"
	"github.com/ormasoftchile/plantrace/pkg/tools"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"golang.org/x/time/rate"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "plantrace.toml"

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// Duration is a time.Duration written as "90s" or "2m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the on-disk configuration.
type Config struct {
	MaxStep   Duration `toml:"max_step"`
	Retries   int      `toml:"retries"`
	TraceDir  string   `toml:"trace_dir"`
	Store     string   `toml:"store"`
	ToolsDir  string   `toml:"tools_dir"`
	LogLevel  string   `toml:"log_level"`
	LogFormat string   `toml:"log_format"`
	NoColor   bool     `toml:"no_color"`

	// Env lists the environment variables handed to tools. Everything else
	// stays invisible to the run.
	Env []string `toml:"env"`
	// SecretEnv lists variables whose values are scrubbed from traces.
	SecretEnv []string              `toml:"secret_env"`
	Redact    []trace.RedactionRule `toml:"redact"`

	Bridge BridgeConfig `toml:"bridge"`
}

// BridgeConfig selects the bridge used for think steps.
type BridgeConfig struct {
	Kind          string  `toml:"kind"`   // echo or scripted
	Script        string  `toml:"script"` // responses file for scripted
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		MaxStep:   Duration{runner.DefaultMaxStep},
		TraceDir:  ".plantrace/traces",
		LogLevel:  "info",
		LogFormat: "text",
		Bridge:    BridgeConfig{Kind: "echo"},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must be >= 0, got %d", c.Retries))
	}
	if c.MaxStep.Duration < 0 {
		errs = append(errs, fmt.Errorf("max_step must be positive, got %s", c.MaxStep))
	}
	switch c.Bridge.Kind {
	case "", "echo":
	case "scripted":
		if c.Bridge.Script == "" {
			errs = append(errs, errors.New("bridge.script is required for the scripted bridge"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bridge kind %q", c.Bridge.Kind))
	}
	if c.Bridge.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("bridge.rate_per_second must be >= 0"))
	}
	if _, err := trace.CompileRedactionRules(c.Redact); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ApplyEnv applies PLANTRACE_* overrides found through lookup.
//
//   - PLANTRACE_MAX_STEP, PLANTRACE_RETRIES
//   - PLANTRACE_TRACE_DIR, PLANTRACE_STORE, PLANTRACE_TOOLS_DIR
//   - PLANTRACE_LOG_LEVEL, PLANTRACE_LOG_FORMAT, PLANTRACE_NO_COLOR
//   - PLANTRACE_BRIDGE, PLANTRACE_BRIDGE_SCRIPT
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PLANTRACE_TRACE_DIR", &c.TraceDir)
	str("PLANTRACE_STORE", &c.Store)
	str("PLANTRACE_TOOLS_DIR", &c.ToolsDir)
	str("PLANTRACE_LOG_LEVEL", &c.LogLevel)
	str("PLANTRACE_LOG_FORMAT", &c.LogFormat)
	str("PLANTRACE_BRIDGE", &c.Bridge.Kind)
	str("PLANTRACE_BRIDGE_SCRIPT", &c.Bridge.Script)

	if v, ok := lookup("PLANTRACE_MAX_STEP"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PLANTRACE_MAX_STEP: %w", err)
		}
		c.MaxStep = Duration{d}
	}
	if v, ok := lookup("PLANTRACE_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLANTRACE_RETRIES: %w", err)
		}
		c.Retries = n
	}
	if v, ok := lookup("PLANTRACE_NO_COLOR"); ok && v != "" {
		c.NoColor = v == "1" || strings.EqualFold(v, "true")
	}
	return c.Validate()
}

// RunEnv returns the allowlisted environment for a run.
func (c *Config) RunEnv(lookup LookupFunc) map[string]string {
	env := make(map[string]string, len(c.Env))
	for _, k := range c.Env {
		if v, ok := lookup(k); ok {
			env[k] = v
		}
	}
	return env
}

// Redactor builds the trace redaction function: regex rules plus the values
// of SecretEnv. Nil when there is nothing to redact.
func (c *Config) Redactor(lookup LookupFunc) (trace.RedactFunc, error) {
	rules, err := trace.CompileRedactionRules(c.Redact)
	if err != nil {
		return nil, err
	}
	var secrets []string
	for _, k := range c.SecretEnv {
		if v, ok := lookup(k); ok {
			secrets = append(secrets, v)
		}
	}
	return trace.Chain(trace.RedactPatterns(rules), trace.RedactValues(secrets...)), nil
}

// NewBridge builds the configured bridge, rate limited when requested.
func (c *Config) NewBridge() (bridge.Bridge, error) {
	var b bridge.Bridge
	switch c.Bridge.Kind {
	case "", "echo":
		b = bridge.Echo{}
	case "scripted":
		s, err := bridge.LoadScript(c.Bridge.Script)
		if err != nil {
			return nil, err
		}
		b = bridge.NewScripted(s)
	default:
		return nil, fmt.Errorf("unknown bridge kind %q", c.Bridge.Kind)
	}

	if c.Bridge.RatePerSecond > 0 {
		burst := c.Bridge.Burst
		if burst < 1 {
			burst = 1
		}
		b = bridge.RateLimited(b, rate.NewLimiter(rate.Limit(c.Bridge.RatePerSecond), burst))
	}
	return b, nil
}

// RunnerConfig assembles the explicit runner configuration.
func (c *Config) RunnerConfig(b bridge.Bridge, reg *tools.Registry, env map[string]string, logger *slog.Logger, rec *trace.Recorder) runner.Config {
	return runner.Config{
		Bridge:   b,
		Tools:    reg,
		MaxStep:  c.MaxStep.Duration,
		Retries:  c.Retries,
		Backoff:  retry.Exponential,
		Env:      env,
		Logger:   logger,
		Recorder: rec,
	}
}

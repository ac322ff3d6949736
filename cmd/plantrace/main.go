package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ormasoftchile/plantrace/pkg/builtin"
	"github.com/ormasoftchile/plantrace/pkg/config"
	"github.com/ormasoftchile/plantrace/pkg/logging"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/tools"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment.
// Lines are KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return
	}
	defer f.Close()
	applyDotEnv(f, os.LookupEnv, os.Setenv)
}

func applyDotEnv(r io.Reader, lookup config.LookupFunc, set func(k, v string) error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Don't overwrite existing env vars
		if cur, ok := lookup(key); !ok || cur == "" {
			set(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:          "plantrace",
	Short:        "Run think/tool plans with a replayable trace",
	Long:         "plantrace runs plans of think and tool steps, records every event to a versioned trace, and replays traces without re-running anything.",
	SilenceUsage: true,
}

// loadConfig reads the config file (the --config flag, or plantrace.toml when
// present) and applies PLANTRACE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		NoColor: cfg.NoColor,
	})
}

// newRegistry registers the builtin tools and any command tools found in
// the configured tools directory.
func newRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return nil, err
	}
	if cfg.ToolsDir == "" {
		return reg, nil
	}
	names, err := tools.LoadDir(reg, cfg.ToolsDir)
	if err != nil {
		return nil, fmt.Errorf("load tools from %s: %w", cfg.ToolsDir, err)
	}
	logger.Debug("loaded command tools", "dir", cfg.ToolsDir, "tools", names)
	return reg, nil
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [plan.yaml]",
	Short: "Validate a plan file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, errs := plan.ValidateFile(args[0])
	if err := reportValidation(cmd.ErrOrStderr(), errs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d steps)\n", p.ID, len(p.Steps))
	return nil
}

// reportValidation prints warnings, then errors, and returns an error when
// any error is present.
func reportValidation(w io.Writer, errs []*plan.ValidationError) error {
	var failures []*plan.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(w, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, "    at: %s\n", e.Path)
			}
			continue
		}
		failures = append(failures, e)
	}
	if len(failures) == 0 {
		return nil
	}
	fmt.Fprintf(w, "Validation failed: %d error(s)\n\n", len(failures))
	for i, e := range failures {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(w, "     at: %s\n", e.Path)
		}
	}
	return fmt.Errorf("validation failed with %d error(s)", len(failures))
}

// loadValidPlan validates path and fails on any error.
func loadValidPlan(w io.Writer, path string) (*plan.Plan, error) {
	p, errs := plan.ValidateFile(path)
	if err := reportValidation(w, errs); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("no plan loaded")
	}
	return p, nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the plan JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := plan.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "plantrace %s (build: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./plantrace.toml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

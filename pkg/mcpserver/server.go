// Package mcpserver exposes a tool registry and the plan runner over MCP.
// Every registered tool becomes an MCP tool of the same name; plan/run and
// plan/replay run or replay whole plans.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/replay"
	"github.com/ormasoftchile/plantrace/pkg/runner"
	"github.com/ormasoftchile/plantrace/pkg/tools"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"github.com/ormasoftchile/plantrace/pkg/tracestore"
)

// Options configures the server.
type Options struct {
	Version string
	// Runtime is the base configuration of plan/run. Its Tools registry is
	// also the set of tools exposed directly. Recorder is ignored; each run
	// gets its own.
	Runtime runner.Config
	// Store archives plan/run traces and serves plan/replay by run id.
	Store *tracestore.Store
	// Redact is applied to every event of plan/run traces.
	Redact trace.RedactFunc
}

// Server is an MCP server over a plantrace runtime.
type Server struct {
	opts Options
	log  *slog.Logger
	mcp  *server.MCPServer
}

// New creates a server and registers its tools.
func New(opts Options) *Server {
	if opts.Runtime.Tools == nil {
		opts.Runtime.Tools = tools.NewRegistry()
	}
	log := opts.Runtime.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		opts: opts,
		log:  log,
		mcp:  server.NewMCPServer("plantrace", opts.Version, server.WithToolCapabilities(true)),
	}

	for _, reg := range opts.Runtime.Tools.List() {
		tool, wrapped := describeTool(reg)
		s.mcp.AddTool(tool, s.handleTool(reg.Name, wrapped))
	}

	s.mcp.AddTool(
		mcp.NewTool("plan/run",
			mcp.WithDescription("Run a plan and return its bindings and trace"),
			mcp.WithString("path", mcp.Description("Path to a plan YAML or JSON file")),
			mcp.WithObject("plan", mcp.Description("Inline plan document, used when path is empty")),
		),
		s.HandleRun,
	)
	s.mcp.AddTool(
		mcp.NewTool("plan/replay",
			mcp.WithDescription("Rebuild a plan's bindings from a recorded trace without running anything"),
			mcp.WithString("path", mcp.Description("Path to a plan YAML or JSON file")),
			mcp.WithObject("plan", mcp.Description("Inline plan document, used when path is empty")),
			mcp.WithString("trace_path", mcp.Description("Path to a trace file")),
			mcp.WithString("run_id", mcp.Description("Archived run id, used when trace_path is empty")),
		),
		s.HandleReplay,
	)
	return s
}

// MCP returns the underlying server, for server.ServeStdio.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// describeTool builds the MCP tool for reg. MCP arguments are always an
// object; a tool whose input is not an object takes it as the "input" argument.
func describeTool(reg tools.Registration) (mcp.Tool, bool) {
	if len(reg.InputSchema) == 0 {
		return mcp.NewTool(reg.Name,
			mcp.WithDescription(reg.Description),
			mcp.WithObject("input", mcp.Description("Tool input")),
		), true
	}
	var probe struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(reg.InputSchema, &probe); err == nil && probe.Type == "object" {
		return mcp.NewToolWithRawSchema(reg.Name, reg.Description, reg.InputSchema), false
	}
	wrappedSchema := fmt.Sprintf(`{"type":"object","properties":{"input":%s},"required":["input"]}`, reg.InputSchema)
	return mcp.NewToolWithRawSchema(reg.Name, reg.Description, json.RawMessage(wrappedSchema)), true
}

func (s *Server) handleTool(name string, wrapped bool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		var input any = args
		if wrapped {
			input = args["input"]
		}
		tc := tools.Context{
			StepID:   name,
			Env:      s.opts.Runtime.Env,
			Logger:   s.log.With("tool", name),
			Bindings: map[string]any{},
		}
		out, err := s.opts.Runtime.Tools.Invoke(ctx, name, input, tc)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(out, false), nil
	}
}

// HandleRun implements plan/run.
func (s *Server) HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := planArgument(req.GetArguments())
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if errs := plan.Validate(p); plan.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}

	cfg := s.opts.Runtime
	if s.opts.Redact != nil {
		cfg.Recorder = trace.NewRecorder(trace.WithRedactor(s.opts.Redact))
	} else {
		cfg.Recorder = trace.NewRecorder()
	}
	runID := tracestore.NewRunID()
	res, runErr := runner.Run(ctx, p, cfg)

	response := map[string]any{
		"runId":    runID,
		"ok":       runErr == nil,
		"bindings": res.Bindings,
		"trace":    res.Trace,
	}
	if runErr != nil {
		response["error"] = runErr.Error()
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.Save(ctx, runID, p.ID, res.Trace); err != nil {
			s.log.Warn("archive trace failed", "run_id", runID, "error", err)
		}
	}
	return jsonResult(response, runErr != nil), nil
}

// HandleReplay implements plan/replay.
func (s *Server) HandleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	p, err := planArgument(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var t *trace.Trace
	tracePath, _ := args["trace_path"].(string)
	runID, _ := args["run_id"].(string)
	switch {
	case tracePath != "":
		t, err = trace.Load(tracePath)
	case runID != "" && s.opts.Store != nil:
		t, err = s.opts.Store.Get(ctx, runID)
	case runID != "":
		err = fmt.Errorf("run_id given but no trace store is configured")
	default:
		err = fmt.Errorf("trace_path or run_id argument is required")
	}
	if err != nil {
		return errorResult(err.Error()), nil
	}

	bindings, err := replay.Replay(p, t)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"bindings": bindings}, false), nil
}

func planArgument(args map[string]any) (*plan.Plan, error) {
	if path, _ := args["path"].(string); path != "" {
		return plan.LoadFile(path)
	}
	inline, ok := args["plan"]
	if !ok || inline == nil {
		return nil, fmt.Errorf("path or plan argument is required")
	}
	data, err := json.Marshal(inline)
	if err != nil {
		return nil, fmt.Errorf("encode plan argument: %w", err)
	}
	return plan.Load(bytes.NewReader(data))
}

func formatErrors(errs []*plan.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, e.Error())
		}
	}
	return strings.Join(msgs, "; ")
}

func jsonResult(v any, isErr bool) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: isErr,
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

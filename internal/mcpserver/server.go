// Package mcpserver exposes the generation pipeline as MCP tools.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/metalagman/appforge/internal/db"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// Runner executes one generation request.
type Runner interface {
	Run(ctx context.Context, request string, blueprint model.Blueprint) (pipeline.Result, error)
}

// History lists past runs.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]db.RunRecord, error)
}

// GenerateInput is the generate_app tool input.
type GenerateInput struct {
	Request   string           `json:"request"             jsonschema:"description of the application to build"`
	Blueprint *model.Blueprint `json:"blueprint,omitempty" jsonschema:"optional approved blueprint; planning is skipped when set"`
}

// FindingOutput is an unresolved issue in the tool output.
type FindingOutput struct {
	Severity    string `json:"severity"`
	File        string `json:"file,omitempty"`
	Description string `json:"description"`
}

// GenerateOutput is the generate_app tool output.
type GenerateOutput struct {
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	OutputDir string          `json:"output_dir,omitempty"`
	Files     []string        `json:"files"`
	Findings  []FindingOutput `json:"findings,omitempty"`
	Caveats   []string        `json:"caveats,omitempty"`
}

// ListRunsInput is the list_runs tool input.
type ListRunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs to return, newest first"`
}

// RunSummary is one run in the list_runs output.
type RunSummary struct {
	RunID     string `json:"run_id"`
	CreatedAt string `json:"created_at"`
	Status    string `json:"status"`
	Request   string `json:"request"`
	OutputDir string `json:"output_dir,omitempty"`
}

// ListRunsOutput is the list_runs tool output.
type ListRunsOutput struct {
	Runs []RunSummary `json:"runs"`
}

// Server wires the tools to a pipeline.
type Server struct {
	runner  Runner
	history History
	version string
}

// New creates the tool server. history may be nil.
func New(runner Runner, history History, version string) *Server {
	return &Server{runner: runner, history: history, version: version}
}

// MCP builds the protocol server with every tool registered.
func (s *Server) MCP() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "appforge", Version: s.version}, nil)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "generate_app",
		Description: "Generate a small self-contained application from a natural language request.",
	}, s.GenerateApp)
	if s.history != nil {
		mcp.AddTool(srv, &mcp.Tool{
			Name:        "list_runs",
			Description: "List recent generation runs.",
		}, s.ListRuns)
	}
	return srv
}

// Serve speaks MCP over stdio until the client disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	log.Info().Msg("mcp server listening on stdio")
	if err := s.MCP().Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// GenerateApp handles the generate_app tool.
func (s *Server) GenerateApp(ctx context.Context, _ *mcp.CallToolRequest, in GenerateInput) (*mcp.CallToolResult, GenerateOutput, error) {
	var bp model.Blueprint
	if in.Blueprint != nil {
		bp = *in.Blueprint
	}
	res, err := s.runner.Run(ctx, in.Request, bp)
	if err != nil {
		return nil, GenerateOutput{}, err
	}

	out := GenerateOutput{
		RunID:     res.RunID,
		Status:    res.Status,
		Reason:    res.Reason,
		OutputDir: res.OutputDir,
		Caveats:   res.Caveats,
		Files:     make([]string, 0, len(res.Artifacts)),
	}
	for name := range res.Artifacts {
		out.Files = append(out.Files, name)
	}
	slices.Sort(out.Files)
	for _, f := range res.Findings {
		out.Findings = append(out.Findings, FindingOutput{
			Severity:    string(f.Severity),
			File:        f.TargetFile,
			Description: f.Description,
		})
	}
	return nil, out, nil
}

// ListRuns handles the list_runs tool.
func (s *Server) ListRuns(ctx context.Context, _ *mcp.CallToolRequest, in ListRunsInput) (*mcp.CallToolResult, ListRunsOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.history.ListRuns(ctx, limit)
	if err != nil {
		return nil, ListRunsOutput{}, err
	}
	out := ListRunsOutput{Runs: make([]RunSummary, 0, len(runs))}
	for _, r := range runs {
		out.Runs = append(out.Runs, RunSummary{
			RunID:     r.RunID,
			CreatedAt: r.CreatedAt.Format("2006-01-02 15:04:05"),
			Status:    r.Status,
			Request:   r.Request,
			OutputDir: r.OutputDir,
		})
	}
	return nil, out, nil
}

// Package mcp exposes the expression debugger and issue classification as
// MCP tools so AI agents can inspect mappings.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
)

// DebugStore runs a stored mapping against a response.
type DebugStore interface {
	DebugMapping(ctx context.Context, id string, response fhir.Resource) (fhir.Resource, error)
}

// Options configures the server. Store is optional; without it the
// mapdebug/debug tool is not offered.
type Options struct {
	Store     DebugStore
	Evaluator evaluator.Evaluator
}

// NewServer creates a new MCP server with mapdebug tools registered.
func NewServer(version string, opts Options) *server.MCPServer {
	s := server.NewMCPServer(
		"mapdebug",
		version,
		server.WithToolCapabilities(true),
	)
	h := &Handlers{store: opts.Store, facade: evaluator.NewFacade(opts.Evaluator)}

	s.AddTool(
		mcp.NewTool("mapdebug/evaluate",
			mcp.WithDescription("Evaluate an expression against a launch context or QuestionnaireResponse. Expressions starting with %Name use the launch context entry Name."),
			mcp.WithString("expression", mcp.Required(), mcp.Description("Expression, e.g. %Patient.name or status")),
			mcp.WithString("launch", mcp.Description("Launch context Parameters: inline JSON or a file path")),
			mcp.WithString("response", mcp.Description("QuestionnaireResponse: inline JSON or a file path")),
		),
		h.HandleEvaluate,
	)

	s.AddTool(
		mcp.NewTool("mapdebug/classify",
			mcp.WithDescription("Split the issues of a failed Questionnaire save into mapping slots that can be fixed by creating Mapping records and issues to report as-is"),
			mcp.WithString("outcome", mcp.Required(), mcp.Description("OperationOutcome: inline JSON or a file path")),
			mcp.WithString("questionnaire", mcp.Required(), mcp.Description("Questionnaire that was saved: inline JSON or a file path")),
		),
		HandleClassify,
	)

	s.AddTool(
		mcp.NewTool("mapdebug/render",
			mcp.WithDescription("Expand a mapping body locally against a QuestionnaireResponse without contacting the store"),
			mcp.WithString("mapping", mcp.Required(), mcp.Description("Mapping resource: inline JSON or a file path")),
			mcp.WithString("response", mcp.Required(), mcp.Description("QuestionnaireResponse: inline JSON or a file path")),
			mcp.WithString("launch", mcp.Description("Launch context Parameters: inline JSON or a file path")),
		),
		h.HandleRender,
	)

	if opts.Store != nil {
		s.AddTool(
			mcp.NewTool("mapdebug/debug",
				mcp.WithDescription("Run a stored mapping through the store's $debug operation"),
				mcp.WithString("mapping_id", mcp.Required(), mcp.Description("Mapping id")),
				mcp.WithString("response", mcp.Required(), mcp.Description("QuestionnaireResponse: inline JSON or a file path")),
			),
			h.HandleDebug,
		)
	}

	s.AddTool(
		mcp.NewTool("mapdebug/schema",
			mcp.WithDescription("Export the JSON Schema of the mapdebug configuration file"),
			mcp.WithString("type", mcp.Description("Schema type: config (default)")),
		),
		HandleSchema,
	)

	return s
}

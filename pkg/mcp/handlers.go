package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/mapdebug/pkg/config"
	"github.com/ormasoftchile/mapdebug/pkg/evalctx"
	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/issues"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
	"github.com/ormasoftchile/mapdebug/pkg/sandbox"
)

// Handlers carries what the stateful tools need.
type Handlers struct {
	store  DebugStore
	facade *evaluator.Facade
}

// HandleEvaluate implements the mapdebug/evaluate MCP tool.
func (h *Handlers) HandleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	expression, _ := args["expression"].(string)
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return errorResult("expression argument is required"), nil
	}

	launch := fhir.NewParameters()
	if arg, _ := args["launch"].(string); arg != "" {
		if err := loadDoc(arg, &launch); err != nil {
			return errorResult(fmt.Sprintf("launch: %s", err)), nil
		}
	}
	response := remote.Data[fhir.Resource]{}
	if arg, _ := args["response"].(string); arg != "" {
		var r fhir.Resource
		if err := loadDoc(arg, &r); err != nil {
			return errorResult(fmt.Sprintf("response: %s", err)), nil
		}
		response = remote.Succeed(r)
	}

	target := evalctx.Target{Kind: evalctx.KindOf(expression), Expression: expression}
	res, ok := evalctx.Resolve(target, launch, response)
	if !ok {
		if target.Kind == evalctx.KindLaunchContext {
			return errorResult(fmt.Sprintf("launch context has no value for %%%s", evalctx.LeadingIdentifier(expression))), nil
		}
		return errorResult("a QuestionnaireResponse is required for this expression"), nil
	}
	return textResult(h.facade.EvaluateForDisplay(res.Root, expression, res.Vars.Map())), nil
}

type slotReport struct {
	Issue  int    `json:"issue"`
	Slot   int    `json:"slot"`
	SlotID string `json:"slotId"`
}

type issueReport struct {
	Issue   int    `json:"issue"`
	Message string `json:"message"`
}

type classification struct {
	Resolvable   []slotReport  `json:"resolvable"`
	Unresolvable []issueReport `json:"unresolvable"`
}

// HandleClassify implements the mapdebug/classify MCP tool.
func HandleClassify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	outcomeArg, _ := args["outcome"].(string)
	qArg, _ := args["questionnaire"].(string)
	if outcomeArg == "" || qArg == "" {
		return errorResult("outcome and questionnaire arguments are required"), nil
	}

	var outcome fhir.OperationOutcome
	if err := loadDoc(outcomeArg, &outcome); err != nil {
		return errorResult(fmt.Sprintf("outcome: %s", err)), nil
	}
	if !outcome.IsOutcome() {
		return errorResult("outcome is not an OperationOutcome"), nil
	}
	var q fhir.Questionnaire
	if err := loadDoc(qArg, &q); err != nil {
		return errorResult(fmt.Sprintf("questionnaire: %s", err)), nil
	}

	resolvable, unresolvable := issues.Partition(&outcome, &q)
	out := classification{Resolvable: []slotReport{}, Unresolvable: []issueReport{}}
	for _, r := range resolvable {
		out.Resolvable = append(out.Resolvable, slotReport{Issue: r.IssueIndex, Slot: r.SlotIndex, SlotID: r.SlotID})
	}
	for _, idx := range unresolvable {
		out.Unresolvable = append(out.Unresolvable, issueReport{Issue: idx, Message: notify.FormatOutcome(&outcome, idx)})
	}
	return jsonResult(out), nil
}

// HandleRender implements the mapdebug/render MCP tool.
func (h *Handlers) HandleRender(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	mappingArg, _ := args["mapping"].(string)
	responseArg, _ := args["response"].(string)
	if mappingArg == "" || responseArg == "" {
		return errorResult("mapping and response arguments are required"), nil
	}

	var m, qr fhir.Resource
	if err := loadDoc(mappingArg, &m); err != nil {
		return errorResult(fmt.Sprintf("mapping: %s", err)), nil
	}
	if err := loadDoc(responseArg, &qr); err != nil {
		return errorResult(fmt.Sprintf("response: %s", err)), nil
	}
	vars := map[string]any{fhir.TypeQuestionnaireResponse: qr}
	if arg, _ := args["launch"].(string); arg != "" {
		var launch fhir.Parameters
		if err := loadDoc(arg, &launch); err != nil {
			return errorResult(fmt.Sprintf("launch: %s", err)), nil
		}
		for _, p := range launch.Parameter {
			if c := p.Content(); c != nil {
				vars[p.Name] = c
			}
		}
	}

	out, err := sandbox.Render(h.facade.Evaluator, m["body"], qr, vars)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return yamlResult(out), nil
}

// HandleDebug implements the mapdebug/debug MCP tool.
func (h *Handlers) HandleDebug(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, _ := args["mapping_id"].(string)
	responseArg, _ := args["response"].(string)
	if id == "" || responseArg == "" {
		return errorResult("mapping_id and response arguments are required"), nil
	}
	if h.store == nil {
		return errorResult("no resource store configured"), nil
	}
	var qr fhir.Resource
	if err := loadDoc(responseArg, &qr); err != nil {
		return errorResult(fmt.Sprintf("response: %s", err)), nil
	}
	preview, err := h.store.DebugMapping(ctx, id, qr)
	if err != nil {
		return errorResult(notify.FormatError(err, -1)), nil
	}
	return yamlResult(preview), nil
}

// HandleSchema implements the mapdebug/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if kind, _ := args["type"].(string); kind != "" && kind != "config" {
		return errorResult(fmt.Sprintf("unknown schema type %q (supported: config)", kind)), nil
	}
	data, err := config.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// loadDoc decodes arg as inline JSON when it looks like an object, and as a
// JSON or YAML file path otherwise.
func loadDoc(arg string, v any) error {
	trimmed := strings.TrimSpace(arg)
	if strings.HasPrefix(trimmed, "{") {
		return fhir.Decode([]byte(trimmed), v)
	}
	return fhir.LoadFile(trimmed, v)
}

func yamlResult(v any) *mcp.CallToolResult {
	text, err := evaluator.Render(v)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(text)
}

func jsonResult(v any) *mcp.CallToolResult {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errorResult(err.Error())
	}
	return textResult(buf.String())
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}

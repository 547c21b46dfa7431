package debugger

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ormasoftchile/mapdebug/pkg/evalctx"
	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
	"github.com/ormasoftchile/mapdebug/pkg/workspace"
)

// handleEval evaluates an expression typed at the prompt.
func (d *Debugger) handleEval(expression string) error {
	if expression == "" {
		return fmt.Errorf("usage: eval <expression>")
	}
	d.evaluate(evalctx.Target{Kind: evalctx.KindOf(expression), Expression: expression})
	return nil
}

// handleLine evaluates the expression on a 1-based document line.
func (d *Debugger) handleLine(arg string) error {
	n, err := lineNumber(arg)
	if err != nil {
		return err
	}
	target, err := evalctx.LineTarget(d.document, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.output, "  %s\n", target.Expression)
	d.evaluate(target)
	return nil
}

// handleEdit replaces the expression on a line and evaluates the result.
func (d *Debugger) handleEdit(rest string) error {
	arg, expression, _ := strings.Cut(rest, " ")
	n, err := lineNumber(arg)
	if err != nil {
		return err
	}
	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("usage: edit <line> <expression>")
	}
	text, err := evalctx.ReplaceLine(d.document, n, expression)
	if err != nil {
		return err
	}
	d.document = text
	return d.handleLine(arg)
}

func lineNumber(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("expected a line number, got %q", arg)
	}
	return n - 1, nil
}

func (d *Debugger) evaluate(target evalctx.Target) {
	out, ok := d.ws.Evaluate(target)
	if !ok {
		switch target.Kind {
		case evalctx.KindLaunchContext:
			fmt.Fprintf(d.output, "  (no launch context value for %%%s)\n", evalctx.LeadingIdentifier(target.Expression))
		default:
			fmt.Fprintf(d.output, "  (response not loaded)\n")
		}
		return
	}
	if target.Kind == evalctx.KindLaunchContext {
		if p, ok := d.ws.MatchedLaunchParameter(); ok {
			fmt.Fprintf(d.output, "  [%s]\n", p.Name)
		}
	}
	for _, l := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		fmt.Fprintf(d.output, "  %s\n", l)
	}
}

// handleList prints the document with line numbers.
func (d *Debugger) handleList() {
	if d.document == "" {
		fmt.Fprintf(d.output, "No document loaded. Use 'open <file>'.\n")
		return
	}
	for i, l := range strings.Split(d.document, "\n") {
		fmt.Fprintf(d.output, "%4d  %s\n", i+1, l)
	}
}

func (d *Debugger) handleOpen(path string) error {
	if path == "" {
		return fmt.Errorf("usage: open <file>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	d.SetDocument(path, string(data))
	fmt.Fprintf(d.output, "Loaded %s (%d lines).\n", path, strings.Count(d.document, "\n")+1)
	return nil
}

func (d *Debugger) handleWrite() error {
	if d.path == "" {
		return fmt.Errorf("no file to write; use 'open <file>' first")
	}
	if err := os.WriteFile(d.path, []byte(d.document), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	fmt.Fprintf(d.output, "Wrote %s.\n", d.path)
	return nil
}

// handleMappings lists mapping slots, marking the active one.
func (d *Debugger) handleMappings() {
	mappings := d.ws.Mappings()
	if len(mappings) == 0 {
		fmt.Fprintf(d.output, "No mappings.\n")
		return
	}
	active := d.ws.Session.Snapshot().MappingID
	for _, m := range mappings {
		marker := " "
		if m.ID == active {
			marker = "*"
		}
		fmt.Fprintf(d.output, " %s %s\n", marker, m.ID)
	}
}

func (d *Debugger) handleSelect(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("usage: select <mapping-id>")
	}
	d.ws.Session.SelectMapping(ctx, id)
	d.ws.Session.Wait()
	fmt.Fprintf(d.output, "Selected %s.\n", id)
	d.handlePreview()
	return nil
}

// handlePreview prints the debug result for the active mapping.
func (d *Debugger) handlePreview() {
	d.printData("preview", d.ws.Session.Snapshot().Preview)
}

func (d *Debugger) handleResponse() {
	d.printData("response", d.ws.Session.Snapshot().Response)
}

func (d *Debugger) printData(what string, data remote.Data[fhir.Resource]) {
	switch data.Status {
	case remote.NotAsked:
		fmt.Fprintf(d.output, "No %s yet.\n", what)
	case remote.Loading:
		fmt.Fprintf(d.output, "Loading %s...\n", what)
	case remote.Failure:
		fmt.Fprintf(d.output, "%s failed: %s\n", what, notify.FormatError(data.Err, -1))
	case remote.Success:
		text, err := evaluator.Render(data.Value)
		if err != nil {
			fmt.Fprintf(d.output, "Error: %v\n", err)
			return
		}
		fmt.Fprint(d.output, text)
	}
}

// handleLaunch edits the launch context: launch set <name> <file> | launch rm <name>.
func (d *Debugger) handleLaunch(ctx context.Context, rest string) error {
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		d.handleVars()
		return nil
	}
	switch {
	case parts[0] == "set" && len(parts) == 3:
		r, err := fhir.LoadResource(parts[2])
		if err != nil {
			return err
		}
		if err := d.ws.UpdateLaunch(ctx, workspace.SetLaunchResource{Name: parts[1], Resource: r}); err != nil {
			return err
		}
		fmt.Fprintf(d.output, "Launch %s = %s/%s\n", parts[1], r.Type(), r.ID())
	case parts[0] == "rm" && len(parts) == 2:
		if err := d.ws.UpdateLaunch(ctx, workspace.RemoveLaunchResource{Name: parts[1]}); err != nil {
			return err
		}
		fmt.Fprintf(d.output, "Launch %s cleared.\n", parts[1])
	default:
		return fmt.Errorf("usage: launch set <name> <file> | launch rm <name>")
	}
	return nil
}

// handleVars shows the launch context parameters.
func (d *Debugger) handleVars() {
	launch := d.ws.Launch()
	if len(launch.Parameter) == 0 {
		fmt.Fprintf(d.output, "No launch context declared.\n")
		return
	}
	for _, p := range launch.Parameter {
		switch {
		case p.Resource != nil:
			fmt.Fprintf(d.output, "  %%%s = %s/%s\n", p.Name, p.Resource.Type(), p.Resource.ID())
		case p.Value != nil:
			fmt.Fprintf(d.output, "  %%%s = %v\n", p.Name, p.Value)
		default:
			fmt.Fprintf(d.output, "  %%%s (empty)\n", p.Name)
		}
	}
}

// handleErrors lists the errors shown in both panels.
func (d *Debugger) handleErrors() {
	state := d.ws.Errors()
	empty := true
	for _, panel := range []notify.Panel{notify.PanelQuestionnaire, notify.PanelMapping} {
		for _, n := range state.Notifications(panel) {
			empty = false
			fmt.Fprintf(d.output, "  %s: %s\n", panel, notify.Line(n))
		}
	}
	if empty {
		fmt.Fprintf(d.output, "No errors.\n")
	}
}

// handleHelp displays available commands.
func (d *Debugger) handleHelp() {
	help := `Commands:
  eval <expr>              (e)  Evaluate an expression; %Name.x uses the launch context
  line <n>                 (l)  Evaluate the expression on line n of the document
  edit <n> <expr>               Replace the expression on line n and evaluate it
  list                     (ls) Show the document with line numbers
  open <file>                   Load an expression document
  write                    (w)  Save the document back to its file
  mappings                 (m)  List mappings (* marks the active one)
  select <id>              (s)  Make a mapping active and debug it
  reload                        Reload the active mapping and debug it again
  preview                  (p)  Show the debug result of the active mapping
  response                 (r)  Show the populated QuestionnaireResponse
  launch set <name> <file>      Attach a resource to a launch context entry
  launch rm <name>              Clear a launch context entry
  vars                     (v)  Show the launch context
  errors                        Show questionnaire and mapping errors
  apply                         Run $extract with the current response
  help                     (?)  Show this help
  quit                     (q)  Exit debugger
`
	fmt.Fprint(d.output, help)
}

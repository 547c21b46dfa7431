// Package debugger implements the interactive expression debugger: a REPL
// that evaluates FHIRPath-style expressions against the launch context or
// the populated QuestionnaireResponse of a workspace.
package debugger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/mapdebug/pkg/workspace"
)

// Debugger provides an interactive REPL over one workspace.
type Debugger struct {
	ws     *workspace.Workspace
	output io.Writer
	rl     *readline.Instance

	// document is the expression text being debugged, one expression per
	// line prefixed with "$ ".
	document string
	path     string
}

// New creates a debugger for ws.
func New(ws *workspace.Workspace) *Debugger {
	return &Debugger{ws: ws, output: os.Stdout}
}

// SetOutput redirects command output.
func (d *Debugger) SetOutput(w io.Writer) { d.output = w }

// SetDocument replaces the expression document.
func (d *Debugger) SetDocument(path, text string) {
	d.path = path
	d.document = text
}

// Document returns the expression document.
func (d *Debugger) Document() string { return d.document }

var commandNames = []string{"eval", "line", "edit", "list", "open", "write",
	"mappings", "select", "reload", "preview", "response", "launch set", "launch rm",
	"vars", "errors", "apply", "help", "quit"}

// Run starts the interactive REPL loop.
func (d *Debugger) Run(ctx context.Context) error {
	completer := readline.NewPrefixCompleter()
	for _, cmd := range commandNames {
		completer.Children = append(completer.Children, readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          d.buildPrompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	d.rl = rl
	defer rl.Close()
	d.output = rl.Stdout()

	fmt.Fprintf(d.output, "mapdebug debugger: Questionnaire/%s, %d mappings\n", d.ws.ID, len(d.ws.Mappings()))
	fmt.Fprintf(d.output, "Type 'help' for available commands.\n\n")

	for {
		rl.SetPrompt(d.buildPrompt())
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}
		if d.Exec(ctx, line) {
			return nil
		}
	}
}

// Exec runs one command line and reports whether the session should end.
func (d *Debugger) Exec(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch cmd {
	case "eval", "e":
		err = d.handleEval(rest)
	case "line", "l":
		err = d.handleLine(rest)
	case "edit":
		err = d.handleEdit(rest)
	case "list", "ls":
		d.handleList()
	case "open":
		err = d.handleOpen(rest)
	case "write", "w":
		err = d.handleWrite()
	case "mappings", "m":
		d.handleMappings()
	case "select", "s":
		err = d.handleSelect(ctx, rest)
	case "reload":
		d.ws.Session.ReloadMapping(ctx)
		d.ws.Session.Wait()
		d.handlePreview()
	case "preview", "p":
		d.handlePreview()
	case "response", "r":
		d.handleResponse()
	case "launch":
		err = d.handleLaunch(ctx, rest)
	case "vars", "v":
		d.handleVars()
	case "errors":
		d.handleErrors()
	case "apply":
		err = d.ws.ApplyMappings(ctx)
		if err == nil {
			fmt.Fprintf(d.output, "Mappings applied.\n")
		}
	case "help", "?":
		d.handleHelp()
	case "quit", "q":
		fmt.Fprintf(d.output, "Exiting debugger.\n")
		return true
	default:
		fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(d.output, "Error: %v\n", err)
	}
	return false
}

// buildPrompt creates the prompt string: mapdebug[questionnaire | mapping]>
func (d *Debugger) buildPrompt() string {
	mapping := d.ws.Session.Snapshot().MappingID
	if mapping == "" {
		mapping = "no mapping"
	}
	return fmt.Sprintf("mapdebug[%s | %s]> ", d.ws.ID, mapping)
}

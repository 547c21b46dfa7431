package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/mapdebug/pkg/debugger"
	"github.com/ormasoftchile/mapdebug/pkg/debugsession"
	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/evalctx"
	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
	"github.com/ormasoftchile/mapdebug/pkg/tui"
	"github.com/ormasoftchile/mapdebug/pkg/watch"
	"github.com/ormasoftchile/mapdebug/pkg/workspace"
)

// launchFlags is shared by every command that populates a response.
var launchFlags []string

// parseLaunch turns repeated Name=file flags into launch context events.
func parseLaunch(specs []string) ([]workspace.LaunchEvent, error) {
	events := make([]workspace.LaunchEvent, 0, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --launch %q: expected Name=file", spec)
		}
		r, err := fhir.LoadResource(path)
		if err != nil {
			return nil, fmt.Errorf("--launch %s: %w", name, err)
		}
		events = append(events, workspace.SetLaunchResource{Name: name, Resource: r})
	}
	return events, nil
}

// openSession loads the workspace and applies --launch resources.
func openSession(cmd *cobra.Command, onSession func(debugsession.Snapshot)) (*env, *workspace.Workspace, error) {
	events, err := parseLaunch(launchFlags)
	if err != nil {
		return nil, nil, err
	}
	e, err := setup(cmd, true)
	if err != nil {
		return nil, nil, err
	}
	ws, err := e.workspace(cmd.Context(), "", onSession)
	if err != nil {
		e.close()
		return nil, nil, err
	}
	if len(events) > 0 {
		if err := ws.UpdateLaunch(cmd.Context(), events...); err != nil {
			e.log.Debugw("populate after launch update failed", "error", err)
		}
	}
	return e, ws, nil
}

func printData(w io.Writer, what string, data remote.Data[fhir.Resource]) error {
	switch data.Status {
	case remote.Failure:
		return fmt.Errorf("%s failed: %s", what, notify.FormatError(data.Err, -1))
	case remote.Success:
		text, err := evaluator.Render(data.Value)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(w, text)
		return err
	default:
		return fmt.Errorf("no %s available (%s)", what, data.Status)
	}
}

// --- eval ---

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate an expression against the launch context or the response",
	Long: `Evaluate an expression. Expressions starting with %Name run against the
launch context parameter Name; anything else runs against the
QuestionnaireResponse populated from the launch context.`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

func runEval(cmd *cobra.Command, args []string) error {
	e, ws, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer e.close()
	defer ws.Close()

	expression := strings.TrimSpace(args[0])
	target := evalctx.Target{Kind: evalctx.KindOf(expression), Expression: expression}
	text, ok := ws.Evaluate(target)
	if !ok {
		if target.Kind == evalctx.KindLaunchContext {
			return fmt.Errorf("no launch context value for %%%s", evalctx.LeadingIdentifier(expression))
		}
		return fmt.Errorf("response not loaded")
	}
	out := cmd.OutOrStdout()
	if p, ok := ws.MatchedLaunchParameter(); ok && target.Kind == evalctx.KindLaunchContext {
		fmt.Fprintf(out, "# %s\n", p.Name)
	}
	_, err = fmt.Fprint(out, text)
	return err
}

// --- preview ---

var (
	previewTUI      bool
	previewResponse string
	previewWatch    bool
)

var previewCmd = &cobra.Command{
	Use:   "preview [mapping-id]",
	Short: "Run a mapping through $debug and show the result",
	Long: `Run the active mapping (or mapping-id) against the response populated from
the launch context and print the result.

With --response the response is read from a local file instead; --watch
reruns the preview every time that file is overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPreview,
}

func runPreview(cmd *cobra.Command, args []string) error {
	if previewWatch && previewResponse == "" {
		return fmt.Errorf("--watch requires --response")
	}
	var feed *tui.Feed
	var onSession func(debugsession.Snapshot)
	if previewTUI {
		feed = tui.NewFeed()
		onSession = feed.Push
	}
	e, ws, err := openSession(cmd, onSession)
	if err != nil {
		return err
	}
	defer e.close()
	defer ws.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		ws.Session.SelectMapping(ctx, args[0])
	}
	if previewResponse != "" {
		r, err := fhir.LoadResource(previewResponse)
		if err != nil {
			return err
		}
		ws.Session.SetResponse(ctx, r)
	}
	ws.Session.Wait()

	out := cmd.OutOrStdout()
	if !previewTUI {
		if !previewWatch {
			return printData(out, "preview", ws.Session.Snapshot().Preview)
		}
		if err := printData(out, "preview", ws.Session.Snapshot().Preview); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
		w, err := watch.New(previewResponse, func(r fhir.Resource) error {
			if !ws.Session.SetResponse(ctx, r) {
				return nil
			}
			ws.Session.Wait()
			fmt.Fprintf(out, "--- %s\n", previewResponse)
			if err := printData(out, "preview", ws.Session.Snapshot().Preview); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return nil
		}, watch.WithLogger(logging.Named("watch")))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl-C to stop)\n", previewResponse)
		return w.Run(ctx)
	}

	mappings := make([]string, 0, len(ws.Mappings()))
	for _, m := range ws.Mappings() {
		mappings = append(mappings, m.ID)
	}
	feed.Push(ws.Session.Snapshot())
	title := fmt.Sprintf("Questionnaire/%s", ws.ID)
	if !previewWatch {
		return tui.RunPreview(ctx, ws.Session, feed, title, mappings)
	}

	w, err := watch.New(previewResponse, func(r fhir.Resource) error {
		ws.Session.SetResponse(ctx, r)
		return nil
	}, watch.WithLogger(logging.Named("watch")))
	if err != nil {
		return err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(watchCtx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return tui.RunPreview(gctx, ws.Session, feed, title, mappings, tea.WithContext(gctx))
	})
	return g.Wait()
}

// --- debug ---

var debugDocument string

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Start the interactive expression debugger",
	Args:  cobra.NoArgs,
	RunE:  runDebug,
}

func runDebug(cmd *cobra.Command, args []string) error {
	e, ws, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer e.close()
	defer ws.Close()

	d := debugger.New(ws)
	d.SetOutput(cmd.OutOrStdout())
	if debugDocument != "" {
		data, err := os.ReadFile(debugDocument)
		if err != nil {
			return fmt.Errorf("read %s: %w", debugDocument, err)
		}
		d.SetDocument(debugDocument, string(data))
	}
	return d.Run(cmd.Context())
}

// --- extract ---

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Apply every mapping of the Questionnaire through $extract",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ws, err := openSession(cmd, nil)
		if err != nil {
			return err
		}
		defer e.close()
		defer ws.Close()

		if err := ws.ApplyMappings(cmd.Context()); err != nil {
			if errors.Is(err, workspace.ErrExtractionFailed) {
				return workspace.ErrExtractionFailed
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied mappings of Questionnaire/%s\n", ws.ID)
		return nil
	},
}

// --- show ---

var showFHIR bool

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the Questionnaire, its mappings and launch context",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ws, err := openSession(cmd, nil)
		if err != nil {
			return err
		}
		defer e.close()
		defer ws.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		if showFHIR {
			if err := ws.SetFHIRMode(ctx, true); err != nil {
				return fmt.Errorf("%s", notify.FormatError(err, -1))
			}
		} else if err := ws.RefreshFHIRView(ctx); err != nil {
			return fmt.Errorf("%s", notify.FormatError(err, -1))
		}
		if err := printData(out, "questionnaire", ws.FHIRView()); err != nil {
			return err
		}

		active := ws.Session.Snapshot().MappingID
		fmt.Fprintln(out, "\nMappings:")
		for _, m := range ws.Mappings() {
			marker := " "
			if m.ID == active {
				marker = "*"
			}
			fmt.Fprintf(out, " %s %s\n", marker, m.ID)
		}
		fmt.Fprintln(out, "\nLaunch context:")
		for _, p := range ws.Launch().Parameter {
			if r := p.Resource; r != nil {
				fmt.Fprintf(out, "  %%%s = %s/%s\n", p.Name, r.Type(), r.ID())
			} else {
				fmt.Fprintf(out, "  %%%s (empty)\n", p.Name)
			}
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{evalCmd, previewCmd, debugCmd, extractCmd, showCmd} {
		c.Flags().StringArrayVar(&launchFlags, "launch", nil, "Launch context resource (Name=file), repeatable")
		rootCmd.AddCommand(c)
	}
	previewCmd.Flags().BoolVar(&previewTUI, "tui", false, "Show the preview in an interactive viewer")
	previewCmd.Flags().StringVar(&previewResponse, "response", "", "Use this QuestionnaireResponse file instead of populating one")
	previewCmd.Flags().BoolVar(&previewWatch, "watch", false, "Rerun the preview when the --response file changes")
	debugCmd.Flags().StringVar(&debugDocument, "document", "", "Mapping document to open for line evaluation")
	showCmd.Flags().BoolVar(&showFHIR, "fhir", false, "Switch to FHIR mode and show the FHIR-format view")
}

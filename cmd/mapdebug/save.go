package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/reconcile"
	"github.com/ormasoftchile/mapdebug/pkg/tui"
)

var (
	saveIDs    []string
	saveCancel bool
)

var saveCmd = &cobra.Command{
	Use:   "save [questionnaire.json]",
	Short: "Save a Questionnaire and reconcile missing Mapping records",
	Long: `Save a Questionnaire to the resource store. When the store rejects the save
because mapping slots reference Mapping records that do not exist, the records
are created and the Questionnaire saved again.

Identities are chosen in an interactive table, or given in order with --ids
(an empty entry skips its slot).`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

func runSave(cmd *cobra.Command, args []string) error {
	q, err := fhir.LoadQuestionnaire(args[0])
	if err != nil {
		return err
	}
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	ws, err := e.openWorkspace(q.ID, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	batch, saveErr := ws.Reconcile.Save(ctx, q)
	out := cmd.OutOrStdout()
	if batch == nil {
		if saveErr != nil {
			return fmt.Errorf("save Questionnaire/%s failed", q.ID)
		}
		fmt.Fprintf(out, "Saved Questionnaire/%s\n", q.ID)
		return nil
	}

	fmt.Fprintf(out, "%d mapping slot(s) reference missing records\n", len(batch.Items))
	var outcome reconcile.Outcome
	switch {
	case saveCancel:
		if err := ws.Reconcile.Close(batch, reconcile.CloseCancel); err != nil {
			return err
		}
		fmt.Fprintln(out, "Reconciliation cancelled; no records created")
		return nil
	case cmd.Flags().Changed("ids"):
		if outcome, err = ws.Reconcile.Decide(ctx, batch, saveIDs); err != nil {
			return err
		}
		if err := ws.Reconcile.Close(batch, reconcile.CloseSave); err != nil {
			return err
		}
	default:
		if outcome, err = tui.RunReconcile(ctx, ws.Reconcile, batch); err != nil {
			return err
		}
		if len(outcome.Results) == 0 {
			fmt.Fprintln(out, "Reconciliation cancelled; no records created")
			return nil
		}
	}
	printOutcome(out, outcome)
	if outcome.Count(reconcile.ItemCreateFailed)+outcome.Count(reconcile.ItemSaveFailed) > 0 {
		return fmt.Errorf("reconciliation incomplete")
	}
	return nil
}

func printOutcome(w io.Writer, outcome reconcile.Outcome) {
	for _, r := range outcome.Results {
		id := r.ID
		if id == "" {
			id = "-"
		}
		line := fmt.Sprintf("  slot %d  %-36s  %s", r.Item.SlotIndex, id, r.Status)
		if r.Err != nil {
			line += ": " + r.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d created, %d skipped, %d failed\n",
		outcome.Count(reconcile.ItemSucceeded),
		outcome.Count(reconcile.ItemSkipped),
		outcome.Count(reconcile.ItemCreateFailed)+outcome.Count(reconcile.ItemSaveFailed))
}

func init() {
	saveCmd.Flags().StringSliceVar(&saveIDs, "ids", nil, "Identities for the unresolved slots, in order (skips the interactive table)")
	saveCmd.Flags().BoolVar(&saveCancel, "cancel", false, "Report unresolved slots without creating records")
	rootCmd.AddCommand(saveCmd)
}

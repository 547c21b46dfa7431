package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change remembered preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the remembered preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()
		active := e.prefs.LastActiveMappingID()
		if active == "" {
			active = "(none)"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backend:        %s\n", e.cfg.Prefs.Backend)
		fmt.Fprintf(out, "active mapping: %s\n", active)
		fmt.Fprintf(out, "fhir mode:      %t\n", e.prefs.FHIRMode())
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <mapping|fhir-mode> <value>",
	Short: "Change a preference",
	Long: `Change a preference:

  mapdebug prefs set mapping <id>     remember the active mapping ("" clears it)
  mapdebug prefs set fhir-mode true   use the /fhir/ Questionnaire endpoints`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()
		ctx := cmd.Context()
		switch args[0] {
		case "mapping":
			return e.prefs.SetActiveMapping(ctx, args[1])
		case "fhir-mode":
			on, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("fhir-mode: %w", err)
			}
			return e.prefs.SetFHIRMode(ctx, on)
		default:
			return fmt.Errorf("unknown preference %q (supported: mapping, fhir-mode)", args[0])
		}
	},
}

func init() {
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	rootCmd.AddCommand(prefsCmd)
}

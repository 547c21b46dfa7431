package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
	"github.com/ormasoftchile/mapdebug/pkg/watch"
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Read and write Mapping records",
}

var mappingGetCmd = &cobra.Command{
	Use:   "get <mapping-id>",
	Short: "Print a Mapping record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()
		m, err := e.store.GetMapping(cmd.Context(), args[0])
		return printData(cmd.OutOrStdout(), "mapping", remote.From(m, err))
	},
}

var mappingWatch bool

var mappingSaveCmd = &cobra.Command{
	Use:   "save <mapping.json>",
	Short: "Save a Mapping record and rerun its preview",
	Long: `Save a Mapping record that the Questionnaire references, then rerun the
preview against the populated response. Unchanged content is not written.
With --watch the file is saved again every time it is overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: runMappingSave,
}

func runMappingSave(cmd *cobra.Command, args []string) error {
	path := args[0]
	m, err := fhir.LoadResource(path)
	if err != nil {
		return err
	}
	if m.Type() != fhir.TypeMapping || m.ID() == "" {
		return fmt.Errorf("%s: expected a Mapping with an id, got %s/%s", path, m.Type(), m.ID())
	}
	e, ws, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer e.close()
	defer ws.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	ws.Session.SelectMapping(ctx, m.ID())
	ws.Session.Wait()

	save := func(m fhir.Resource) error {
		if err := ws.Session.SaveMapping(ctx, m); err != nil {
			return errors.Wrapf(err, "save Mapping/%s", m.ID())
		}
		ws.Session.Wait()
		fmt.Fprintf(out, "Saved Mapping/%s\n", m.ID())
		if err := printData(out, "preview", ws.Session.Snapshot().Preview); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
		return nil
	}
	if err := save(m); err != nil {
		if !mappingWatch {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), notify.FormatError(err, 0))
	}
	if !mappingWatch {
		return nil
	}

	w, err := watch.New(path, func(r fhir.Resource) error {
		if r.ID() != m.ID() {
			return fmt.Errorf("%s now holds %s/%s", path, r.Type(), r.ID())
		}
		return save(r)
	}, watch.WithLogger(logging.Named("watch")))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl-C to stop)\n", path)
	return w.Run(ctx)
}

func init() {
	mappingSaveCmd.Flags().StringArrayVar(&launchFlags, "launch", nil, "Launch context resource (Name=file), repeatable")
	mappingSaveCmd.Flags().BoolVar(&mappingWatch, "watch", false, "Save again whenever the file changes")
	mappingCmd.AddCommand(mappingGetCmd)
	mappingCmd.AddCommand(mappingSaveCmd)
	rootCmd.AddCommand(mappingCmd)
}

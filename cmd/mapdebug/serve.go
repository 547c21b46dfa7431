package main

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/mapdebug/pkg/logging"
	mdmcp "github.com/ormasoftchile/mapdebug/pkg/mcp"
	"github.com/ormasoftchile/mapdebug/pkg/sandbox"
)

// --- sandbox ---

var (
	sandboxAddr string
	sandboxSeed string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run an in-memory resource store for local mapping development",
	Long: `Run an in-memory resource store that speaks the Questionnaire and Mapping
endpoints mapdebug uses: $assemble, $populate, $extract and Mapping $debug.
Saves that reference missing Mapping records are rejected the way a real store
rejects them, so reconciliation can be exercised locally.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()

		srv := sandbox.New(sandbox.WithLogger(logging.Named("sandbox")))
		if sandboxSeed != "" {
			n, err := srv.Seed(sandboxSeed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Seeded %d resource(s) from %s\n", n, sandboxSeed)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Sandbox store listening on %s\n", sandboxAddr)
		return srv.ListenAndServe(cmd.Context(), sandboxAddr)
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the expression debugger as MCP tools on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()

		opts := mdmcp.Options{}
		if e.store != nil {
			opts.Store = e.store
		}
		return server.ServeStdio(mdmcp.NewServer(version, opts))
	},
}

func init() {
	sandboxCmd.Flags().StringVar(&sandboxAddr, "addr", "127.0.0.1:8090", "Listen address")
	sandboxCmd.Flags().StringVar(&sandboxSeed, "seed", "", "Directory of Questionnaire and Mapping files to preload")
	rootCmd.AddCommand(sandboxCmd)
	rootCmd.AddCommand(mcpCmd)
}

// Package main provides the mapdebug-mcp binary, an MCP server for AI agents.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/mapdebug/pkg/logging"
	mdmcp "github.com/ormasoftchile/mapdebug/pkg/mcp"
	"github.com/ormasoftchile/mapdebug/pkg/store"
)

var version = "dev"

func main() {
	opts := mdmcp.Options{}
	if base := os.Getenv("MAPDEBUG_BASE_URL"); base != "" {
		opts.Store = store.New(base,
			store.WithToken(os.Getenv("MAPDEBUG_TOKEN")),
			store.WithTimeout(30*time.Second),
			store.WithLogger(logging.Named("store")),
		)
	}
	s := mdmcp.NewServer(version, opts)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

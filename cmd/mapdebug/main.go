package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ormasoftchile/mapdebug/pkg/config"
	"github.com/ormasoftchile/mapdebug/pkg/debugsession"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/prefs"
	"github.com/ormasoftchile/mapdebug/pkg/store"
	"github.com/ormasoftchile/mapdebug/pkg/workspace"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment.
// Lines are KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return
	}
	defer f.Close()
	applyDotEnv(f)
}

func applyDotEnv(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var (
	configFile      string
	questionnaireID string
)

var rootCmd = &cobra.Command{
	Use:          "mapdebug",
	Short:        "Mapping reconciliation and expression debugger",
	Long:         "mapdebug saves Questionnaires with automatic Mapping reconciliation, evaluates launch-context and response expressions and previews mappings against a resource store.",
	SilenceUsage: true,
}

// env is everything a command needs once configuration is loaded.
type env struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	store    *store.Client
	prefs    *prefs.Preferences
	board    *notify.Board
	notifier notify.Notifier
	closers  []func() error
}

// setup loads configuration, initializes logging and opens the preference
// backend and journal. The store client is built when a base URL is
// configured; needStore makes a missing one an error.
func setup(cmd *cobra.Command, needStore bool) (*env, error) {
	cfg, err := config.Load(config.Options{File: configFile, Flags: cmd.Flags()})
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logging.Named("cli"), board: &notify.Board{}}

	kv, closeKV, err := openPrefs(cfg.Prefs)
	if err != nil {
		return nil, err
	}
	if closeKV != nil {
		e.closers = append(e.closers, closeKV)
	}
	if e.prefs, err = prefs.Load(cmd.Context(), kv); err != nil {
		e.close()
		return nil, err
	}

	notifiers := notify.Multi{notify.NewConsole(cmd.ErrOrStderr())}
	if cfg.Journal != "" {
		j, err := notify.OpenJournal(cfg.Journal, uuid.NewString())
		if err != nil {
			e.close()
			return nil, err
		}
		e.closers = append(e.closers, j.Close)
		notifiers = append(notifiers, j)
	}
	e.notifier = notifiers

	if needStore {
		if err := cfg.RequireStore(); err != nil {
			e.close()
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		e.store = store.New(cfg.BaseURL,
			store.WithToken(cfg.Token),
			store.WithTimeout(cfg.RequestTimeout()),
			store.WithFHIRMode(cfg.FHIRMode || e.prefs.FHIRMode()),
			store.WithLogger(logging.Named("store")),
		)
	}
	return e, nil
}

func openPrefs(c config.PrefsConfig) (prefs.KV, func() error, error) {
	switch c.Backend {
	case config.BackendMemory:
		return prefs.NewMemoryKV(), nil, nil
	case config.BackendRedis:
		client, err := prefs.ConnectRedis(c.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		kv := prefs.NewRedisKV(client, c.Prefix)
		return kv, kv.Close, nil
	default:
		path := c.Path
		if path == "" {
			path = prefs.DefaultPath()
		}
		return prefs.NewFileKV(path), nil, nil
	}
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && e.log != nil {
			e.log.Warnw("close", "error", err)
		}
	}
	e.closers = nil
}

// openWorkspace creates the workspace for id (or --questionnaire) without
// fetching anything.
func (e *env) openWorkspace(id string, onSession func(debugsession.Snapshot)) (*workspace.Workspace, error) {
	if id == "" {
		id = questionnaireID
	}
	if id == "" {
		return nil, fmt.Errorf("no questionnaire selected: pass --questionnaire or set MAPDEBUG_QUESTIONNAIRE")
	}
	return workspace.New(id, e.store, workspace.Options{
		Prefs:       e.prefs,
		Notifier:    e.notifier,
		Board:       e.board,
		Logger:      logging.Named("workspace"),
		Parallelism: e.cfg.Reconcile.Parallelism,
		OnSession:   onSession,
	}), nil
}

// workspace opens and loads the workspace for id (or --questionnaire).
func (e *env) workspace(ctx context.Context, id string, onSession func(debugsession.Snapshot)) (*workspace.Workspace, error) {
	ws, err := e.openWorkspace(id, onSession)
	if err != nil {
		return nil, err
	}
	if err := ws.Load(ctx); err != nil {
		return nil, fmt.Errorf("load Questionnaire/%s: %w", ws.ID, err)
	}
	return ws, nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mapdebug version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mapdebug %s (%s)\n", version, commit)
	},
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export JSON schemas",
}

var schemaConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Export the JSON Schema of mapdebug.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.GenerateJSONSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default: ./mapdebug.yaml, then ~/.mapdebug/mapdebug.yaml)")
	pf.StringVarP(&questionnaireID, "questionnaire", "q", os.Getenv("MAPDEBUG_QUESTIONNAIRE"), "Questionnaire id to work on")
	pf.String("base-url", "", "Resource store base URL")
	pf.String("token", "", "Bearer token or full Authorization value")
	pf.Bool("fhir-mode", false, "Read and write Questionnaires through the /fhir/ endpoints")
	pf.String("timeout", "", "Per-request timeout (e.g. 30s)")
	pf.String("journal", "", "Append notifications to this JSONL file")
	pf.String("prefs-backend", "", "Preference backend: file, memory or redis")
	pf.String("prefs-path", "", "Preference file for the file backend")
	pf.String("redis-url", "", "Redis URL for the redis backend")
	pf.Bool("log-json", false, "Log as JSON")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.Int("parallelism", 0, "Concurrent reconciliation items")

	schemaCmd.AddCommand(schemaConfigCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(schemaCmd)
}

// Package workspace is the editing session for one Questionnaire: it loads
// the assembled Questionnaire and its mapping list, keeps the launch
// context, and ties together saving with reconciliation, the mapping debug
// preview and the expression debugger.
package workspace

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ormasoftchile/mapdebug/pkg/debugsession"
	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/evalctx"
	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/prefs"
	"github.com/ormasoftchile/mapdebug/pkg/reconcile"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

// ErrExtractionFailed marks a failed $extract. There is no safe automatic
// recovery; callers show it as a blocking alert.
var ErrExtractionFailed = errors.New("extraction error, please check the log for more details")

// Store is everything a workspace needs from the resource store.
type Store interface {
	reconcile.Store
	debugsession.Store
	AssembleQuestionnaire(ctx context.Context, id string) (*fhir.Questionnaire, error)
	GetQuestionnaire(ctx context.Context, id string) (fhir.Resource, error)
	Extract(ctx context.Context, params fhir.Parameters) (fhir.Resource, error)
	SetFHIRMode(on bool)
}

// Options configures a Workspace.
type Options struct {
	// Prefs defaults to in-memory preferences.
	Prefs     *prefs.Preferences
	Notifier  notify.Notifier
	Board     *notify.Board
	Evaluator evaluator.Evaluator
	Logger    *zap.SugaredLogger

	// Parallelism is passed to the reconciliation orchestrator.
	Parallelism int
	// OnSession is called whenever the debug session changes.
	OnSession func(debugsession.Snapshot)
}

// Workspace is one Questionnaire being edited.
type Workspace struct {
	ID string

	Reconcile *reconcile.Orchestrator
	Session   *debugsession.Coordinator

	store    Store
	prefs    *prefs.Preferences
	board    *notify.Board
	log      *zap.SugaredLogger
	resolver *evalctx.Resolver
	memo     *evaluator.Memo

	mu            sync.Mutex
	questionnaire remote.Data[*fhir.Questionnaire]
	fhirView      remote.Data[fhir.Resource]
	mappings      []fhir.MappingSlot
	launch        fhir.Parameters
}

// New creates a workspace for Questionnaire id. Nothing is fetched until Load.
func New(id string, store Store, opts Options) *Workspace {
	if opts.Prefs == nil {
		opts.Prefs, _ = prefs.Load(context.Background(), prefs.NewMemoryKV())
	}
	if opts.Board == nil {
		opts.Board = &notify.Board{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NotifierFunc(func(notify.Notification) {})
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("workspace")
	}
	store.SetFHIRMode(opts.Prefs.FHIRMode())

	w := &Workspace{
		ID:       id,
		store:    store,
		prefs:    opts.Prefs,
		board:    opts.Board,
		log:      log,
		resolver: evalctx.NewResolver(),
		memo:     evaluator.NewMemo(evaluator.NewFacade(opts.Evaluator)),
		launch:   fhir.NewParameters(),
	}
	w.Reconcile = reconcile.New(store, reconcile.Options{
		Parallelism: opts.Parallelism,
		Notifier:    opts.Notifier,
		Board:       opts.Board,
		Reloader:    w,
		Refresher:   w,
		Logger:      log.Named("reconcile"),
	})
	w.Session = debugsession.New(store, debugsession.Options{
		Selection: opts.Prefs,
		Notifier:  opts.Notifier,
		Board:     opts.Board,
		Logger:    log.Named("debug"),
		OnChange:  opts.OnSession,
	})
	return w
}

// ─── Read path ──────────────────────────────────────────────────────────────

// Load fetches the assembled Questionnaire, rebuilds the mapping list and
// launch context, selects the active mapping and populates the response.
// A failed fetch is recorded as state and also returned.
func (w *Workspace) Load(ctx context.Context) error {
	w.mu.Lock()
	w.questionnaire = remote.Pending[*fhir.Questionnaire]()
	w.mu.Unlock()

	q, err := w.store.AssembleQuestionnaire(ctx, w.ID)
	if err != nil {
		w.mu.Lock()
		w.questionnaire = remote.Fail[*fhir.Questionnaire](err)
		w.mu.Unlock()
		w.Session.FailResponse(err)
		return err
	}

	mappings := append([]fhir.MappingSlot(nil), q.Mapping...)
	sort.SliceStable(mappings, func(i, j int) bool { return mappings[i].ID < mappings[j].ID })

	w.mu.Lock()
	w.questionnaire = remote.Succeed(q)
	w.mappings = mappings
	w.launch = ReduceLaunch(w.launch, Init(q))
	launch := w.launch
	w.mu.Unlock()

	remembered := w.prefs.LastActiveMappingID()
	active := chooseActive(mappings, remembered)
	if remembered != "" && active != remembered {
		if err := w.prefs.SetActiveMapping(ctx, ""); err != nil {
			w.log.Warnw("forget active mapping", "id", remembered, "error", err)
		}
	}
	if active != w.Session.Snapshot().MappingID {
		w.Session.SelectMapping(ctx, active)
	}
	if err := w.Session.LoadResponse(ctx, launch); err != nil {
		w.log.Debugw("populate failed", "questionnaire", w.ID, "error", err)
	}
	return nil
}

// chooseActive keeps the remembered mapping when it is still listed and
// falls back to the first one.
func chooseActive(mappings []fhir.MappingSlot, remembered string) string {
	if remembered != "" {
		for _, m := range mappings {
			if m.ID == remembered {
				return remembered
			}
		}
	}
	if len(mappings) == 0 {
		return ""
	}
	return mappings[0].ID
}

// ReloadQuestionnaire reloads after a successful save.
func (w *Workspace) ReloadQuestionnaire(ctx context.Context) {
	if err := w.Load(ctx); err != nil {
		w.log.Warnw("reload questionnaire", "id", w.ID, "error", err)
	}
}

// Refresh refetches the FHIR-format view when reconciliation asks for it.
func (w *Workspace) Refresh(reason reconcile.RefreshReason) {
	if err := w.RefreshFHIRView(context.Background()); err != nil {
		w.log.Warnw("refresh questionnaire view", "reason", reason, "error", err)
	}
}

// RefreshFHIRView clears questionnaire errors and refetches the
// Questionnaire as stored, through the FHIR endpoints in FHIR mode.
func (w *Workspace) RefreshFHIRView(ctx context.Context) error {
	w.board.Dispatch(notify.ResetQuestionnaireErrors{})
	w.mu.Lock()
	w.fhirView = remote.Pending[fhir.Resource]()
	w.mu.Unlock()

	r, err := w.store.GetQuestionnaire(ctx, w.ID)
	w.mu.Lock()
	w.fhirView = remote.From(r, err)
	w.mu.Unlock()
	return err
}

// SetFHIRMode switches Questionnaire endpoints, remembers the choice and
// refetches the view.
func (w *Workspace) SetFHIRMode(ctx context.Context, on bool) error {
	if err := w.prefs.SetFHIRMode(ctx, on); err != nil {
		w.log.Warnw("remember fhir mode", "error", err)
	}
	w.store.SetFHIRMode(on)
	return w.RefreshFHIRView(ctx)
}

// ─── Accessors ──────────────────────────────────────────────────────────────

// Questionnaire returns the assembled Questionnaire state.
func (w *Workspace) Questionnaire() remote.Data[*fhir.Questionnaire] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.questionnaire
}

// FHIRView returns the Questionnaire as stored.
func (w *Workspace) FHIRView() remote.Data[fhir.Resource] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fhirView
}

// Mappings returns the mapping slots sorted by id.
func (w *Workspace) Mappings() []fhir.MappingSlot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]fhir.MappingSlot(nil), w.mappings...)
}

// Launch returns the current launch context.
func (w *Workspace) Launch() fhir.Parameters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyParams(w.launch)
}

// Errors returns the current per-panel error state.
func (w *Workspace) Errors() notify.ErrorState {
	return w.board.State()
}

// ─── Launch context ─────────────────────────────────────────────────────────

// UpdateLaunch applies events to the launch context and repopulates the
// response document from it.
func (w *Workspace) UpdateLaunch(ctx context.Context, events ...LaunchEvent) error {
	w.mu.Lock()
	w.launch = ReduceLaunch(w.launch, events...)
	launch := w.launch
	loaded := w.questionnaire.IsSuccess()
	w.mu.Unlock()
	if !loaded {
		return nil
	}
	return w.Session.LoadResponse(ctx, launch)
}

// ─── Expressions ────────────────────────────────────────────────────────────

// Evaluate runs target against the current launch context or response and
// returns the display text. It reports false when the data it needs is not
// available yet.
func (w *Workspace) Evaluate(target evalctx.Target) (string, bool) {
	res, ok := w.resolver.Resolve(target, w.Launch(), w.Session.Snapshot().Response)
	if !ok {
		return "", false
	}
	return w.memo.Display(res.Root, target.Expression, res.Vars.Map()), true
}

// MatchedLaunchParameter returns the launch parameter the last
// launch-context evaluation ran against.
func (w *Workspace) MatchedLaunchParameter() (fhir.Parameter, bool) {
	p, _, ok := w.resolver.Matched()
	return p, ok
}

// ─── Apply ──────────────────────────────────────────────────────────────────

// ApplyMappings runs $extract with the response document and the launch
// context, then reloads. A failure is logged with the full outcome and
// returned marked with ErrExtractionFailed.
func (w *Workspace) ApplyMappings(ctx context.Context) error {
	_, response, status, err := remote.Both(w.Questionnaire(), w.Session.Snapshot().Response)
	if status != remote.Success {
		if err == nil {
			err = errors.Newf("questionnaire and response are %s", status)
		}
		return errors.Wrap(err, "apply mappings")
	}

	launch := w.Launch()
	params := fhir.NewParameters(append(
		[]fhir.Parameter{{Name: fhir.TypeQuestionnaireResponse, Resource: response}},
		launch.Parameter...,
	)...)
	if _, err := w.store.Extract(ctx, params); err != nil {
		w.log.Errorw("extraction failed", "questionnaire", w.ID, "outcome", describe(err))
		return errors.Mark(errors.Wrap(err, "apply mappings"), ErrExtractionFailed)
	}
	return w.Load(ctx)
}

// describe renders the outcome behind err as indented JSON, or the error text.
func describe(err error) string {
	var outcome *fhir.OperationOutcome
	if errors.As(err, &outcome) {
		if data, mErr := json.MarshalIndent(outcome, "", "    "); mErr == nil {
			return string(data)
		}
	}
	return err.Error()
}

// Close waits for in-flight debug requests.
func (w *Workspace) Close() {
	w.Session.Wait()
}

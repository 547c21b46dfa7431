// Package debugsession keeps the debug preview of the selected mapping in
// step with the mapping record and the QuestionnaireResponse it runs against.
//
// Store I/O runs in goroutines. Each debug request carries a sequence token
// and only the latest one may update the preview; results of superseded
// requests are dropped when they arrive.
package debugsession

import (
	"context"
	"sync"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

// ErrMappingNotLoaded is returned when saving before the mapping has loaded.
var ErrMappingNotLoaded = errors.New("mapping not loaded")

// Store is the part of the resource store the session reads and writes.
type Store interface {
	GetMapping(ctx context.Context, id string) (fhir.Resource, error)
	PutMapping(ctx context.Context, m fhir.Resource) (fhir.Resource, error)
	Populate(ctx context.Context, launch fhir.Parameters) (fhir.Resource, error)
	DebugMapping(ctx context.Context, id string, response fhir.Resource) (fhir.Resource, error)
}

// SelectionStore remembers the active mapping across sessions.
type SelectionStore interface {
	SetActiveMapping(ctx context.Context, id string) error
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	MappingID string
	Mapping   remote.Data[fhir.Resource]
	Response  remote.Data[fhir.Resource]
	Preview   remote.Data[fhir.Resource]
	// ResponseVersion increments every time the response document changes.
	ResponseVersion int
}

// Options configures a Coordinator. Zero values are usable.
type Options struct {
	Selection SelectionStore
	Notifier  notify.Notifier
	Board     *notify.Board
	Logger    *zap.SugaredLogger
	// OnChange is called after every state change, outside the lock.
	OnChange func(Snapshot)
}

// Coordinator owns one debug session.
type Coordinator struct {
	store Store
	opts  Options
	log   *zap.SugaredLogger

	mu          sync.Mutex
	snap        Snapshot
	debugSeq    uint64
	mappingSeq  uint64
	responseSeq uint64

	wg sync.WaitGroup
}

// New creates a coordinator backed by store.
func New(store Store, opts Options) *Coordinator {
	if opts.Notifier == nil {
		opts.Notifier = notify.NotifierFunc(func(notify.Notification) {})
	}
	if opts.Board == nil {
		opts.Board = &notify.Board{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("debugsession")
	}
	return &Coordinator{store: store, opts: opts, log: log}
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Wait blocks until every in-flight request has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// ─── Mapping ────────────────────────────────────────────────────────────────

// SelectMapping makes id the active mapping, starts loading it and reruns
// the preview. A failed load is a Failure state, not an error.
func (c *Coordinator) SelectMapping(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	if c.opts.Selection != nil {
		if err := c.opts.Selection.SetActiveMapping(ctx, id); err != nil {
			c.log.Warnw("remember active mapping", "id", id, "error", err)
		}
	}

	c.mu.Lock()
	c.snap.MappingID = id
	if id == "" {
		c.mappingSeq++
		c.snap.Mapping = remote.Data[fhir.Resource]{}
	} else {
		c.loadMappingLocked(ctx, id, false)
	}
	c.triggerDebugLocked(ctx)
	snap := c.snap
	c.mu.Unlock()
	c.changed(snap)
}

// ReloadMapping clears mapping errors and refetches the active mapping,
// then reruns the preview.
func (c *Coordinator) ReloadMapping(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	c.opts.Board.Dispatch(notify.ResetMappingErrors{})
	c.mu.Lock()
	if c.snap.MappingID == "" {
		c.mu.Unlock()
		return
	}
	c.loadMappingLocked(ctx, c.snap.MappingID, true)
	snap := c.snap
	c.mu.Unlock()
	c.changed(snap)
}

// loadMappingLocked fetches id in the background. retrigger reruns the
// preview once the canonical copy is in.
func (c *Coordinator) loadMappingLocked(ctx context.Context, id string, retrigger bool) {
	c.mappingSeq++
	token := c.mappingSeq
	c.snap.Mapping = remote.Pending[fhir.Resource]()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		m, err := c.store.GetMapping(ctx, id)

		c.mu.Lock()
		if token != c.mappingSeq {
			c.mu.Unlock()
			c.log.Debugw("discard stale mapping load", "id", id)
			return
		}
		c.snap.Mapping = remote.From(m, err)
		if retrigger {
			c.triggerDebugLocked(ctx)
		}
		snap := c.snap
		c.mu.Unlock()
		c.changed(snap)
	}()
}

// SaveMapping writes m when it differs from the last-loaded copy, reloads
// the canonical copy and reruns the preview. Saving identical content does
// nothing.
func (c *Coordinator) SaveMapping(ctx context.Context, m fhir.Resource) error {
	ctx = context.WithoutCancel(ctx)
	c.opts.Board.Dispatch(notify.ResetMappingErrors{})

	c.mu.Lock()
	current, ok := c.snap.Mapping.Get()
	c.mu.Unlock()
	if !ok {
		return ErrMappingNotLoaded
	}
	if cmp.Equal(m, current) {
		c.log.Debugw("mapping unchanged, skip save", "id", m.ID())
		return nil
	}

	if _, err := c.store.PutMapping(ctx, m); err != nil {
		c.opts.Board.Dispatch(notify.AddMappingError{Err: err, IssueIndex: 0})
		c.opts.Notifier.Notify(notify.Error(err, 0))
		return err
	}

	c.mu.Lock()
	if c.snap.MappingID != "" {
		c.loadMappingLocked(ctx, c.snap.MappingID, true)
	}
	snap := c.snap
	c.mu.Unlock()
	c.changed(snap)
	return nil
}

// ─── Response ───────────────────────────────────────────────────────────────

// LoadResponse populates the response document from the launch context. It
// blocks until the store answers; a failure becomes the Failure state and is
// also returned.
func (c *Coordinator) LoadResponse(ctx context.Context, launch fhir.Parameters) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	c.responseSeq++
	token := c.responseSeq
	c.snap.Response = remote.Pending[fhir.Resource]()
	c.dropPreviewLocked()
	snap := c.snap
	c.mu.Unlock()
	c.changed(snap)

	r, err := c.store.Populate(ctx, launch)

	c.mu.Lock()
	if token != c.responseSeq {
		c.mu.Unlock()
		c.log.Debugw("discard stale populate result")
		return err
	}
	c.snap.Response = remote.From(r, err)
	c.snap.ResponseVersion++
	c.triggerDebugLocked(ctx)
	snap = c.snap
	c.mu.Unlock()
	c.changed(snap)
	return err
}

// SetResponse overwrites the response document locally. It reports false,
// and changes nothing, when no document is loaded or r equals the current
// one.
func (c *Coordinator) SetResponse(ctx context.Context, r fhir.Resource) bool {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	cur, ok := c.snap.Response.Get()
	if !ok || cmp.Equal(cur, r) {
		c.mu.Unlock()
		return false
	}
	c.responseSeq++
	c.snap.Response = remote.Succeed(r)
	c.snap.ResponseVersion++
	c.triggerDebugLocked(ctx)
	snap := c.snap
	c.mu.Unlock()
	c.changed(snap)
	return true
}

// FailResponse records that the response document could not be produced,
// e.g. because the Questionnaire itself failed to load.
func (c *Coordinator) FailResponse(err error) {
	c.mu.Lock()
	c.responseSeq++
	c.snap.Response = remote.Fail[fhir.Resource](err)
	c.snap.ResponseVersion++
	c.dropPreviewLocked()
	snap := c.snap
	c.mu.Unlock()
	c.changed(snap)
}

// ─── Preview ────────────────────────────────────────────────────────────────

// dropPreviewLocked clears the preview and invalidates any debug run still
// in flight.
func (c *Coordinator) dropPreviewLocked() {
	c.debugSeq++
	c.snap.Preview = remote.Data[fhir.Resource]{}
}

// triggerDebugLocked issues a debug run when a mapping is selected and the
// response document is available. Any earlier run is superseded, even when
// no new one can start.
func (c *Coordinator) triggerDebugLocked(ctx context.Context) {
	c.dropPreviewLocked()
	id := c.snap.MappingID
	response, ok := c.snap.Response.Get()
	if id == "" || !ok {
		return
	}
	token := c.debugSeq
	c.snap.Preview = remote.Pending[fhir.Resource]()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		preview, err := c.store.DebugMapping(ctx, id, response)

		c.mu.Lock()
		if token != c.debugSeq {
			c.mu.Unlock()
			c.log.Debugw("discard stale preview", "mapping", id, "token", token)
			return
		}
		c.snap.Preview = remote.From(preview, err)
		snap := c.snap
		c.mu.Unlock()
		c.changed(snap)
	}()
}

func (c *Coordinator) changed(s Snapshot) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(s)
	}
}

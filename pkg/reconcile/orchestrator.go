// Package reconcile recovers from Questionnaire saves that fail because
// embedded mapping slots reference Mapping records that do not exist yet.
//
// A failed save is split into issues the user can fix by creating records
// (a Batch shown in the reconciliation modal) and issues that are reported
// as-is. Deciding a batch creates each chosen record, rewrites the slot to
// the new identity and saves the Questionnaire again, item by item.
package reconcile

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/issues"
	"github.com/ormasoftchile/mapdebug/pkg/logging"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
)

var (
	// ErrBatchConsumed is returned when a batch is decided twice.
	ErrBatchConsumed = errors.New("reconciliation batch already consumed")
	// ErrNoBatch is returned for a batch that is not the open one.
	ErrNoBatch = errors.New("no such reconciliation batch")
	// ErrModalOpen is returned by Save while a batch awaits a decision.
	ErrModalOpen = errors.New("reconciliation in progress")
	// ErrTooManyIDs is returned when more identities than items are supplied.
	ErrTooManyIDs = errors.New("more identities than reconciliation items")
)

// Store is the part of the resource store reconciliation writes to.
type Store interface {
	PutQuestionnaire(ctx context.Context, q *fhir.Questionnaire) error
	CreateMapping(ctx context.Context, id string) (fhir.Resource, error)
}

// Reloader re-runs the Questionnaire read path after a successful save.
type Reloader interface {
	ReloadQuestionnaire(ctx context.Context)
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context)

func (f ReloaderFunc) ReloadQuestionnaire(ctx context.Context) { f(ctx) }

// Refresher signals dependent views to refetch.
type Refresher interface {
	Refresh(reason RefreshReason)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(RefreshReason)

func (f RefresherFunc) Refresh(reason RefreshReason) { f(reason) }

// Options configures an Orchestrator. Zero values are usable.
type Options struct {
	// Parallelism bounds concurrent record creation. 1 (the default)
	// processes items strictly in order.
	Parallelism int

	Notifier  notify.Notifier
	Board     *notify.Board
	Reloader  Reloader
	Refresher Refresher
	Logger    *zap.SugaredLogger
}

// Item is one slot to create and re-reference.
type Item struct {
	// CandidateSlotID is the slot's current id; empty when never assigned.
	CandidateSlotID string
	IssueIndex      int
	SlotIndex       int
	Document        *fhir.Questionnaire
}

// Suggestion is the identity offered to the user: the candidate id, or a
// fresh one when the slot never had an id.
func (it Item) Suggestion() string {
	if it.CandidateSlotID != "" {
		return it.CandidateSlotID
	}
	return uuid.NewString()
}

// Batch is the set of items produced by one failed save. It is decided at
// most once.
type Batch struct {
	ID    string
	Items []Item

	consumed bool
	outcome  *Outcome
}

// ItemResult is what happened to one item.
type ItemResult struct {
	Item   Item
	ID     string
	Status ItemStatus
	Err    error
}

// Outcome collects per-item results in item order.
type Outcome struct {
	Results []ItemResult
}

// Count returns how many items ended in status.
func (o Outcome) Count(status ItemStatus) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Renamed reports whether some item succeeded under an identity other than
// its candidate.
func (o Outcome) Renamed() bool {
	for _, r := range o.Results {
		if r.Status == ItemSucceeded && r.ID != r.Item.CandidateSlotID {
			return true
		}
	}
	return false
}

// Orchestrator drives save, reconciliation and modal close.
type Orchestrator struct {
	store Store
	opts  Options
	log   *zap.SugaredLogger

	mu     sync.Mutex
	state  State
	active *Batch
}

// New creates an orchestrator writing to store.
func New(store Store, opts Options) *Orchestrator {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NotifierFunc(func(notify.Notification) {})
	}
	if opts.Board == nil {
		opts.Board = &notify.Board{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("reconcile")
	}
	return &Orchestrator{store: store, opts: opts, log: log}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Save writes q. On success the read path is reloaded and no batch is
// returned. On failure every unresolvable issue is reported at once, and
// when some issues can be fixed by creating Mapping records a Batch is
// returned for the user to decide. The returned error is the save failure.
func (o *Orchestrator) Save(ctx context.Context, q *fhir.Questionnaire) (*Batch, error) {
	if q == nil {
		return nil, errors.New("nil questionnaire")
	}
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return nil, ErrModalOpen
	}
	o.state = SaveAttempted
	o.mu.Unlock()

	o.opts.Board.Dispatch(notify.ResetQuestionnaireErrors{})
	doc := q.Clone()
	err := o.store.PutQuestionnaire(ctx, doc)
	if err == nil {
		o.setState(Succeeded)
		o.reload(ctx)
		o.setState(Idle)
		return nil, nil
	}

	var outcome *fhir.OperationOutcome
	if !errors.As(err, &outcome) || len(outcome.Issue) == 0 {
		o.report(err, -1)
		o.setState(Idle)
		return nil, err
	}

	o.setState(PartiallyFailed)
	resolvable, unresolvable := issues.Partition(outcome, doc)
	for _, idx := range unresolvable {
		o.report(outcome, idx)
	}
	if len(resolvable) == 0 {
		o.setState(Idle)
		return nil, err
	}

	batch := &Batch{ID: uuid.NewString(), Items: make([]Item, 0, len(resolvable))}
	for _, r := range resolvable {
		batch.Items = append(batch.Items, Item{
			CandidateSlotID: r.SlotID,
			IssueIndex:      r.IssueIndex,
			SlotIndex:       r.SlotIndex,
			Document:        r.Document,
		})
	}
	o.mu.Lock()
	o.active = batch
	o.state = ModalOpen
	o.mu.Unlock()
	o.log.Debugw("reconciliation opened", "batch", batch.ID, "items", len(batch.Items), "unresolvable", len(unresolvable))
	return batch, err
}

// Decide applies the user's identities, aligned with batch.Items. An empty
// or missing identity skips its item. Items are independent: a failure is
// reported against the item's issue and the others proceed.
func (o *Orchestrator) Decide(ctx context.Context, batch *Batch, ids []string) (Outcome, error) {
	o.mu.Lock()
	if batch == nil || o.active != batch {
		o.mu.Unlock()
		return Outcome{}, ErrNoBatch
	}
	if batch.consumed {
		o.mu.Unlock()
		return Outcome{}, ErrBatchConsumed
	}
	if len(ids) > len(batch.Items) {
		o.mu.Unlock()
		return Outcome{}, ErrTooManyIDs
	}
	batch.consumed = true
	o.state = UserDecided
	o.mu.Unlock()

	o.setState(Retrying)
	results := make([]ItemResult, len(batch.Items))
	var docMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.opts.Parallelism)
	for i, item := range batch.Items {
		var id string
		if i < len(ids) {
			id = strings.TrimSpace(ids[i])
		}
		if id == "" {
			o.log.Debugw("reconciliation item skipped", "issue", item.IssueIndex, "slot", item.SlotIndex)
			results[i] = ItemResult{Item: item, Status: ItemSkipped}
			continue
		}
		g.Go(func() error {
			results[i] = o.apply(ctx, item, id, &docMu)
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Results: results}
	o.mu.Lock()
	batch.outcome = &out
	if out.Count(ItemCreateFailed)+out.Count(ItemSaveFailed) > 0 {
		o.state = Failed
	} else {
		o.state = Succeeded
	}
	o.mu.Unlock()
	return out, nil
}

// apply creates the record, then rewrites and saves the shared document.
// Rewrites of the same document are serialized.
func (o *Orchestrator) apply(ctx context.Context, item Item, id string, docMu *sync.Mutex) ItemResult {
	res := ItemResult{Item: item, ID: id}
	if _, err := o.store.CreateMapping(ctx, id); err != nil {
		o.log.Debugw("create mapping failed", "id", id, "issue", item.IssueIndex, "error", err)
		o.report(err, item.IssueIndex)
		res.Status, res.Err = ItemCreateFailed, err
		return res
	}

	docMu.Lock()
	defer docMu.Unlock()
	if err := item.Document.SetSlotID(item.SlotIndex, id); err != nil {
		o.report(err, item.IssueIndex)
		res.Status, res.Err = ItemSaveFailed, err
		return res
	}
	if err := o.store.PutQuestionnaire(ctx, item.Document); err != nil {
		o.report(err, item.IssueIndex)
		res.Status, res.Err = ItemSaveFailed, err
		return res
	}
	o.opts.Notifier.Notify(notify.Success())
	o.reload(ctx)
	res.Status = ItemSucceeded
	return res
}

// Close dismisses the modal and discards batch. Cancelling always signals a
// refresh; saving signals one only when a decided item was renamed.
func (o *Orchestrator) Close(batch *Batch, mode CloseMode) error {
	o.mu.Lock()
	if batch == nil || o.active != batch {
		o.mu.Unlock()
		return ErrNoBatch
	}
	o.active = nil
	o.state = Idle
	renamed := batch.outcome != nil && batch.outcome.Renamed()
	o.mu.Unlock()

	switch {
	case mode == CloseCancel:
		o.refresh(RefreshCancelled)
	case renamed:
		o.refresh(RefreshRenamed)
	}
	return nil
}

// Active returns the batch awaiting a decision, if any.
func (o *Orchestrator) Active() *Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) report(err error, issueIndex int) {
	o.opts.Board.Dispatch(notify.AddQuestionnaireError{Err: err, IssueIndex: issueIndex})
	o.opts.Notifier.Notify(notify.Error(err, issueIndex))
}

func (o *Orchestrator) reload(ctx context.Context) {
	if o.opts.Reloader != nil {
		o.opts.Reloader.ReloadQuestionnaire(ctx)
	}
}

func (o *Orchestrator) refresh(reason RefreshReason) {
	o.log.Debugw("refresh", "reason", reason)
	if o.opts.Refresher != nil {
		o.opts.Refresher.Refresh(reason)
	}
}

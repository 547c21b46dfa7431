package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ormasoftchile/mapdebug/pkg/debugsession"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/reconcile"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

// ─── Reconcile modal ────────────────────────────────────────────────────────

type fakeDecider struct {
	ids    []string
	closes []reconcile.CloseMode
}

func (d *fakeDecider) Decide(_ context.Context, batch *reconcile.Batch, ids []string) (reconcile.Outcome, error) {
	d.ids = ids
	results := make([]reconcile.ItemResult, len(batch.Items))
	for i, item := range batch.Items {
		results[i] = reconcile.ItemResult{Item: item, ID: ids[i], Status: reconcile.ItemSucceeded}
		if ids[i] == "" {
			results[i].Status = reconcile.ItemSkipped
		}
	}
	return reconcile.Outcome{Results: results}, nil
}

func (d *fakeDecider) Close(_ *reconcile.Batch, mode reconcile.CloseMode) error {
	d.closes = append(d.closes, mode)
	return nil
}

func testBatch() *reconcile.Batch {
	return &reconcile.Batch{Items: []reconcile.Item{
		{CandidateSlotID: "ghost", IssueIndex: 0, SlotIndex: 2},
		{IssueIndex: 1, SlotIndex: 3},
	}}
}

func press(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+n":
		return tea.KeyMsg{Type: tea.KeyCtrlN}
	case "ctrl+u":
		return tea.KeyMsg{Type: tea.KeyCtrlU}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m tea.Model, msgs ...tea.Msg) (tea.Model, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		m, cmd = m.Update(msg)
	}
	return m, cmd
}

func TestModalPrefillsCandidateIDs(t *testing.T) {
	m := NewReconcileModal(context.Background(), &fakeDecider{}, testBatch())
	ids := m.IDs()
	if ids[0] != "ghost" || ids[1] != "" {
		t.Errorf("IDs = %q, want [ghost \"\"]", ids)
	}
	if m.inputs[1].Placeholder == "" {
		t.Error("empty slot has no suggested id")
	}
}

func TestModalTypingAndSuggestion(t *testing.T) {
	m := NewReconcileModal(context.Background(), &fakeDecider{}, testBatch())
	var model tea.Model = m
	model, _ = send(t, model, press("-2"), press("tab"), press("ctrl+n"))
	got := model.(ReconcileModal).IDs()
	if got[0] != "ghost-2" {
		t.Errorf("ids[0] = %q, want ghost-2", got[0])
	}
	if got[1] != model.(ReconcileModal).inputs[1].Placeholder {
		t.Errorf("ids[1] = %q, want the suggestion", got[1])
	}
}

func TestModalSubmitDecidesAndClosesWithSave(t *testing.T) {
	d := &fakeDecider{}
	var model tea.Model = NewReconcileModal(context.Background(), d, testBatch())

	model, cmd := send(t, model, press("enter"))
	if model.(ReconcileModal).phase != phaseRunning {
		t.Fatalf("phase = %v, want running", model.(ReconcileModal).phase)
	}
	if cmd == nil {
		t.Fatal("submit returned no command")
	}

	// Run the decide command directly; the spinner tick is irrelevant here.
	out, err := d.Decide(context.Background(), model.(ReconcileModal).batch, model.(ReconcileModal).IDs())
	model, _ = send(t, model, decidedMsg{outcome: out, err: err})
	view := model.View()
	if !strings.Contains(view, "1 created, 1 skipped, 0 failed") {
		t.Errorf("summary missing from view:\n%s", view)
	}

	model, cmd = send(t, model, press("enter"))
	if cmd == nil {
		t.Fatal("closing returned no quit command")
	}
	if len(d.closes) != 1 || d.closes[0] != reconcile.CloseSave {
		t.Errorf("closes = %v, want [save]", d.closes)
	}
	if model.(ReconcileModal).Cancelled() {
		t.Error("decided modal reported cancelled")
	}
}

func TestModalEscapeCancels(t *testing.T) {
	d := &fakeDecider{}
	var model tea.Model = NewReconcileModal(context.Background(), d, testBatch())
	model, _ = send(t, model, press("esc"))
	if len(d.closes) != 1 || d.closes[0] != reconcile.CloseCancel {
		t.Errorf("closes = %v, want [cancel]", d.closes)
	}
	if !model.(ReconcileModal).Cancelled() {
		t.Error("Cancelled() = false")
	}
	if d.ids != nil {
		t.Error("cancel must not decide")
	}
}

func TestModalViewListsItems(t *testing.T) {
	m := NewReconcileModal(context.Background(), &fakeDecider{}, testBatch())
	view := m.View()
	for _, want := range []string{"Create missing mappings", "#0", "[2]", "#1", "[3]"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestCellPadsToWidth(t *testing.T) {
	if got := cell("ab", 5); got != "ab   " {
		t.Errorf("cell = %q", got)
	}
	if got := cell("abcdefgh", 5); got != "abc… " {
		t.Errorf("cell truncated = %q", got)
	}
}

// ─── Preview ────────────────────────────────────────────────────────────────

type fakeSession struct {
	mu       sync.Mutex
	snap     debugsession.Snapshot
	selected []string
	reloads  int
}

func (s *fakeSession) Snapshot() debugsession.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSession) SelectMapping(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = append(s.selected, id)
}

func (s *fakeSession) ReloadMapping(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
}

func TestPreviewShowsSnapshots(t *testing.T) {
	feed := NewFeed()
	s := &fakeSession{snap: debugsession.Snapshot{MappingID: "m1", Preview: remote.Pending[fhir.Resource]()}}
	p := NewPreview(context.Background(), s, feed, "intake", []string{"m1", "m2"})
	if !strings.Contains(p.content(), "Loading preview") {
		t.Errorf("content = %q, want loading", p.content())
	}

	feed.Push(debugsession.Snapshot{
		MappingID: "m1",
		Preview:   remote.Succeed(fhir.Resource{"resourceType": "Bundle", "type": "transaction"}),
		Response:  remote.Succeed(fhir.Resource{"status": "in-progress"}),
	})
	msg := p.listen()()
	model, next := send(t, p, msg)
	if next == nil {
		t.Error("preview stopped listening after a snapshot")
	}
	p = model.(Preview)
	if !strings.Contains(p.content(), "transaction") {
		t.Errorf("content = %q, want the preview bundle", p.content())
	}

	model, _ = send(t, p, press("v"))
	if !strings.Contains(model.(Preview).content(), "in-progress") {
		t.Errorf("toggled content = %q, want the response", model.(Preview).content())
	}
}

func TestPreviewPickerSelectsMapping(t *testing.T) {
	s := &fakeSession{snap: debugsession.Snapshot{MappingID: "m1"}}
	var model tea.Model = NewPreview(context.Background(), s, nil, "intake", []string{"m1", "m2"})

	model, _ = send(t, model, press("m"))
	if !model.(Preview).picking {
		t.Fatal("picker not open")
	}
	if !strings.Contains(model.View(), "(active)") {
		t.Error("picker does not mark the active mapping")
	}
	model, cmd := send(t, model, tea.KeyMsg{Type: tea.KeyDown}, press("enter"))
	if cmd == nil {
		t.Fatal("choosing returned no command")
	}
	cmd()
	if len(s.selected) != 1 || s.selected[0] != "m2" {
		t.Errorf("selected = %v, want [m2]", s.selected)
	}

	_, cmd = send(t, model, press("r"))
	cmd()
	if s.reloads != 1 {
		t.Errorf("reloads = %d, want 1", s.reloads)
	}
}

func TestPreviewFailureUsesNotificationText(t *testing.T) {
	s := &fakeSession{snap: debugsession.Snapshot{
		MappingID: "m1",
		Preview: remote.Fail[fhir.Resource](&fhir.OperationOutcome{
			ResourceType: fhir.TypeOperationOutcome,
			Issue:        []fhir.Issue{{Code: "processing", Diagnostics: "bad template"}},
		}),
	}}
	p := NewPreview(context.Background(), s, nil, "intake", nil)
	if !strings.Contains(p.content(), "An error occurred: bad template") {
		t.Errorf("content = %q", p.content())
	}
}

func TestFeedKeepsNewest(t *testing.T) {
	f := NewFeed()
	for i := 0; i < 20; i++ {
		f.Push(debugsession.Snapshot{ResponseVersion: i})
	}
	var last debugsession.Snapshot
	for len(f.ch) > 0 {
		last = <-f.ch
	}
	if last.ResponseVersion != 19 {
		t.Errorf("last = %d, want 19", last.ResponseVersion)
	}
}

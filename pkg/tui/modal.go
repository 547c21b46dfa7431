package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/mapdebug/pkg/reconcile"
)

// Decider applies and closes a reconciliation batch.
type Decider interface {
	Decide(ctx context.Context, batch *reconcile.Batch, ids []string) (reconcile.Outcome, error)
	Close(batch *reconcile.Batch, mode reconcile.CloseMode) error
}

type modalPhase int

const (
	phaseEditing modalPhase = iota
	phaseRunning
	phaseDone
)

// --- Messages ---

// decidedMsg carries the result of applying the user's identities.
type decidedMsg struct {
	outcome reconcile.Outcome
	err     error
}

// --- Reconcile modal model ---

// ReconcileModal asks for one Mapping identity per resolvable issue, then
// creates the records and shows what happened to each item.
type ReconcileModal struct {
	ctx     context.Context
	decider Decider
	batch   *reconcile.Batch

	inputs  []textinput.Model
	cursor  int
	phase   modalPhase
	spinner spinner.Model

	outcome reconcile.Outcome
	err     error
	closed  bool

	width  int
	height int
}

// NewReconcileModal prepares a modal for batch. Each input starts with the
// slot's current id.
func NewReconcileModal(ctx context.Context, decider Decider, batch *reconcile.Batch) ReconcileModal {
	inputs := make([]textinput.Model, len(batch.Items))
	for i, item := range batch.Items {
		ti := textinput.New()
		ti.Prompt = ""
		ti.CharLimit = 64
		ti.Width = 40
		ti.Placeholder = item.Suggestion()
		ti.SetValue(item.CandidateSlotID)
		inputs[i] = ti
	}
	if len(inputs) > 0 {
		inputs[0].Focus()
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	return ReconcileModal{
		ctx:     ctx,
		decider: decider,
		batch:   batch,
		inputs:  inputs,
		spinner: sp,
		width:   100,
		height:  30,
	}
}

// IDs returns the identities typed so far, aligned with the batch items.
func (m ReconcileModal) IDs() []string {
	ids := make([]string, len(m.inputs))
	for i, in := range m.inputs {
		ids[i] = strings.TrimSpace(in.Value())
	}
	return ids
}

// Outcome returns the per-item results once the batch has been applied.
func (m ReconcileModal) Outcome() (reconcile.Outcome, error) {
	return m.outcome, m.err
}

// Cancelled reports whether the user dismissed the modal without deciding.
func (m ReconcileModal) Cancelled() bool {
	return m.closed && m.phase == phaseEditing
}

func (m ReconcileModal) Init() tea.Cmd {
	return textinput.Blink
}

func (m ReconcileModal) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case spinner.TickMsg:
		if m.phase != phaseRunning {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case decidedMsg:
		m.phase = phaseDone
		m.outcome, m.err = msg.outcome, msg.err
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m ReconcileModal) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m.close(reconcile.CloseCancel)
	}
	switch m.phase {
	case phaseRunning:
		return m, nil
	case phaseDone:
		switch msg.String() {
		case "enter", "esc", "q":
			return m.close(reconcile.CloseSave)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, keys.Cancel):
		return m.close(reconcile.CloseCancel)
	case key.Matches(msg, keys.Submit):
		return m.submit()
	case key.Matches(msg, keys.Next):
		m.focus(m.cursor + 1)
		return m, nil
	case key.Matches(msg, keys.Prev):
		m.focus(m.cursor - 1)
		return m, nil
	case key.Matches(msg, keys.Suggest):
		if len(m.inputs) > 0 {
			in := &m.inputs[m.cursor]
			in.SetValue(in.Placeholder)
			in.CursorEnd()
		}
		return m, nil
	}

	if len(m.inputs) == 0 {
		return m, nil
	}
	var cmd tea.Cmd
	m.inputs[m.cursor], cmd = m.inputs[m.cursor].Update(msg)
	return m, cmd
}

func (m *ReconcileModal) focus(i int) {
	if len(m.inputs) == 0 {
		return
	}
	i = (i + len(m.inputs)) % len(m.inputs)
	m.inputs[m.cursor].Blur()
	m.cursor = i
	m.inputs[m.cursor].Focus()
}

func (m ReconcileModal) submit() (tea.Model, tea.Cmd) {
	m.phase = phaseRunning
	for i := range m.inputs {
		m.inputs[i].Blur()
	}
	ctx, decider, batch, ids := m.ctx, m.decider, m.batch, m.IDs()
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		out, err := decider.Decide(ctx, batch, ids)
		return decidedMsg{outcome: out, err: err}
	})
}

func (m ReconcileModal) close(mode reconcile.CloseMode) (tea.Model, tea.Cmd) {
	if err := m.decider.Close(m.batch, mode); err != nil && m.err == nil {
		m.err = err
	}
	m.closed = true
	return m, tea.Quit
}

// --- View ---

const (
	colIssue = 7
	colSlot  = 6
)

func (m ReconcileModal) View() string {
	contentW := m.width - 8
	if contentW < 60 {
		contentW = 60
	}
	idW := contentW - colIssue - colSlot - 8
	if idW < 20 {
		idW = 20
	}

	var b strings.Builder
	b.WriteString(overlayTitle.Render("Create missing mappings"))
	b.WriteString("\n")
	b.WriteString(overlayInstructions.Render(
		"The questionnaire references mappings that do not exist. Enter an id to create each one, or leave it empty to skip."))
	b.WriteString("\n\n")

	b.WriteString("  " + columnHeader.Render(cell("Issue", colIssue)+cell("Slot", colSlot)+cell("Mapping id", idW)))
	b.WriteString("\n")
	for i, item := range m.batch.Items {
		b.WriteString(m.renderRow(i, item, idW))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.phase {
	case phaseEditing:
		b.WriteString(keyBar(hint("Enter", "create"), hint("Tab", "next"),
			hint("Ctrl+N", "suggest"), hint("Esc", "cancel")))
	case phaseRunning:
		b.WriteString(m.spinner.View() + " " + statusRunningStyle.Render("Creating mappings..."))
	case phaseDone:
		b.WriteString(m.summary())
		b.WriteString("\n\n")
		b.WriteString(keyBar(hint("Enter", "close")))
	}

	box := overlayBorder.Width(contentW).Render(b.String())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m ReconcileModal) renderRow(i int, item reconcile.Item, idW int) string {
	prefix := "  "
	if m.phase == phaseEditing && i == m.cursor {
		prefix = rowCurrent.Render(GlyphCurrent + " ")
	}
	row := cell(fmt.Sprintf("#%d", item.IssueIndex), colIssue) + cell(fmt.Sprintf("[%d]", item.SlotIndex), colSlot)
	if m.phase == phaseEditing {
		return prefix + row + m.inputs[i].View()
	}
	id := m.IDs()[i]
	line := prefix + row + cell(id, idW)
	if m.phase == phaseDone && i < len(m.outcome.Results) {
		line += statusLabel(m.outcome.Results[i])
	}
	return line
}

func statusLabel(r reconcile.ItemResult) string {
	switch r.Status {
	case reconcile.ItemSucceeded:
		return statusSucceededStyle.Render(GlyphSucceeded + " created")
	case reconcile.ItemSkipped:
		return statusSkippedStyle.Render(GlyphSkipped + " skipped")
	case reconcile.ItemCreateFailed:
		return statusFailedStyle.Render(GlyphFailed + " create failed")
	case reconcile.ItemSaveFailed:
		return statusFailedStyle.Render(GlyphFailed + " save failed")
	}
	return GlyphPending
}

func (m ReconcileModal) summary() string {
	if m.err != nil {
		return errorStyle.Render("Error: " + m.err.Error())
	}
	failed := m.outcome.Count(reconcile.ItemCreateFailed) + m.outcome.Count(reconcile.ItemSaveFailed)
	text := fmt.Sprintf("%d created, %d skipped, %d failed",
		m.outcome.Count(reconcile.ItemSucceeded), m.outcome.Count(reconcile.ItemSkipped), failed)
	if failed > 0 {
		return statusFailedStyle.Render(text)
	}
	return statusSucceededStyle.Render(text)
}

// cell pads or truncates s to exactly w terminal columns.
func cell(s string, w int) string {
	return runewidth.FillRight(runewidth.Truncate(s, w-1, "…"), w)
}

// RunReconcile shows the modal until the user closes it and returns the
// per-item outcome. A cancelled modal returns an empty outcome.
func RunReconcile(ctx context.Context, decider Decider, batch *reconcile.Batch, opts ...tea.ProgramOption) (reconcile.Outcome, error) {
	final, err := tea.NewProgram(NewReconcileModal(ctx, decider, batch), opts...).Run()
	if err != nil {
		return reconcile.Outcome{}, fmt.Errorf("reconciliation modal: %w", err)
	}
	return final.(ReconcileModal).Outcome()
}

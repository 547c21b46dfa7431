package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/mapdebug/pkg/debugsession"
	"github.com/ormasoftchile/mapdebug/pkg/evaluator"
	"github.com/ormasoftchile/mapdebug/pkg/fhir"
	"github.com/ormasoftchile/mapdebug/pkg/notify"
	"github.com/ormasoftchile/mapdebug/pkg/remote"
)

// Session is the part of the debug session the preview drives.
type Session interface {
	Snapshot() debugsession.Snapshot
	SelectMapping(ctx context.Context, id string)
	ReloadMapping(ctx context.Context)
}

// Feed buffers session snapshots for a Preview. Push fits
// workspace.Options.OnSession; only the newest snapshots are kept.
type Feed struct {
	ch chan debugsession.Snapshot
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{ch: make(chan debugsession.Snapshot, 8)}
}

// Push queues s, dropping the oldest queued snapshot when full.
func (f *Feed) Push(s debugsession.Snapshot) {
	for {
		select {
		case f.ch <- s:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

// --- Messages ---

type snapshotMsg debugsession.Snapshot

// --- Preview model ---

// Preview shows the debug result of the active mapping and refreshes
// whenever the session changes.
type Preview struct {
	ctx      context.Context
	session  Session
	feed     *Feed
	title    string
	mappings []string

	snap         debugsession.Snapshot
	showResponse bool

	picking    bool
	pickCursor int

	viewport viewport.Model
	spinner  spinner.Model
	ready    bool
	width    int
	height   int
}

// NewPreview builds the preview for session. mappings are the ids offered
// by the mapping picker.
func NewPreview(ctx context.Context, session Session, feed *Feed, title string, mappings []string) Preview {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	p := Preview{
		ctx:      ctx,
		session:  session,
		feed:     feed,
		title:    title,
		mappings: mappings,
		snap:     session.Snapshot(),
		spinner:  sp,
	}
	p.resize(100, 30)
	return p
}

func (p Preview) Init() tea.Cmd {
	return tea.Batch(p.spinner.Tick, p.listen())
}

// listen waits for the next session snapshot.
func (p Preview) listen() tea.Cmd {
	if p.feed == nil {
		return nil
	}
	ch := p.feed.ch
	return func() tea.Msg {
		s := <-ch
		return snapshotMsg(s)
	}
}

func (p Preview) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.resize(msg.Width, msg.Height)
		return p, nil

	case snapshotMsg:
		p.snap = debugsession.Snapshot(msg)
		p.refresh()
		return p, p.listen()

	case spinner.TickMsg:
		var cmd tea.Cmd
		p.spinner, cmd = p.spinner.Update(msg)
		return p, cmd

	case tea.KeyMsg:
		if p.picking {
			return p.updatePicker(msg)
		}
		switch {
		case key.Matches(msg, keys.Quit):
			return p, tea.Quit
		case key.Matches(msg, keys.Mapping):
			p.picking = true
			p.pickCursor = 0
			for i, id := range p.mappings {
				if id == p.snap.MappingID {
					p.pickCursor = i
				}
			}
			return p, nil
		case key.Matches(msg, keys.Reload):
			ctx, s := p.ctx, p.session
			return p, func() tea.Msg {
				s.ReloadMapping(ctx)
				return nil
			}
		case key.Matches(msg, keys.Toggle):
			p.showResponse = !p.showResponse
			p.refresh()
			return p, nil
		}
		var cmd tea.Cmd
		p.viewport, cmd = p.viewport.Update(msg)
		return p, cmd
	}
	return p, nil
}

func (p Preview) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if p.pickCursor > 0 {
			p.pickCursor--
		}
	case "down", "j":
		if p.pickCursor < len(p.mappings)-1 {
			p.pickCursor++
		}
	case "esc":
		p.picking = false
	case "enter":
		p.picking = false
		if p.pickCursor < len(p.mappings) {
			return p, p.selectCmd(p.mappings[p.pickCursor])
		}
	case "1", "2", "3", "4", "5", "6", "7", "8", "9":
		idx := int(msg.String()[0] - '1')
		if idx < len(p.mappings) {
			p.picking = false
			p.pickCursor = idx
			return p, p.selectCmd(p.mappings[idx])
		}
	case "ctrl+c":
		return p, tea.Quit
	}
	return p, nil
}

func (p Preview) selectCmd(id string) tea.Cmd {
	ctx, s := p.ctx, p.session
	return func() tea.Msg {
		s.SelectMapping(ctx, id)
		return nil
	}
}

func (p *Preview) resize(width, height int) {
	p.width, p.height = width, height
	w, h := width-4, height-5
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if !p.ready {
		p.viewport = viewport.New(w, h)
		p.ready = true
	} else {
		p.viewport.Width, p.viewport.Height = w, h
	}
	p.refresh()
}

func (p *Preview) refresh() {
	p.viewport.SetContent(p.content())
}

// shown returns the document currently displayed and its label.
func (p Preview) shown() (string, remote.Data[fhir.Resource]) {
	if p.showResponse {
		return "response", p.snap.Response
	}
	return "preview", p.snap.Preview
}

func (p Preview) content() string {
	what, data := p.shown()
	switch data.Status {
	case remote.Failure:
		return errorStyle.Render(notify.FormatError(data.Err, -1))
	case remote.Success:
		text, err := evaluator.Render(data.Value)
		if err != nil {
			return errorStyle.Render(err.Error())
		}
		return renderYAML(text)
	case remote.Loading:
		return dimStyle.Render("Loading " + what + "...")
	}
	if p.snap.MappingID == "" && !p.showResponse {
		return dimStyle.Render("No mapping selected. Press m to choose one.")
	}
	return dimStyle.Render("No " + what + " yet.")
}

func (p Preview) View() string {
	if p.picking {
		return p.pickerView()
	}
	what, data := p.shown()

	header := headerStyle.Render(p.title)
	if p.snap.MappingID != "" {
		header += " " + modeBadgeStyle.Render(p.snap.MappingID)
	}
	if data.Status == remote.Loading {
		header += " " + p.spinner.View()
	}

	panel := panelBorder.Width(p.width - 2).Render(
		panelTitle.Render(strings.ToUpper(what[:1])+what[1:]) + "\n" + p.viewport.View())

	bar := keyBar(hint("m", "mappings"), hint("r", "reload"), hint("v", "response/preview"),
		hint("PgUp/Dn", "scroll"), hint("q", "quit"))
	return lipgloss.JoinVertical(lipgloss.Left, header, panel, bar)
}

func (p Preview) pickerView() string {
	var b strings.Builder
	b.WriteString(overlayTitle.Render("Select mapping"))
	b.WriteString("\n\n")
	if len(p.mappings) == 0 {
		b.WriteString(dimStyle.Render("This questionnaire has no mappings."))
		b.WriteString("\n")
	}
	for i, id := range p.mappings {
		prefix := "  "
		line := fmt.Sprintf("%s %s", keyStyle.Render(fmt.Sprintf("%d.", i+1)), id)
		if id == p.snap.MappingID {
			line += " " + keyDescStyle.Render("(active)")
		}
		if i == p.pickCursor {
			prefix = rowCurrent.Render(GlyphCurrent + " ")
			line = rowCurrent.Render(line)
		}
		b.WriteString(prefix + line + "\n")
	}
	b.WriteString("\n")
	b.WriteString(keyBar(hint("↑↓", "select"), hint("Enter", "choose"), hint("1-9", "quick select"), hint("Esc", "back")))

	box := overlayBorder.Width(50).Render(b.String())
	return lipgloss.Place(p.width, p.height, lipgloss.Center, lipgloss.Center, box)
}

// RunPreview shows the preview until the user quits.
func RunPreview(ctx context.Context, session Session, feed *Feed, title string, mappings []string, opts ...tea.ProgramOption) error {
	if _, err := tea.NewProgram(NewPreview(ctx, session, feed, title, mappings), opts...).Run(); err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	return nil
}

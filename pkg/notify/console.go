package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	successBadge = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorBadge   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	tagStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Console prints notifications as single styled lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Notify(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, Line(n))
}

// Line renders n the way Console prints it.
func Line(n Notification) string {
	badge := successBadge.Render("✓")
	if n.Kind == KindError {
		badge = errorBadge.Render("✗")
	}
	line := badge + " " + n.Text
	if idx, ok := n.Index(); ok {
		line += " " + tagStyle.Render(fmt.Sprintf("[issue %d]", idx))
	}
	return line
}

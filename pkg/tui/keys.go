package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap holds all TUI key bindings.
type keyMap struct {
	Submit  key.Binding
	Next    key.Binding
	Prev    key.Binding
	Suggest key.Binding
	Cancel  key.Binding
	Mapping key.Binding
	Reload  key.Binding
	Toggle  key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "create"),
	),
	Next: key.NewBinding(
		key.WithKeys("tab", "down"),
		key.WithHelp("tab/↓", "next"),
	),
	Prev: key.NewBinding(
		key.WithKeys("shift+tab", "up"),
		key.WithHelp("shift+tab/↑", "previous"),
	),
	Suggest: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("ctrl+n", "suggest id"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "cancel"),
	),
	Mapping: key.NewBinding(
		key.WithKeys("m"),
		key.WithHelp("m", "mappings"),
	),
	Reload: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reload"),
	),
	Toggle: key.NewBinding(
		key.WithKeys("v"),
		key.WithHelp("v", "response/preview"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// hint renders one "key:desc" pair of the key bar.
func hint(k, desc string) string {
	return keyStyle.Render(k) + keyDescStyle.Render(":"+desc)
}

func keyBar(hints ...string) string {
	out := ""
	for i, h := range hints {
		if i > 0 {
			out += "  "
		}
		out += h
	}
	return keyBarStyle.Render(out)
}

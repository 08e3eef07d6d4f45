package term

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the terminal client.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Toggle   key.Binding
	Enter    key.Binding
	Annotate key.Binding
	Extra    key.Binding
	Custom   key.Binding
	Cancel   key.Binding
	Settings key.Binding
	Web      key.Binding
	Escape   key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev option"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next option"),
		),
		Toggle: key.NewBinding(
			key.WithKeys(" "),
			key.WithHelp("space", "toggle option"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "submit"),
		),
		Annotate: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "annotate option"),
		),
		Extra: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "extra note"),
		),
		Custom: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "custom input"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "cancel"),
		),
		Settings: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "timeout"),
		),
		Web: key.NewBinding(
			key.WithKeys("w"),
			key.WithHelp("w", "open in web"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/dynld/internal/engine"
)

var (
	tuiTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tuiDescStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// recordItem adapts one object.Record into a bubbles/list.Item: its title
// is the record's name and position in search order, its description its
// base address and symbol count.
type recordItem struct {
	index   int
	name    string
	base    string
	symbols int
	refcnt  int
}

func (i recordItem) Title() string {
	return fmt.Sprintf("[%d] %s", i.index, i.name)
}

func (i recordItem) Description() string {
	return fmt.Sprintf("base=%s symbols=%d refcnt=%d", i.base, i.symbols, i.refcnt)
}

func (i recordItem) FilterValue() string { return i.name }

type tuiModel struct {
	list list.Model
}

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m tuiModel) View() string { return m.list.View() }

// runTUI browses eng's object list interactively: one bubbles/list entry per record, in global search
// order, so the invariant "earlier entries win symbol lookups" is visible
// as "earlier in the list" rather than buried in log output.
func runTUI(eng *engine.Engine) error {
	items := make([]list.Item, 0, eng.List().Len())
	for i := 0; i < eng.List().Len(); i++ {
		rec := eng.List().At(i)
		items = append(items, recordItem{
			index:   i,
			name:    rec.Name,
			base:    fmt.Sprintf("%#x", rec.Base),
			symbols: len(rec.Syms),
			refcnt:  rec.RefCnt,
		})
	}

	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(lipgloss.Color("212"))
	delegate.Styles.NormalDesc = tuiDescStyle

	l := list.New(items, delegate, 0, 0)
	l.Title = fmt.Sprintf("global search order (trace %s)", eng.TraceID())
	l.Styles.Title = tuiTitleStyle

	_, err := tea.NewProgram(tuiModel{list: l}, tea.WithAltScreen()).Run()
	return err
}

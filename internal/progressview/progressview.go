// Package progressview renders a live bubbletea progress bar driven by
// Worker pool snapshots published on the eventbus (SPEC_FULL.md §4.3, §2.1).
// The Model/Update/View shape and the tea.Program wiring follow
// the teacher's setup wizard; the payload here is a worker.Snapshot instead
// of a form field.
package progressview

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentorch/engine/internal/worker"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// snapshotMsg carries a Pool.Snapshot into the bubbletea Update loop.
type snapshotMsg worker.Snapshot

// doneMsg signals that the orchestration run has finished.
type doneMsg struct{ err error }

// Model is a bubbletea model that renders one command's progress.
type Model struct {
	command  string
	bar      progress.Model
	last     worker.Snapshot
	finished bool
	err      error
	updates  <-chan worker.Snapshot
	done     <-chan error
}

// New builds a Model that reads snapshots from updates until done fires.
func New(command string, updates <-chan worker.Snapshot, done <-chan error) Model {
	return Model{
		command: command,
		bar:     progress.New(progress.WithDefaultGradient()),
		updates: updates,
		done:    done,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.updates), waitForDone(m.done))
}

func waitForSnapshot(updates <-chan worker.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func waitForDone(done <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-done}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - 4
	case snapshotMsg:
		m.last = worker.Snapshot(msg)
		return m, waitForSnapshot(m.updates)
	case doneMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	total := m.last.Pending + m.last.Running + m.last.Success + m.last.Failed
	frac := 0.0
	if total > 0 {
		frac = float64(m.last.Success+m.last.Failed) / float64(total)
	}
	out := titleStyle.Render("orchestrating: "+m.command) + "\n\n"
	out += m.bar.ViewAs(frac) + "\n\n"
	out += statStyle.Render(fmt.Sprintf(
		"pending=%d running=%d success=%d failed=%d cost=$%.2f",
		m.last.Pending, m.last.Running, m.last.Success, m.last.Failed, m.last.CumulativeCost,
	)) + "\n"
	if m.finished {
		if m.err != nil {
			out += "\n" + errStyle.Render(m.err.Error()) + "\n"
		}
		out += "\npress q to exit\n"
	}
	return out
}

package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/boxlite-ai/claudebox/internal/lease"
	"github.com/boxlite-ai/claudebox/internal/manager"
	"github.com/boxlite-ai/claudebox/internal/util"
	"github.com/boxlite-ai/claudebox/internal/workspace"
)

var sessionsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch sessions live",
	Long:  `Continuously refresh the session table until interrupted.`,
	RunE:  runSessionsWatch,
}

func init() {
	sessionsCmd.AddCommand(sessionsWatchCmd)
}

func runSessionsWatch(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	model := watchModel{mgr: m, spinner: sp}
	_, err = tea.NewProgram(model, tea.WithOutput(cmd.OutOrStdout())).Run()
	return err
}

type watchTickMsg time.Time

type watchSessionsMsg struct {
	sessions []*workspace.Metadata
	err      error
}

type watchModel struct {
	mgr      *manager.Manager
	spinner  spinner.Model
	sessions []*workspace.Metadata
	err      error
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.reload, watchTick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case watchTickMsg:
		return m, tea.Batch(m.reload, watchTick())

	case watchSessionsMsg:
		m.sessions = msg.sessions
		m.err = msg.err
		return m, nil

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m watchModel) View() string {
	s := fmt.Sprintf("%s Sessions (q to quit)\n\n", m.spinner.View())

	if m.err != nil {
		return s + lockedStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
	}
	if len(m.sessions) == 0 {
		return s + "No sessions.\n"
	}

	s += headerStyle.Render(fmt.Sprintf("%-24s %-12s %-8s %s", "SESSION", "STATE", "LOCK", "LAST ACTIVE")) + "\n"
	for _, meta := range m.sessions {
		lock := "free"
		if rec, held := lease.Inspect(m.mgr.Store().SessionDir(meta.ID)); held {
			lock = fmt.Sprintf("pid %d", rec.PID)
		}

		state := string(meta.State)
		if style, ok := stateStyles[meta.State]; ok {
			state = style.Render(state)
		}
		s += fmt.Sprintf("%-24s %-12s %-8s %s\n", util.Truncate(meta.ID, 24), state, lock, formatAge(meta.LastActive))
	}
	return s
}

func (m watchModel) reload() tea.Msg {
	sessions, err := m.mgr.List()
	return watchSessionsMsg{sessions: sessions, err: err}
}

func watchTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/boxlite-ai/claudebox/internal/lease"
	"github.com/boxlite-ai/claudebox/internal/util"
	"github.com/boxlite-ai/claudebox/internal/workspace"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sandbox sessions",
	Long:  `Commands for listing, watching, and cleaning up sandbox sessions.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Long: `List every session under the workspace root with its lifecycle state,
template, lock status, and workspace size.`,
	RunE: runSessionsList,
}

var sessionsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up stale session data",
	Long: `Reclaim stale leases left behind by dead processes and remove sessions
already in the destroyed state. With --all, every session is destroyed.`,
	RunE: runSessionsClean,
}

var cleanAllSessions bool

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanCmd)

	sessionsCleanCmd.Flags().BoolVar(&cleanAllSessions, "all", false, "destroy every session and remove its workspace")
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	lockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	stateStyles = map[workspace.State]lipgloss.Style{
		workspace.StateAttached:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		workspace.StateSuspended: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		workspace.StateDestroyed: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func runSessionsList(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	sessions, err := m.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		fmt.Fprintln(out, "Run 'claudebox code --session <name> <prompt>' to create one.")
		return nil
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-24s %-12s %-10s %-8s %-10s %s",
		"SESSION", "STATE", "TEMPLATE", "LOCK", "SIZE", "LAST ACTIVE")))

	for _, meta := range sessions {
		lock := "free"
		if rec, held := lease.Inspect(m.Store().SessionDir(meta.ID)); held {
			lock = lockedStyle.Render(fmt.Sprintf("pid %d", rec.PID))
		}

		state := string(meta.State)
		if style, ok := stateStyles[meta.State]; ok {
			state = style.Render(state)
		}

		fmt.Fprintf(out, "%-24s %-12s %-10s %-8s %-10s %s\n",
			util.Truncate(meta.ID, 24), state, meta.Template, lock,
			formatBytes(meta.SizeBytes), formatAge(meta.LastActive))
	}
	return nil
}

func runSessionsClean(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	sessions, err := m.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	cleaned := 0
	for _, meta := range sessions {
		dir := m.Store().SessionDir(meta.ID)

		if reclaimed, err := lease.ReclaimStale(dir, logger); err == nil && reclaimed {
			fmt.Fprintf(out, "reclaimed stale lease for %s\n", meta.ID)
		}

		if !cleanAllSessions && meta.State != workspace.StateDestroyed {
			continue
		}
		if err := m.Cleanup(context.Background(), meta.ID, true); err != nil {
			fmt.Fprintf(out, "skipping %s: %v\n", meta.ID, err)
			continue
		}
		fmt.Fprintf(out, "removed %s\n", meta.ID)
		cleaned++
	}

	fmt.Fprintf(out, "%d session(s) removed\n", cleaned)
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}

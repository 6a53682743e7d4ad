package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boxlite-ai/claudebox/internal/manager"
)

var startCmd = &cobra.Command{
	Use:   "start <session>",
	Short: "Create or warm up a persistent session",
	Long: `Provision the sandbox for a persistent session without running a task,
then suspend it. The workspace and resolved policy are persisted, so a later
'code --session' starts from a warm state. Starting an existing session
verifies it can still be attached.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	startTemplate string
	startSkills   []string
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startTemplate, "template", "t", "default", "sandbox template")
	startCmd.Flags().StringArrayVar(&startSkills, "skill", nil, "skill to enable (repeatable)")
}

func runStart(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := m.Start(ctx, manager.StartOptions{
		Identity: args[0],
		Template: startTemplate,
		Skills:   startSkills,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s provisioned (sandbox %s)\n", sess.ID(), sess.SandboxID())
	if err := sess.Suspend(context.Background()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s suspended; reconnect with 'claudebox code --session %s'\n", sess.ID(), sess.ID())
	return nil
}

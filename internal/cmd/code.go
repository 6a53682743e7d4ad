package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boxlite-ai/claudebox/internal/executor"
	"github.com/boxlite-ai/claudebox/internal/manager"
	"github.com/boxlite-ai/claudebox/internal/util"
)

var codeCmd = &cobra.Command{
	Use:   "code <prompt>",
	Short: "Run a coding task in a sandbox session",
	Long: `Run one prompt through Claude Code inside an isolated sandbox.

Without --session an ephemeral session is used: a fresh workspace that is
removed when the task finishes. With --session the workspace persists and
later invocations reconnect to it with full context.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCode,
}

var (
	codeSession         string
	codeTemplate        string
	codeSkills          []string
	codeMaxTurns        int
	codeTimeout         time.Duration
	codeAllowedTools    []string
	codeDisallowedTools []string
	codeKeep            bool
	codeTrace           bool
)

func init() {
	rootCmd.AddCommand(codeCmd)

	codeCmd.Flags().StringVarP(&codeSession, "session", "s", "", "persistent session identity (default: ephemeral)")
	codeCmd.Flags().StringVarP(&codeTemplate, "template", "t", "default", "sandbox template")
	codeCmd.Flags().StringArrayVar(&codeSkills, "skill", nil, "skill to enable (repeatable)")
	codeCmd.Flags().IntVar(&codeMaxTurns, "max-turns", 0, "bound the agent's internal loop (0 = unbounded)")
	codeCmd.Flags().DurationVar(&codeTimeout, "timeout", 0, "task deadline (default from config)")
	codeCmd.Flags().StringArrayVar(&codeAllowedTools, "allowed-tool", nil, "tool the agent may use (repeatable)")
	codeCmd.Flags().StringArrayVar(&codeDisallowedTools, "disallowed-tool", nil, "tool the agent may not use (repeatable)")
	codeCmd.Flags().BoolVar(&codeKeep, "keep", false, "suspend instead of destroying when the session is ephemeral")
	codeCmd.Flags().BoolVar(&codeTrace, "trace", false, "print the agent's action trace")
}

func runCode(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := m.Start(ctx, manager.StartOptions{
		Identity: codeSession,
		Template: codeTemplate,
		Skills:   codeSkills,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s (sandbox %s)\n", sess.ID(), sess.SandboxID())

	result, runErr := sess.Code(ctx, strings.Join(args, " "), &manager.CodeOptions{
		Timeout:         codeTimeout,
		MaxTurns:        codeMaxTurns,
		AllowedTools:    codeAllowedTools,
		DisallowedTools: codeDisallowedTools,
	})

	var closeErr error
	if codeKeep || sess.Persistent() {
		closeErr = sess.Suspend(context.Background())
	} else {
		closeErr = sess.Close(context.Background())
	}

	if runErr != nil {
		return runErr
	}
	printResult(cmd, result)
	if closeErr != nil {
		return closeErr
	}
	if result.Status != executor.StatusSucceeded {
		return fmt.Errorf("task %s", result.Status)
	}
	return nil
}

func printResult(cmd *cobra.Command, result *executor.Result) {
	out := cmd.OutOrStdout()
	if codeTrace {
		for _, action := range result.Trace {
			line := action.Text
			if action.Type == "tool_use" {
				line = action.Name
			}
			fmt.Fprintf(out, "  [%s] %s\n", action.Type, util.Truncate(util.FirstLine(line), 96))
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, result.Response)
	fmt.Fprintf(out, "\n[%s] %d turns, $%.4f, %s\n",
		result.Status, result.Usage.Turns, result.Usage.CostUSD, result.Duration.Round(time.Millisecond))
}

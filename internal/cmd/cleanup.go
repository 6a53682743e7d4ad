package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <session>",
	Short: "Destroy a session",
	Long: `Tear a session down: its sandbox is destroyed and its lease released.
The workspace is kept for later reconnection unless --remove-workspace is
given. Cleaning up a session that is already gone is not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

var cleanupRemoveWorkspace bool

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupRemoveWorkspace, "remove-workspace", false, "also delete the workspace file tree")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := m.Cleanup(context.Background(), args[0], cleanupRemoveWorkspace); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s cleaned up\n", args[0])
	return nil
}

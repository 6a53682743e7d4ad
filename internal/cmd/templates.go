package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available sandbox templates",
	RunE:  runTemplates,
}

func init() {
	rootCmd.AddCommand(templatesCmd)
}

func runTemplates(cmd *cobra.Command, args []string) error {
	m, logger, err := buildManager()
	if err != nil {
		return err
	}
	defer logger.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-12s %-48s %s", "TEMPLATE", "IMAGE", "DESCRIPTION")))
	for _, tmpl := range m.Engine().Templates() {
		fmt.Fprintf(out, "%-12s %-48s %s\n", tmpl.Name, tmpl.Image, tmpl.Description)
	}
	return nil
}

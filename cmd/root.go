package cmd

import (
	"github.com/spf13/cobra"
)

// Execute runs the conductor CLI.
func Execute() error {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Task orchestration engine",
	}
	root.AddCommand(serveCMD(), migrateCMD())
	return root.Execute()
}

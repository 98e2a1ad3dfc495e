package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteThreadCmd = &cobra.Command{
	Use:   "delete-thread",
	Short: "Delete a thread, its checkpoints, writes and branches",
	Run: func(cmd *cobra.Command, args []string) {
		saver, closeSaver, err := openSaver(cmd)
		if err != nil {
			fatal(err)
		}
		defer closeSaver()

		config, err := threadConfig(cmd)
		if err != nil {
			fatal(err)
		}
		if err := saver.DeleteThread(cmd.Context(), config.ThreadID, config.Namespace); err != nil {
			fatal(err)
		}
		fmt.Printf("Deleted thread %s\n", config.ThreadID)
	},
}

var deleteBranchCmd = &cobra.Command{
	Use:   "delete-branch <branch-id>",
	Short: "Delete a branch; its checkpoints remain",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		saver, closeSaver, err := openSaver(cmd)
		if err != nil {
			fatal(err)
		}
		defer closeSaver()

		config, err := threadConfig(cmd)
		if err != nil {
			fatal(err)
		}
		if err := saver.DeleteBranch(cmd.Context(), config, args[0]); err != nil {
			fatal(err)
		}
		fmt.Printf("Deleted branch %s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(deleteThreadCmd)
	rootCmd.AddCommand(deleteBranchCmd)
}

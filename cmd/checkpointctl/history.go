package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List a thread's checkpoints, newest first",
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
		before, _ := cmd.Flags().GetString("before")
		limit, _ := cmd.Flags().GetInt("limit")

		tuples, err := saver.List(cmd.Context(), config, before, limit)
		if err != nil {
			fatal(err)
		}
		if len(tuples) == 0 {
			fmt.Println("No checkpoints found.")
			return
		}
		for _, t := range tuples {
			parent := "-"
			if t.ParentConfig != nil {
				parent = t.ParentConfig.CheckpointID
			}
			fmt.Printf("%s  %s  parent=%s\n",
				t.Checkpoint.ID, t.Checkpoint.Timestamp.Format("2006-01-02 15:04:05"), parent)
		}
	},
}

func init() {
	historyCmd.Flags().String("before", "", "Only checkpoints strictly before this id")
	historyCmd.Flags().Int("limit", 0, "Maximum number of checkpoints (default 100)")
	rootCmd.AddCommand(historyCmd)
}

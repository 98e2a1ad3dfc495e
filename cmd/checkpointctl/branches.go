package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List a thread's branches in creation order",
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
		branches, err := saver.ListBranches(cmd.Context(), config)
		if err != nil {
			fatal(err)
		}
		if len(branches) == 0 {
			fmt.Println("No branches found.")
			return
		}
		for _, b := range branches {
			marker := " "
			if b.Active {
				marker = "*"
			}
			fork := b.ForkPointID
			if fork == "" {
				fork = "-"
			}
			head := b.HeadCheckpointID
			if head == "" {
				head = "-"
			}
			fmt.Printf("%s %s  %s  head=%s  fork=%s\n", marker, b.ID, b.Name, head, fork)
		}
	},
}

func init() {
	rootCmd.AddCommand(branchesCmd)
}

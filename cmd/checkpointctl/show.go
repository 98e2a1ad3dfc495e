package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show [checkpoint-id]",
	Short: "Show one checkpoint with channel values and pending writes",
	Long: `Show resolves and prints a full checkpoint tuple. With no argument it
resolves the thread's current checkpoint (active branch head).`,
	Args: cobra.MaximumNArgs(1),
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
		if len(args) == 1 {
			config.CheckpointID = args[0]
		}

		tuple, err := saver.GetTuple(cmd.Context(), config)
		if err != nil {
			fatal(err)
		}
		if tuple == nil {
			fmt.Println("Checkpoint not found.")
			return
		}

		fmt.Printf("Checkpoint: %s\n", tuple.Checkpoint.ID)
		fmt.Printf("Timestamp:  %s\n", tuple.Checkpoint.Timestamp.Format("2006-01-02 15:04:05.000"))
		if tuple.ParentConfig != nil {
			fmt.Printf("Parent:     %s\n", tuple.ParentConfig.CheckpointID)
		}
		if len(tuple.Metadata) > 0 {
			md, _ := json.MarshalIndent(tuple.Metadata, "", "  ")
			fmt.Printf("Metadata:   %s\n", md)
		}
		if len(tuple.Checkpoint.ChannelValues) > 0 {
			fmt.Println("Channels:")
			for channel, value := range tuple.Checkpoint.ChannelValues {
				data, _ := json.Marshal(value)
				fmt.Printf("  %s@%s = %s\n", channel, tuple.Checkpoint.ChannelVersions[channel], data)
			}
		}
		if len(tuple.PendingWrites) > 0 {
			fmt.Println("Pending writes:")
			for _, w := range tuple.PendingWrites {
				data, _ := json.Marshal(w.Value)
				fmt.Printf("  [%s #%d] %s = %s\n", w.TaskID, w.Idx, w.Channel, data)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

// Package sqlite provides SQLite-backed checkpoint storage.
//
// Best for single-process applications, development and testing: a
// serverless, file-based database with ACID transactions and zero
// configuration. Every Put runs in one transaction, so a reader never
// observes a checkpoint without its channel links.
//
// # Basic Usage
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{
//		Path:        "./checkpoints.db", // or ":memory:"
//		TablePrefix: "ckpt_",            // optional
//	})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
// The schema is created on construction. Six tables hold the graph:
// threads, checkpoints, channel_states, checkpoint_channels,
// pending_writes and branches, plus the checkpoint_branches link table;
// all share the configured prefix.
package sqlite

// Package checkpointgo persists branching checkpoint histories for agent and
// graph runtimes.
//
// A checkpoint is one immutable snapshot of execution state for a thread.
// Checkpoints chain to their parents, channel state is stored
// content-addressed by (channel, version) and shared across checkpoints, and
// named branches allow divergent futures from a shared past: fork a branch
// at any historical checkpoint, make it active, and new checkpoints advance
// only that branch's head ("time travel" / undo-redo semantics).
//
// # Packages
//
//   - checkpoint: core types, the Saver interface and the error taxonomy
//   - checkpoint/memory: volatile in-process saver for tests and demos
//   - checkpoint/sqlite: SQLite-backed saver (mattn/go-sqlite3)
//   - checkpoint/postgres: PostgreSQL-backed saver (jackc/pgx/v5)
//   - checkpoint/redis: Redis-backed saver (redis/go-redis/v9)
//   - serde: dual-path value encoding (plain JSON or serializer envelope)
//   - log: leveled logging interface with std-log and golog implementations
//
// # Quick start
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{Path: "history.db"})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
//	ctx := context.Background()
//	cfg := checkpoint.Config{ThreadID: "thread-1"}
//
//	cfg, err = saver.Put(ctx, cfg, &checkpoint.Checkpoint{
//		ChannelValues:   map[string]any{"messages": []any{"hello"}},
//		ChannelVersions: map[string]string{"messages": "1"},
//	}, checkpoint.Metadata{"step": 1})
//
//	tuple, err := saver.GetTuple(ctx, checkpoint.Config{ThreadID: "thread-1"})
package checkpointgo

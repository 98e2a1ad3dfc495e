package checkpoint

import "context"

// DefaultListLimit caps List results when the caller does not pass a limit.
const DefaultListLimit = 100

// Saver persists branching checkpoint histories. All implementations share
// the same semantics; they differ only in the backing store.
//
// Reads that find no matching record return (nil, nil) rather than an error.
// Writes are idempotent: retrying Put with the same checkpoint id, or
// PutWrites with the same (task, idx), is safe and treated as already done.
type Saver interface {
	// Put durably records a new checkpoint on config's thread. The
	// CheckpointID on config, when set, names the parent checkpoint and
	// must resolve (ParentNotFoundError otherwise). On a thread's first
	// checkpoint the main branch is created and made active; the active
	// branch's head is advanced to the new checkpoint. Returns the config
	// addressing the new checkpoint, to be used as the parent of the next
	// Put.
	Put(ctx context.Context, config Config, cp *Checkpoint, metadata Metadata) (Config, error)

	// PutWrites attaches the task's writes to the checkpoint named by
	// config.CheckpointID, preserving slice order as the per-task idx.
	// Returns ErrMissingCheckpointID when the config carries no checkpoint
	// id; the checkpoint must already exist.
	PutWrites(ctx context.Context, config Config, taskID, taskPath string, writes []ChannelWrite) error

	// GetTuple resolves a checkpoint and reconstructs its full state.
	// With config.CheckpointID set it reads that exact checkpoint.
	// Otherwise it reads the head of the thread's active branch, falling
	// back to the greatest checkpoint id on the thread when no branch head
	// exists (histories written before branching, or after the active
	// branch was deleted).
	GetTuple(ctx context.Context, config Config) (*CheckpointTuple, error)

	// List returns the thread's checkpoints newest-first, strictly before
	// the given checkpoint id when before is non-empty, capped at limit
	// (DefaultListLimit when limit <= 0). Listed tuples are structural:
	// config, decoded checkpoint, metadata and parent config only —
	// channel values and pending writes are not resolved. Use GetTuple
	// for the complete state of one checkpoint.
	List(ctx context.Context, config Config, before string, limit int) ([]*CheckpointTuple, error)

	// DeleteThread removes the thread and everything hanging off it:
	// checkpoints, pending writes, branches, and any channel state left
	// orphaned by the cascade.
	DeleteThread(ctx context.Context, threadID, namespace string) error

	// CreateBranch forks a new branch at the checkpoint named by
	// config.CheckpointID (CheckpointNotFoundError if it does not exist).
	// The new branch's head starts at the fork point. The active branch is
	// not changed.
	CreateBranch(ctx context.Context, config Config, name string) (*Branch, error)

	// SetActiveBranch atomically swaps the thread's active branch.
	// Returns BranchNotFoundError when the branch is not under the thread.
	SetActiveBranch(ctx context.Context, config Config, branchID string) error

	// ListBranches returns the thread's branches ordered by creation time
	// ascending, each annotated with its head and whether it is active.
	ListBranches(ctx context.Context, config Config) ([]*Branch, error)

	// DeleteBranch removes a branch and its edges. Checkpoints written on
	// the branch remain; if the branch was active the thread is left with
	// no active branch and reads degrade to the latest-id fallback.
	DeleteBranch(ctx context.Context, config Config, branchID string) error
}

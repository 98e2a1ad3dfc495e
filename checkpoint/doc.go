// Package checkpoint defines the data model and the Saver interface for
// branching checkpoint histories.
//
// # Data model
//
// A Thread (thread id + namespace) owns a stream of immutable Checkpoints.
// Each checkpoint may name a parent, so histories form a forest: parents
// always exist before children reference them, and nothing ever mutates a
// stored checkpoint.
//
// Channel state is versioned independently of checkpoints. A (channel,
// version) pair addresses exactly one stored blob; checkpoints reference
// pairs rather than embedding values, so two checkpoints that saw the same
// channel version share one record. The first writer of a pair wins —
// later writers link to the existing blob and never overwrite it.
//
// Branches are named pointers into the history. Every thread gets a "main"
// branch automatically on its first checkpoint; CreateBranch forks a new
// one at any historical checkpoint. A thread has at most one active branch,
// and Put advances only the active branch's head.
//
// Pending writes capture per-task output recorded before the next
// checkpoint commits, so a crash between "task finished" and "checkpoint
// written" can be recovered or replayed. They are kept until their thread
// is deleted.
//
// # Errors
//
// Reads that find nothing return (nil, nil). Everything else surfaces as a
// typed error: ConfigurationError, ParentNotFoundError,
// CheckpointNotFoundError, BranchNotFoundError, ErrMissingCheckpointID,
// SerializationError, or StoreError wrapping the backend's error.
//
// # Concurrency
//
// Savers are safe for concurrent use, but appends do not serialize across
// processes: two writers racing on the same active branch both succeed and
// the last head advance wins. Callers needing a linearizable append log
// must coordinate above this layer.
package checkpoint

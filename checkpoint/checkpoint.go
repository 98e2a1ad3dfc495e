package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// Config addresses a thread, and optionally an exact checkpoint within it.
// It is the handle callers pass into every Saver operation and the handle
// Put returns for use as the parent of the next write.
type Config struct {
	// ThreadID identifies an independent checkpoint history stream.
	ThreadID string `json:"thread_id"`

	// Namespace allows multiple independent checkpoint streams per thread id.
	// The default (empty) namespace is valid.
	Namespace string `json:"namespace,omitempty"`

	// CheckpointID addresses one exact checkpoint. When set on the config
	// passed to Put it names the parent of the new checkpoint.
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Metadata carries caller-defined annotations stored alongside a checkpoint.
type Metadata = map[string]any

// Checkpoint is one immutable snapshot of execution state.
//
// Checkpoint ids are time-ordered (UUIDv7): lexical comparison of ids agrees
// with creation order, which the read path relies on for history listing and
// for the latest-checkpoint fallback.
type Checkpoint struct {
	// ID is globally unique and monotonically sortable.
	ID string `json:"id"`

	// Timestamp records when the checkpoint was written.
	Timestamp time.Time `json:"ts"`

	// ChannelValues holds the values of channels written at this checkpoint.
	ChannelValues map[string]any `json:"channel_values,omitempty"`

	// ChannelVersions maps every channel of the snapshot to the version of
	// its state. Versions are opaque monotonic tokens; a (channel, version)
	// pair addresses exactly one stored blob, shared across checkpoints.
	ChannelVersions map[string]string `json:"channel_versions,omitempty"`
}

// ChannelWrite is one (channel, value) pair reported by a task.
type ChannelWrite struct {
	Channel string
	Value   any
}

// PendingWrite is a provisional per-task write recorded before its owning
// checkpoint was finalized, kept for crash recovery and replay.
type PendingWrite struct {
	TaskID   string
	TaskPath string
	Idx      int
	Channel  string
	Value    any
}

// Branch is a named pointer into checkpoint history. Appending a checkpoint
// while the branch is active advances its head; other branches keep theirs,
// which is what makes divergent futures from a shared past possible.
type Branch struct {
	ID               string
	Name             string
	CreatedAt        time.Time
	ForkPointID      string // checkpoint the branch diverged from; empty for main
	HeadCheckpointID string
	Active           bool
}

// MainBranchName is the name of the branch created automatically on a
// thread's first checkpoint.
const MainBranchName = "main"

// CheckpointTuple is the full result of a point read: the resolved config,
// the decoded checkpoint with channel values folded back in, its metadata,
// the parent config if the checkpoint has one, and the ordered pending
// writes attached to it.
type CheckpointTuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}

// NewCheckpointID returns a fresh checkpoint id. UUIDv7 keeps ids sortable
// by creation time.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewBranchID returns a fresh branch id.
func NewBranchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

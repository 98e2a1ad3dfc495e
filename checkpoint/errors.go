package checkpoint

import (
	"errors"
	"fmt"
)

// ErrMissingCheckpointID is returned by PutWrites when the config carries no
// checkpoint id. Pending writes attach to a pre-existing checkpoint, never to
// an implicitly created one.
var ErrMissingCheckpointID = errors.New("checkpoint id is required to attach pending writes")

// ConfigurationError indicates an invalid or incomplete caller config, such
// as a missing thread id or a channel value without a version.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Msg
}

// ParentNotFoundError indicates that the parent checkpoint id passed to Put
// does not resolve.
type ParentNotFoundError struct {
	ThreadID  string
	Namespace string
	ParentID  string
}

func (e *ParentNotFoundError) Error() string {
	return fmt.Sprintf("parent checkpoint %s not found (thread %s, namespace %q)",
		e.ParentID, e.ThreadID, e.Namespace)
}

// CheckpointNotFoundError indicates a referenced checkpoint id that does not
// resolve, e.g. the fork point of CreateBranch or the target of PutWrites.
type CheckpointNotFoundError struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %s not found (thread %s, namespace %q)",
		e.CheckpointID, e.ThreadID, e.Namespace)
}

// BranchNotFoundError indicates a branch id that does not belong to the
// given thread.
type BranchNotFoundError struct {
	ThreadID  string
	Namespace string
	BranchID  string
}

func (e *BranchNotFoundError) Error() string {
	return fmt.Sprintf("branch %s not found (thread %s, namespace %q)",
		e.BranchID, e.ThreadID, e.Namespace)
}

// SerializationError wraps a failure to encode or decode a stored value.
type SerializationError struct {
	Op  string // what was being encoded/decoded, e.g. "checkpoint payload"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization of %s failed: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// StoreError wraps a backing-store or transport failure without
// reinterpreting it.
type StoreError struct {
	Op  string // the logical operation, e.g. "put", "get_tuple"
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

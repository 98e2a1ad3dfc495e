package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/serde"
)

func newSaver() *MemorySaver {
	return NewMemorySaver(MemoryOptions{Serializer: serde.NewTypeRegistry()})
}

// putCheckpoint stores one checkpoint with the given channel writes and
// returns the config addressing it.
func putCheckpoint(t *testing.T, s *MemorySaver, parent checkpoint.Config, channels map[string]any, versions map[string]string) checkpoint.Config {
	t.Helper()
	cp := &checkpoint.Checkpoint{
		ChannelValues:   channels,
		ChannelVersions: versions,
	}
	next, err := s.Put(context.Background(), parent, cp, checkpoint.Metadata{"source": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, next.CheckpointID)
	return next
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	next := putCheckpoint(t, s, cfg,
		map[string]any{"messages": []any{"hello"}, "counter": float64(1)},
		map[string]string{"messages": "v1", "counter": "v1"})

	tuple, err := s.GetTuple(ctx, next)
	require.NoError(t, err)
	require.NotNil(t, tuple)

	assert.Equal(t, next.CheckpointID, tuple.Checkpoint.ID)
	assert.Equal(t, next, tuple.Config)
	assert.Nil(t, tuple.ParentConfig)
	assert.Equal(t, checkpoint.Metadata{"source": "test"}, tuple.Metadata)
	assert.Equal(t, []any{"hello"}, tuple.Checkpoint.ChannelValues["messages"])
	assert.Equal(t, float64(1), tuple.Checkpoint.ChannelValues["counter"])
	assert.Equal(t, "v1", tuple.Checkpoint.ChannelVersions["messages"])
	assert.False(t, tuple.Checkpoint.Timestamp.IsZero())
}

func TestGetTupleAbsent(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "nobody"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	putCheckpoint(t, s, checkpoint.Config{ThreadID: "t1"}, nil, nil)
	tuple, err = s.GetTuple(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "no-such-id"})
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestPutValidation(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	var cfgErr *checkpoint.ConfigurationError
	_, err := s.Put(ctx, checkpoint.Config{}, &checkpoint.Checkpoint{}, nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "t1"}, nil, nil)
	require.ErrorAs(t, err, &cfgErr)

	// A written channel must carry a version.
	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "t1"}, &checkpoint.Checkpoint{
		ChannelValues: map[string]any{"ch": "v"},
	}, nil)
	require.ErrorAs(t, err, &cfgErr)
}

func TestPutParentNotFound(t *testing.T) {
	s := newSaver()

	_, err := s.Put(context.Background(),
		checkpoint.Config{ThreadID: "t1", CheckpointID: "no-such-parent"},
		&checkpoint.Checkpoint{}, nil)

	var notFound *checkpoint.ParentNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "no-such-parent", notFound.ParentID)
}

func TestPutRetryIsIdempotent(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cp := &checkpoint.Checkpoint{
		ID:              checkpoint.NewCheckpointID(),
		ChannelValues:   map[string]any{"ch": "x"},
		ChannelVersions: map[string]string{"ch": "v1"},
	}
	cfg := checkpoint.Config{ThreadID: "t1"}
	first, err := s.Put(ctx, cfg, cp, nil)
	require.NoError(t, err)
	second, err := s.Put(ctx, cfg, cp, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	tuples, err := s.List(ctx, cfg, "", 0)
	require.NoError(t, err)
	assert.Len(t, tuples, 1)
}

func TestNamespaceIsolation(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	putCheckpoint(t, s, checkpoint.Config{ThreadID: "t1", Namespace: "a"}, nil, nil)

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "b"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = s.GetTuple(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "a"})
	require.NoError(t, err)
	assert.NotNil(t, tuple)
}

func TestListNewestFirstWithPaging(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	var ids []string
	next := cfg
	for i := 0; i < 5; i++ {
		next = putCheckpoint(t, s, next,
			map[string]any{"step": float64(i)},
			map[string]string{"step": fmt.Sprintf("v%d", i)})
		ids = append(ids, next.CheckpointID)
	}

	tuples, err := s.List(ctx, cfg, "", 0)
	require.NoError(t, err)
	require.Len(t, tuples, 5)
	for i, tuple := range tuples {
		assert.Equal(t, ids[4-i], tuple.Checkpoint.ID)
		// List returns structure only.
		assert.Empty(t, tuple.Checkpoint.ChannelValues)
		assert.Empty(t, tuple.PendingWrites)
	}
	// Parent linkage is preserved.
	require.NotNil(t, tuples[0].ParentConfig)
	assert.Equal(t, ids[3], tuples[0].ParentConfig.CheckpointID)

	// Page: two at a time, strictly before the previous page.
	page, err := s.List(ctx, cfg, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].Checkpoint.ID)
	assert.Equal(t, ids[3], page[1].Checkpoint.ID)

	page, err = s.List(ctx, cfg, page[1].Checkpoint.ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].Checkpoint.ID)
	assert.Equal(t, ids[1], page[1].Checkpoint.ID)

	page, err = s.List(ctx, cfg, page[1].Checkpoint.ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].Checkpoint.ID)
}

func TestChannelStateSharing(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	// c1 writes both channels.
	c1 := putCheckpoint(t, s, cfg,
		map[string]any{"a": "a1", "b": "b1"},
		map[string]string{"a": "v1", "b": "v1"})
	// c2 rewrites only "a"; its versions still reference b@v1.
	c2 := putCheckpoint(t, s, c1,
		map[string]any{"a": "a2"},
		map[string]string{"a": "v2", "b": "v1"})

	tuple, err := s.GetTuple(ctx, c2)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "a2", tuple.Checkpoint.ChannelValues["a"])
	assert.Equal(t, "b1", tuple.Checkpoint.ChannelValues["b"])

	// Only three blobs exist for the four references.
	s.mu.RLock()
	assert.Len(t, s.channelStates, 3)
	s.mu.RUnlock()
}

func TestChannelStateFirstWriterWins(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	c1 := putCheckpoint(t, s, cfg,
		map[string]any{"a": "original"},
		map[string]string{"a": "v1"})
	// A second write to (a, v1) does not overwrite the stored blob.
	putCheckpoint(t, s, c1,
		map[string]any{"a": "usurper"},
		map[string]string{"a": "v1"})

	tuple, err := s.GetTuple(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, "original", tuple.Checkpoint.ChannelValues["a"])
}

func TestPendingWrites(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	c1 := putCheckpoint(t, s, checkpoint.Config{ThreadID: "t1"}, nil, nil)

	err := s.PutWrites(ctx, c1, "task-a", "graph/node-a", []checkpoint.ChannelWrite{
		{Channel: "out", Value: "first"},
		{Channel: "log", Value: "second"},
	})
	require.NoError(t, err)
	err = s.PutWrites(ctx, c1, "task-b", "graph/node-b", []checkpoint.ChannelWrite{
		{Channel: "out", Value: "third"},
	})
	require.NoError(t, err)

	// Retry of task-a's batch is absorbed.
	err = s.PutWrites(ctx, c1, "task-a", "graph/node-a", []checkpoint.ChannelWrite{
		{Channel: "out", Value: "first"},
		{Channel: "log", Value: "second"},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, c1)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)

	// Insertion order across tasks, idx order within a task.
	assert.Equal(t, checkpoint.PendingWrite{
		TaskID: "task-a", TaskPath: "graph/node-a", Idx: 0, Channel: "out", Value: "first",
	}, tuple.PendingWrites[0])
	assert.Equal(t, checkpoint.PendingWrite{
		TaskID: "task-a", TaskPath: "graph/node-a", Idx: 1, Channel: "log", Value: "second",
	}, tuple.PendingWrites[1])
	assert.Equal(t, checkpoint.PendingWrite{
		TaskID: "task-b", TaskPath: "graph/node-b", Idx: 0, Channel: "out", Value: "third",
	}, tuple.PendingWrites[2])
}

func TestPutWritesValidation(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	err := s.PutWrites(ctx, checkpoint.Config{ThreadID: "t1"}, "task", "", nil)
	assert.True(t, errors.Is(err, checkpoint.ErrMissingCheckpointID))

	err = s.PutWrites(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "absent"}, "task", "", nil)
	var notFound *checkpoint.CheckpointNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestBranchForkAndTimeTravel(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	c1 := putCheckpoint(t, s, cfg, map[string]any{"n": float64(1)}, map[string]string{"n": "v1"})
	c2 := putCheckpoint(t, s, c1, map[string]any{"n": float64(2)}, map[string]string{"n": "v2"})

	// Fork an alternative future from c1.
	alt, err := s.CreateBranch(ctx, c1, "what-if")
	require.NoError(t, err)
	assert.Equal(t, "what-if", alt.Name)
	assert.Equal(t, c1.CheckpointID, alt.ForkPointID)
	assert.Equal(t, c1.CheckpointID, alt.HeadCheckpointID)

	require.NoError(t, s.SetActiveBranch(ctx, cfg, alt.ID))

	// New work grows the forked branch from c1, not from c2.
	c3 := putCheckpoint(t, s, c1, map[string]any{"n": float64(30)}, map[string]string{"n": "v3"})

	// An id-less read follows the active branch.
	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, c3.CheckpointID, tuple.Checkpoint.ID)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, c1.CheckpointID, tuple.ParentConfig.CheckpointID)

	// main's head was not disturbed by work on the fork.
	branches, err := s.ListBranches(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, checkpoint.MainBranchName, branches[0].Name)
	assert.Equal(t, c2.CheckpointID, branches[0].HeadCheckpointID)
	assert.False(t, branches[0].Active)
	assert.Equal(t, "what-if", branches[1].Name)
	assert.Equal(t, c3.CheckpointID, branches[1].HeadCheckpointID)
	assert.True(t, branches[1].Active)

	// Switching back to main restores its view of history.
	require.NoError(t, s.SetActiveBranch(ctx, cfg, branches[0].ID))
	tuple, err = s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, c2.CheckpointID, tuple.Checkpoint.ID)

	// Both lines of history remain listable.
	tuples, err := s.List(ctx, cfg, "", 0)
	require.NoError(t, err)
	assert.Len(t, tuples, 3)
}

func TestCreateBranchValidation(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	var cfgErr *checkpoint.ConfigurationError
	_, err := s.CreateBranch(ctx, checkpoint.Config{ThreadID: "t1"}, "b")
	require.ErrorAs(t, err, &cfgErr)

	var notFound *checkpoint.CheckpointNotFoundError
	_, err = s.CreateBranch(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "absent"}, "b")
	require.ErrorAs(t, err, &notFound)
}

func TestSetActiveBranchUnknown(t *testing.T) {
	s := newSaver()
	cfg := checkpoint.Config{ThreadID: "t1"}
	putCheckpoint(t, s, cfg, nil, nil)

	err := s.SetActiveBranch(context.Background(), cfg, "no-such-branch")
	var notFound *checkpoint.BranchNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteBranch(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	cfg := checkpoint.Config{ThreadID: "t1"}
	c1 := putCheckpoint(t, s, cfg, nil, nil)
	alt, err := s.CreateBranch(ctx, c1, "doomed")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveBranch(ctx, cfg, alt.ID))
	c2 := putCheckpoint(t, s, c1, nil, nil)

	require.NoError(t, s.DeleteBranch(ctx, cfg, alt.ID))

	branches, err := s.ListBranches(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, checkpoint.MainBranchName, branches[0].Name)
	// Deleting the active branch leaves no active pointer.
	assert.False(t, branches[0].Active)

	// The branch's checkpoints survive; an id-less read falls back to the
	// greatest checkpoint id.
	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, c2.CheckpointID, tuple.Checkpoint.ID)

	err = s.DeleteBranch(ctx, cfg, alt.ID)
	var notFound *checkpoint.BranchNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteThreadSweepsOrphanedStates(t *testing.T) {
	s := newSaver()
	ctx := context.Background()

	// Two threads sharing one (channel, version) blob.
	putCheckpoint(t, s, checkpoint.Config{ThreadID: "t1"},
		map[string]any{"shared": "x", "own": "y"},
		map[string]string{"shared": "v1", "own": "v1"})
	putCheckpoint(t, s, checkpoint.Config{ThreadID: "t2"},
		map[string]any{"shared": "x"},
		map[string]string{"shared": "v1"})

	require.NoError(t, s.DeleteThread(ctx, "t1", ""))

	tuple, err := s.GetTuple(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, tuple)

	// The shared blob survives for t2; t1's private blob is swept.
	s.mu.RLock()
	_, shared := s.channelStates[channelKey{"shared", "v1"}]
	_, own := s.channelStates[channelKey{"own", "v1"}]
	s.mu.RUnlock()
	assert.True(t, shared)
	assert.False(t, own)

	tuple, err = s.GetTuple(ctx, checkpoint.Config{ThreadID: "t2"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "x", tuple.Checkpoint.ChannelValues["shared"])
}

type customState struct {
	Names []string `json:"names"`
}

func TestTypedValueRoundTrip(t *testing.T) {
	reg := serde.NewTypeRegistry()
	require.NoError(t, reg.Register(customState{}, "customState"))
	s := NewMemorySaver(MemoryOptions{Serializer: reg})
	ctx := context.Background()

	next := putCheckpoint(t, s, checkpoint.Config{ThreadID: "t1"},
		map[string]any{"state": customState{Names: []string{"ada"}}},
		map[string]string{"state": "v1"})

	tuple, err := s.GetTuple(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, customState{Names: []string{"ada"}}, tuple.Checkpoint.ChannelValues["state"])
}

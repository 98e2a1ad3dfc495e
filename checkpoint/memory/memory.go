package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
)

type threadKey struct {
	threadID  string
	namespace string
}

type channelKey struct {
	channel string
	version string
}

type channelState struct {
	value serde.EncodedValue
}

type pendingWrite struct {
	taskID   string
	taskPath string
	idx      int
	channel  string
	value    serde.EncodedValue
}

type memCheckpoint struct {
	id        string
	parentID  string
	payload   serde.EncodedValue
	metadata  serde.EncodedValue
	createdAt time.Time
	channels  map[string]string   // channel -> version written at this checkpoint
	onBranch  map[string]struct{} // branch ids this checkpoint was written on
	writes    []pendingWrite      // insertion order
	writeSeen map[writeKey]struct{}
}

type writeKey struct {
	taskID string
	idx    int
}

type memBranch struct {
	id          string
	name        string
	createdAt   time.Time
	forkPointID string
	headID      string
}

type memThread struct {
	activeBranchID string
	checkpoints    map[string]*memCheckpoint
	branches       map[string]*memBranch
}

// MemorySaver is a volatile checkpoint.Saver keeping everything in process
// memory. It is safe for concurrent use and intended for tests and
// single-process applications; values still travel through the serializer so
// round-trip behavior matches the durable savers.
type MemorySaver struct {
	mu         sync.RWMutex
	serializer serde.Serializer
	logger     log.Logger
	threads    map[threadKey]*memThread
	// channelStates is the content-addressable arena shared by all
	// checkpoints: one blob per (channel, version), first writer wins.
	channelStates map[channelKey]channelState
}

var _ checkpoint.Saver = (*MemorySaver)(nil)

// MemoryOptions configures a MemorySaver.
type MemoryOptions struct {
	Serializer serde.Serializer // default serde.DefaultRegistry()
	Logger     log.Logger       // default log.NopLogger
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver(opts MemoryOptions) *MemorySaver {
	serializer := opts.Serializer
	if serializer == nil {
		serializer = serde.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NopLogger{}
	}
	return &MemorySaver{
		serializer:    serializer,
		logger:        logger,
		threads:       make(map[threadKey]*memThread),
		channelStates: make(map[channelKey]channelState),
	}
}

// Put stores a new checkpoint. See checkpoint.Saver.
func (s *MemorySaver) Put(ctx context.Context, config checkpoint.Config, cp *checkpoint.Checkpoint, metadata checkpoint.Metadata) (checkpoint.Config, error) {
	if config.ThreadID == "" {
		return checkpoint.Config{}, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if cp == nil {
		return checkpoint.Config{}, &checkpoint.ConfigurationError{Msg: "checkpoint is required"}
	}

	stored := *cp
	if stored.ID == "" {
		stored.ID = checkpoint.NewCheckpointID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	payload, err := checkpoint.EncodeCheckpoint(s.serializer, &stored)
	if err != nil {
		return checkpoint.Config{}, err
	}
	md, err := checkpoint.EncodeMetadata(s.serializer, metadata)
	if err != nil {
		return checkpoint.Config{}, err
	}

	// Encode channel values before taking the lock.
	encodedChannels := make(map[string]serde.EncodedValue, len(stored.ChannelValues))
	for channel, value := range stored.ChannelValues {
		if _, ok := stored.ChannelVersions[channel]; !ok {
			return checkpoint.Config{}, &checkpoint.ConfigurationError{
				Msg: "no version for written channel " + channel}
		}
		ev, err := checkpoint.EncodeValue(s.serializer, channel, value)
		if err != nil {
			return checkpoint.Config{}, err
		}
		encodedChannels[channel] = ev
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := threadKey{config.ThreadID, config.Namespace}
	thread, ok := s.threads[key]
	if !ok {
		thread = &memThread{
			checkpoints: make(map[string]*memCheckpoint),
			branches:    make(map[string]*memBranch),
		}
		s.threads[key] = thread
	}

	parentID := config.CheckpointID
	if parentID != "" {
		if _, ok := thread.checkpoints[parentID]; !ok {
			return checkpoint.Config{}, &checkpoint.ParentNotFoundError{
				ThreadID: config.ThreadID, Namespace: config.Namespace, ParentID: parentID}
		}
	}

	node, ok := thread.checkpoints[stored.ID]
	if !ok {
		node = &memCheckpoint{
			id:        stored.ID,
			parentID:  parentID,
			payload:   payload,
			metadata:  md,
			createdAt: stored.Timestamp,
			channels:  make(map[string]string),
			onBranch:  make(map[string]struct{}),
			writeSeen: make(map[writeKey]struct{}),
		}
		thread.checkpoints[stored.ID] = node
	}
	// An existing node means a retried Put; the remaining steps re-run
	// idempotently to complete whatever the first attempt left undone.

	for channel, ev := range encodedChannels {
		version := stored.ChannelVersions[channel]
		ck := channelKey{channel, version}
		if _, exists := s.channelStates[ck]; !exists {
			s.channelStates[ck] = channelState{value: ev}
		}
		node.channels[channel] = version
	}

	if len(thread.branches) == 0 {
		main := &memBranch{
			id:        checkpoint.NewBranchID(),
			name:      checkpoint.MainBranchName,
			createdAt: time.Now().UTC(),
		}
		thread.branches[main.id] = main
		thread.activeBranchID = main.id
		s.logger.Debug("created main branch %s for thread %s", main.id, config.ThreadID)
	}

	if active, ok := thread.branches[thread.activeBranchID]; ok {
		active.headID = stored.ID
		node.onBranch[active.id] = struct{}{}
	}

	s.logger.Debug("put checkpoint %s on thread %s", stored.ID, config.ThreadID)
	return checkpoint.Config{
		ThreadID:     config.ThreadID,
		Namespace:    config.Namespace,
		CheckpointID: stored.ID,
	}, nil
}

// PutWrites attaches a task's writes to an existing checkpoint. See
// checkpoint.Saver.
func (s *MemorySaver) PutWrites(ctx context.Context, config checkpoint.Config, taskID, taskPath string, writes []checkpoint.ChannelWrite) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if config.CheckpointID == "" {
		return checkpoint.ErrMissingCheckpointID
	}

	encoded := make([]serde.EncodedValue, len(writes))
	for i, w := range writes {
		ev, err := checkpoint.EncodeValue(s.serializer, w.Channel, w.Value)
		if err != nil {
			return err
		}
		encoded[i] = ev
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.findCheckpoint(config)
	if node == nil {
		return &checkpoint.CheckpointNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, CheckpointID: config.CheckpointID}
	}

	for i, w := range writes {
		wk := writeKey{taskID, i}
		if _, dup := node.writeSeen[wk]; dup {
			continue // retried PutWrites
		}
		node.writeSeen[wk] = struct{}{}
		node.writes = append(node.writes, pendingWrite{
			taskID:   taskID,
			taskPath: taskPath,
			idx:      i,
			channel:  w.Channel,
			value:    encoded[i],
		})
	}
	return nil
}

// GetTuple resolves and reconstructs one checkpoint. See checkpoint.Saver.
func (s *MemorySaver) GetTuple(ctx context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok {
		return nil, nil
	}

	var node *memCheckpoint
	if config.CheckpointID != "" {
		node = thread.checkpoints[config.CheckpointID]
	} else {
		node = s.latestLocked(thread)
	}
	if node == nil {
		return nil, nil
	}

	return s.buildTupleLocked(config, node, true)
}

// latestLocked resolves the checkpoint an id-less read addresses: the active
// branch's head, or the greatest checkpoint id when no head exists.
func (s *MemorySaver) latestLocked(thread *memThread) *memCheckpoint {
	if active, ok := thread.branches[thread.activeBranchID]; ok && active.headID != "" {
		if node, ok := thread.checkpoints[active.headID]; ok {
			return node
		}
	}
	var latest *memCheckpoint
	for id, node := range thread.checkpoints {
		if latest == nil || id > latest.id {
			latest = node
		}
	}
	return latest
}

func (s *MemorySaver) buildTupleLocked(config checkpoint.Config, node *memCheckpoint, full bool) (*checkpoint.CheckpointTuple, error) {
	cp, err := checkpoint.DecodeCheckpoint(s.serializer, node.payload)
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadata(s.serializer, node.metadata)
	if err != nil {
		return nil, err
	}

	tuple := &checkpoint.CheckpointTuple{
		Config: checkpoint.Config{
			ThreadID:     config.ThreadID,
			Namespace:    config.Namespace,
			CheckpointID: node.id,
		},
		Checkpoint: cp,
		Metadata:   md,
	}
	if node.parentID != "" {
		tuple.ParentConfig = &checkpoint.Config{
			ThreadID:     config.ThreadID,
			Namespace:    config.Namespace,
			CheckpointID: node.parentID,
		}
	}
	if !full {
		return tuple, nil
	}

	for channel, version := range cp.ChannelVersions {
		state, ok := s.channelStates[channelKey{channel, version}]
		if !ok {
			s.logger.Debug("channel state %s@%s missing for checkpoint %s", channel, version, node.id)
			continue
		}
		value, err := checkpoint.DecodeValue(s.serializer, channel, state.value)
		if err != nil {
			return nil, err
		}
		cp.ChannelValues[channel] = value
	}

	for _, w := range node.writes {
		value, err := checkpoint.DecodeValue(s.serializer, w.channel, w.value)
		if err != nil {
			return nil, err
		}
		tuple.PendingWrites = append(tuple.PendingWrites, checkpoint.PendingWrite{
			TaskID:   w.taskID,
			TaskPath: w.taskPath,
			Idx:      w.idx,
			Channel:  w.channel,
			Value:    value,
		})
	}
	return tuple, nil
}

// List returns structural tuples newest-first. See checkpoint.Saver.
func (s *MemorySaver) List(ctx context.Context, config checkpoint.Config, before string, limit int) ([]*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if limit <= 0 {
		limit = checkpoint.DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok {
		return nil, nil
	}

	ids := make([]string, 0, len(thread.checkpoints))
	for id := range thread.checkpoints {
		if before != "" && id >= before {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if len(ids) > limit {
		ids = ids[:limit]
	}

	tuples := make([]*checkpoint.CheckpointTuple, 0, len(ids))
	for _, id := range ids {
		tuple, err := s.buildTupleLocked(config, thread.checkpoints[id], false)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}

// DeleteThread removes a thread, its checkpoints, writes and branches, then
// sweeps channel states no surviving checkpoint references.
func (s *MemorySaver) DeleteThread(ctx context.Context, threadID, namespace string) error {
	if threadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, threadKey{threadID, namespace})

	referenced := make(map[channelKey]struct{})
	for _, thread := range s.threads {
		for _, node := range thread.checkpoints {
			for channel, version := range node.channels {
				referenced[channelKey{channel, version}] = struct{}{}
			}
		}
	}
	for ck := range s.channelStates {
		if _, ok := referenced[ck]; !ok {
			delete(s.channelStates, ck)
		}
	}
	s.logger.Debug("deleted thread %s (namespace %q)", threadID, namespace)
	return nil
}

// CreateBranch forks a branch at config.CheckpointID. See checkpoint.Saver.
func (s *MemorySaver) CreateBranch(ctx context.Context, config checkpoint.Config, name string) (*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if config.CheckpointID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "fork point checkpoint id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok || thread.checkpoints[config.CheckpointID] == nil {
		return nil, &checkpoint.CheckpointNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, CheckpointID: config.CheckpointID}
	}

	branch := &memBranch{
		id:          checkpoint.NewBranchID(),
		name:        name,
		createdAt:   time.Now().UTC(),
		forkPointID: config.CheckpointID,
		headID:      config.CheckpointID,
	}
	thread.branches[branch.id] = branch
	s.logger.Debug("created branch %s (%s) at %s", branch.id, name, config.CheckpointID)
	return &checkpoint.Branch{
		ID:               branch.id,
		Name:             branch.name,
		CreatedAt:        branch.createdAt,
		ForkPointID:      branch.forkPointID,
		HeadCheckpointID: branch.headID,
	}, nil
}

// SetActiveBranch swaps the thread's active branch. See checkpoint.Saver.
func (s *MemorySaver) SetActiveBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok || thread.branches[branchID] == nil {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}
	thread.activeBranchID = branchID
	return nil
}

// ListBranches returns branches in creation order. See checkpoint.Saver.
func (s *MemorySaver) ListBranches(ctx context.Context, config checkpoint.Config) ([]*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok {
		return nil, nil
	}

	branches := make([]*checkpoint.Branch, 0, len(thread.branches))
	for _, b := range thread.branches {
		branches = append(branches, &checkpoint.Branch{
			ID:               b.id,
			Name:             b.name,
			CreatedAt:        b.createdAt,
			ForkPointID:      b.forkPointID,
			HeadCheckpointID: b.headID,
			Active:           b.id == thread.activeBranchID,
		})
	}
	sort.Slice(branches, func(i, j int) bool {
		if branches[i].CreatedAt.Equal(branches[j].CreatedAt) {
			return branches[i].ID < branches[j].ID
		}
		return branches[i].CreatedAt.Before(branches[j].CreatedAt)
	})
	return branches, nil
}

// DeleteBranch removes a branch; its checkpoints remain. See checkpoint.Saver.
func (s *MemorySaver) DeleteBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok || thread.branches[branchID] == nil {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}

	delete(thread.branches, branchID)
	if thread.activeBranchID == branchID {
		thread.activeBranchID = ""
	}
	for _, node := range thread.checkpoints {
		delete(node.onBranch, branchID)
	}
	return nil
}

// findCheckpoint must be called with the lock held.
func (s *MemorySaver) findCheckpoint(config checkpoint.Config) *memCheckpoint {
	thread, ok := s.threads[threadKey{config.ThreadID, config.Namespace}]
	if !ok {
		return nil
	}
	return thread.checkpoints[config.CheckpointID]
}

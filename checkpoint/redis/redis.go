package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
)

// RedisSaver implements checkpoint.Saver on Redis. The checkpoint graph is
// projected onto hashes and sorted sets: per-thread history lives in a
// lex-ordered zset (checkpoint ids are time-ordered, so lex range queries
// give chronological paging for free), channel states are SETNX strings
// keyed by (channel, version) with a reference set for orphan collection,
// and pending writes are RPUSH lists so insertion order survives.
//
// Writes batch through TxPipeline. Redis offers no cross-key transaction
// with reads inside, so Put is a sequence of individually idempotent steps;
// a crashed Put leaves at worst an unlinked checkpoint a retry completes.
type RedisSaver struct {
	client     *redis.Client
	prefix     string
	serializer serde.Serializer
	logger     log.Logger
}

var _ checkpoint.Saver = (*RedisSaver)(nil)

// RedisOptions configuration for the Redis saver.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string           // key prefix, default "checkpointgo:"
	Serializer serde.Serializer // default serde.DefaultRegistry()
	Logger     log.Logger       // default log.NopLogger
}

// NewRedisSaver creates a saver backed by a new Redis client.
func NewRedisSaver(opts RedisOptions) *RedisSaver {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisSaverWithClient(client, opts)
}

// NewRedisSaverWithClient wraps an existing client.
func NewRedisSaverWithClient(client *redis.Client, opts RedisOptions) *RedisSaver {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "checkpointgo:"
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = serde.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NopLogger{}
	}
	return &RedisSaver{client: client, prefix: prefix, serializer: serializer, logger: logger}
}

// Close closes the underlying client.
func (s *RedisSaver) Close() error {
	return s.client.Close()
}

func (s *RedisSaver) threadKey(threadID, ns string) string {
	return fmt.Sprintf("%sthread:%s:%s", s.prefix, threadID, ns)
}

func (s *RedisSaver) historyKey(threadID, ns string) string {
	return fmt.Sprintf("%sthread:%s:%s:checkpoints", s.prefix, threadID, ns)
}

func (s *RedisSaver) branchIndexKey(threadID, ns string) string {
	return fmt.Sprintf("%sthread:%s:%s:branches", s.prefix, threadID, ns)
}

func (s *RedisSaver) checkpointKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s", s.prefix, id)
}

func (s *RedisSaver) channelsKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s:channels", s.prefix, id)
}

func (s *RedisSaver) writesKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s:writes", s.prefix, id)
}

func (s *RedisSaver) writesSeenKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s:writes:seen", s.prefix, id)
}

func (s *RedisSaver) onBranchKey(id string) string {
	return fmt.Sprintf("%scheckpoint:%s:branches", s.prefix, id)
}

func (s *RedisSaver) channelKey(channel, version string) string {
	return fmt.Sprintf("%schannel:%s:%s", s.prefix, channel, version)
}

func (s *RedisSaver) channelRefsKey(channel, version string) string {
	return fmt.Sprintf("%schannel:%s:%s:refs", s.prefix, channel, version)
}

func (s *RedisSaver) branchKey(id string) string {
	return fmt.Sprintf("%sbranch:%s", s.prefix, id)
}

// channelBlob is the stored form of one (channel, version) value.
type channelBlob struct {
	Type string `json:"type"`
	Blob string `json:"blob"`
}

// writeEntry is the stored form of one pending write.
type writeEntry struct {
	TaskID   string `json:"task_id"`
	TaskPath string `json:"task_path"`
	Idx      int    `json:"idx"`
	Channel  string `json:"channel"`
	Type     string `json:"type"`
	Blob     string `json:"blob"`
}

// Put stores a new checkpoint. See checkpoint.Saver.
func (s *RedisSaver) Put(ctx context.Context, config checkpoint.Config, cp *checkpoint.Checkpoint, metadata checkpoint.Metadata) (checkpoint.Config, error) {
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

	threadKey := s.threadKey(config.ThreadID, config.Namespace)
	historyKey := s.historyKey(config.ThreadID, config.Namespace)
	branchIndexKey := s.branchIndexKey(config.ThreadID, config.Namespace)

	parentID := config.CheckpointID
	if parentID != "" {
		_, err := s.client.ZScore(ctx, historyKey, parentID).Result()
		if err == redis.Nil {
			return checkpoint.Config{}, &checkpoint.ParentNotFoundError{
				ThreadID: config.ThreadID, Namespace: config.Namespace, ParentID: parentID}
		}
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	branchCount, err := s.client.ZCard(ctx, branchIndexKey).Result()
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	activeBranch, err := s.client.HGet(ctx, threadKey, "active_branch").Result()
	if err != nil && err != redis.Nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}

	pipe := s.client.TxPipeline()

	pipe.HSet(ctx, s.checkpointKey(stored.ID),
		"thread_id", config.ThreadID,
		"ns", config.Namespace,
		"parent_id", parentID,
		"payload_type", payload.Type,
		"payload", payload.Payload,
		"metadata_type", md.Type,
		"metadata", md.Payload,
		"created_at", stored.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, historyKey, redis.Z{Score: 0, Member: stored.ID})

	for channel, ev := range encodedChannels {
		version := stored.ChannelVersions[channel]
		blob, err := json.Marshal(channelBlob{Type: ev.Type, Blob: ev.Payload})
		if err != nil {
			return checkpoint.Config{}, &checkpoint.SerializationError{Op: "channel state", Err: err}
		}
		// SETNX keeps the first writer's blob for a (channel, version).
		pipe.SetNX(ctx, s.channelKey(channel, version), blob, 0)
		pipe.SAdd(ctx, s.channelRefsKey(channel, version), stored.ID)
		pipe.HSet(ctx, s.channelsKey(stored.ID), channel, version)
	}

	if branchCount == 0 {
		mainID := checkpoint.NewBranchID()
		now := time.Now().UTC()
		pipe.HSet(ctx, s.branchKey(mainID),
			"thread_id", config.ThreadID,
			"ns", config.Namespace,
			"name", checkpoint.MainBranchName,
			"created_at", now.Format(time.RFC3339Nano),
			"fork_point_id", "",
			"head_checkpoint_id", "",
		)
		pipe.ZAdd(ctx, branchIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: mainID})
		pipe.HSet(ctx, threadKey, "active_branch", mainID)
		activeBranch = mainID
		s.logger.Debug("created main branch %s for thread %s", mainID, config.ThreadID)
	}

	if activeBranch != "" {
		pipe.HSet(ctx, s.branchKey(activeBranch), "head_checkpoint_id", stored.ID)
		pipe.SAdd(ctx, s.onBranchKey(stored.ID), activeBranch)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
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
func (s *RedisSaver) PutWrites(ctx context.Context, config checkpoint.Config, taskID, taskPath string, writes []checkpoint.ChannelWrite) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if config.CheckpointID == "" {
		return checkpoint.ErrMissingCheckpointID
	}

	owner, err := s.client.HGetAll(ctx, s.checkpointKey(config.CheckpointID)).Result()
	if err != nil {
		return &checkpoint.StoreError{Op: "put_writes", Err: err}
	}
	if len(owner) == 0 || owner["thread_id"] != config.ThreadID || owner["ns"] != config.Namespace {
		return &checkpoint.CheckpointNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, CheckpointID: config.CheckpointID}
	}

	writesKey := s.writesKey(config.CheckpointID)
	seenKey := s.writesSeenKey(config.CheckpointID)
	for i, w := range writes {
		ev, err := checkpoint.EncodeValue(s.serializer, w.Channel, w.Value)
		if err != nil {
			return err
		}
		member := taskID + "\x1f" + strconv.Itoa(i)
		seen, err := s.client.SIsMember(ctx, seenKey, member).Result()
		if err != nil {
			return &checkpoint.StoreError{Op: "put_writes", Err: err}
		}
		if seen {
			continue
		}
		entry, err := json.Marshal(writeEntry{
			TaskID:   taskID,
			TaskPath: taskPath,
			Idx:      i,
			Channel:  w.Channel,
			Type:     ev.Type,
			Blob:     ev.Payload,
		})
		if err != nil {
			return &checkpoint.SerializationError{Op: "pending write", Err: err}
		}
		// Append before marking: a crash between the two steps can leave a
		// duplicate entry, never a lost one. Reads collapse duplicates by
		// (task, idx).
		if err := s.client.RPush(ctx, writesKey, entry).Err(); err != nil {
			return &checkpoint.StoreError{Op: "put_writes", Err: err}
		}
		if err := s.client.SAdd(ctx, seenKey, member).Err(); err != nil {
			return &checkpoint.StoreError{Op: "put_writes", Err: err}
		}
	}
	return nil
}

// GetTuple resolves and reconstructs one checkpoint. See checkpoint.Saver.
func (s *RedisSaver) GetTuple(ctx context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	id := config.CheckpointID
	if id == "" {
		resolved, err := s.resolveLatest(ctx, config)
		if err != nil {
			return nil, err
		}
		id = resolved
	}
	if id == "" {
		return nil, nil
	}

	fields, err := s.client.HGetAll(ctx, s.checkpointKey(id)).Result()
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	// Checkpoint keys are global; the stored owner fields enforce the
	// thread scoping the relational backends get from their WHERE clause.
	if len(fields) == 0 || fields["thread_id"] != config.ThreadID || fields["ns"] != config.Namespace {
		return nil, nil
	}

	tuple, err := s.buildTuple(config, id, fields)
	if err != nil {
		return nil, err
	}

	// Resolve channel values by exact (channel, version); stale versions
	// are never substituted.
	for channel, version := range tuple.Checkpoint.ChannelVersions {
		raw, err := s.client.Get(ctx, s.channelKey(channel, version)).Result()
		if err == redis.Nil {
			s.logger.Debug("channel state %s@%s missing for checkpoint %s", channel, version, id)
			continue
		}
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
		}
		var blob channelBlob
		if err := json.Unmarshal([]byte(raw), &blob); err != nil {
			return nil, &checkpoint.SerializationError{Op: "channel state", Err: err}
		}
		value, err := checkpoint.DecodeValue(s.serializer, channel,
			serde.EncodedValue{Type: blob.Type, Payload: blob.Blob})
		if err != nil {
			return nil, err
		}
		tuple.Checkpoint.ChannelValues[channel] = value
	}

	entries, err := s.client.LRange(ctx, s.writesKey(id), 0, -1).Result()
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	seenWrites := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		var entry writeEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, &checkpoint.SerializationError{Op: "pending write", Err: err}
		}
		// A retried PutWrites may have appended the same (task, idx) twice;
		// the first occurrence wins.
		wk := entry.TaskID + "\x1f" + strconv.Itoa(entry.Idx)
		if _, dup := seenWrites[wk]; dup {
			continue
		}
		seenWrites[wk] = struct{}{}
		value, err := checkpoint.DecodeValue(s.serializer, entry.Channel,
			serde.EncodedValue{Type: entry.Type, Payload: entry.Blob})
		if err != nil {
			return nil, err
		}
		tuple.PendingWrites = append(tuple.PendingWrites, checkpoint.PendingWrite{
			TaskID:   entry.TaskID,
			TaskPath: entry.TaskPath,
			Idx:      entry.Idx,
			Channel:  entry.Channel,
			Value:    value,
		})
	}
	return tuple, nil
}

// resolveLatest returns the checkpoint id an id-less read addresses, or ""
// when the thread has no checkpoints.
func (s *RedisSaver) resolveLatest(ctx context.Context, config checkpoint.Config) (string, error) {
	active, err := s.client.HGet(ctx, s.threadKey(config.ThreadID, config.Namespace), "active_branch").Result()
	if err != nil && err != redis.Nil {
		return "", &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	if active != "" {
		head, err := s.client.HGet(ctx, s.branchKey(active), "head_checkpoint_id").Result()
		if err != nil && err != redis.Nil {
			return "", &checkpoint.StoreError{Op: "get_tuple", Err: err}
		}
		if head != "" {
			return head, nil
		}
	}

	// No branch head: fall back to the latest checkpoint by id.
	ids, err := s.client.ZRevRangeByLex(ctx, s.historyKey(config.ThreadID, config.Namespace),
		&redis.ZRangeBy{Min: "-", Max: "+", Offset: 0, Count: 1}).Result()
	if err != nil {
		return "", &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

func (s *RedisSaver) buildTuple(config checkpoint.Config, id string, fields map[string]string) (*checkpoint.CheckpointTuple, error) {
	cp, err := checkpoint.DecodeCheckpoint(s.serializer,
		serde.EncodedValue{Type: fields["payload_type"], Payload: fields["payload"]})
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadata(s.serializer,
		serde.EncodedValue{Type: fields["metadata_type"], Payload: fields["metadata"]})
	if err != nil {
		return nil, err
	}

	tuple := &checkpoint.CheckpointTuple{
		Config: checkpoint.Config{
			ThreadID:     config.ThreadID,
			Namespace:    config.Namespace,
			CheckpointID: id,
		},
		Checkpoint: cp,
		Metadata:   md,
	}
	if parent := fields["parent_id"]; parent != "" {
		tuple.ParentConfig = &checkpoint.Config{
			ThreadID:     config.ThreadID,
			Namespace:    config.Namespace,
			CheckpointID: parent,
		}
	}
	return tuple, nil
}

// List returns structural tuples newest-first. See checkpoint.Saver.
func (s *RedisSaver) List(ctx context.Context, config checkpoint.Config, before string, limit int) ([]*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if limit <= 0 {
		limit = checkpoint.DefaultListLimit
	}

	max := "+"
	if before != "" {
		max = "(" + before
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.historyKey(config.ThreadID, config.Namespace),
		&redis.ZRangeBy{Min: "-", Max: max, Offset: 0, Count: int64(limit)}).Result()
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "list", Err: err}
	}

	var tuples []*checkpoint.CheckpointTuple
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.checkpointKey(id)).Result()
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "list", Err: err}
		}
		if len(fields) == 0 {
			continue
		}
		tuple, err := s.buildTuple(config, id, fields)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}

// DeleteThread removes the thread and everything under it. Channel states
// are reference-counted: the thread's checkpoints are removed from each
// state's reference set and states left unreferenced are deleted.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID, namespace string) error {
	if threadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	historyKey := s.historyKey(threadID, namespace)
	ids, err := s.client.ZRange(ctx, historyKey, 0, -1).Result()
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}

	for _, id := range ids {
		channels, err := s.client.HGetAll(ctx, s.channelsKey(id)).Result()
		if err != nil {
			return &checkpoint.StoreError{Op: "delete_thread", Err: err}
		}
		for channel, version := range channels {
			refsKey := s.channelRefsKey(channel, version)
			if err := s.client.SRem(ctx, refsKey, id).Err(); err != nil {
				return &checkpoint.StoreError{Op: "delete_thread", Err: err}
			}
			left, err := s.client.SCard(ctx, refsKey).Result()
			if err != nil {
				return &checkpoint.StoreError{Op: "delete_thread", Err: err}
			}
			if left == 0 {
				if err := s.client.Del(ctx, s.channelKey(channel, version), refsKey).Err(); err != nil {
					return &checkpoint.StoreError{Op: "delete_thread", Err: err}
				}
			}
		}
		err = s.client.Del(ctx,
			s.checkpointKey(id), s.channelsKey(id),
			s.writesKey(id), s.writesSeenKey(id), s.onBranchKey(id)).Err()
		if err != nil {
			return &checkpoint.StoreError{Op: "delete_thread", Err: err}
		}
	}

	branchIndexKey := s.branchIndexKey(threadID, namespace)
	branchIDs, err := s.client.ZRange(ctx, branchIndexKey, 0, -1).Result()
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}
	for _, id := range branchIDs {
		if err := s.client.Del(ctx, s.branchKey(id)).Err(); err != nil {
			return &checkpoint.StoreError{Op: "delete_thread", Err: err}
		}
	}

	err = s.client.Del(ctx, historyKey, branchIndexKey, s.threadKey(threadID, namespace)).Err()
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}
	s.logger.Debug("deleted thread %s (namespace %q)", threadID, namespace)
	return nil
}

// CreateBranch forks a branch at config.CheckpointID. See checkpoint.Saver.
func (s *RedisSaver) CreateBranch(ctx context.Context, config checkpoint.Config, name string) (*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if config.CheckpointID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "fork point checkpoint id is required"}
	}

	_, err := s.client.ZScore(ctx, s.historyKey(config.ThreadID, config.Namespace), config.CheckpointID).Result()
	if err == redis.Nil {
		return nil, &checkpoint.CheckpointNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, CheckpointID: config.CheckpointID}
	}
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "create_branch", Err: err}
	}

	branch := &checkpoint.Branch{
		ID:               checkpoint.NewBranchID(),
		Name:             name,
		CreatedAt:        time.Now().UTC(),
		ForkPointID:      config.CheckpointID,
		HeadCheckpointID: config.CheckpointID,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.branchKey(branch.ID),
		"thread_id", config.ThreadID,
		"ns", config.Namespace,
		"name", name,
		"created_at", branch.CreatedAt.Format(time.RFC3339Nano),
		"fork_point_id", branch.ForkPointID,
		"head_checkpoint_id", branch.HeadCheckpointID,
	)
	pipe.ZAdd(ctx, s.branchIndexKey(config.ThreadID, config.Namespace),
		redis.Z{Score: float64(branch.CreatedAt.UnixNano()), Member: branch.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &checkpoint.StoreError{Op: "create_branch", Err: err}
	}

	s.logger.Debug("created branch %s (%s) at %s", branch.ID, name, config.CheckpointID)
	return branch, nil
}

// SetActiveBranch swaps the thread's active branch. See checkpoint.Saver.
func (s *RedisSaver) SetActiveBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	_, err := s.client.ZScore(ctx, s.branchIndexKey(config.ThreadID, config.Namespace), branchID).Result()
	if err == redis.Nil {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}
	if err != nil {
		return &checkpoint.StoreError{Op: "set_active_branch", Err: err}
	}

	// Single-field HSET, so the swap is atomic.
	err = s.client.HSet(ctx, s.threadKey(config.ThreadID, config.Namespace), "active_branch", branchID).Err()
	if err != nil {
		return &checkpoint.StoreError{Op: "set_active_branch", Err: err}
	}
	return nil
}

// ListBranches returns branches in creation order. See checkpoint.Saver.
func (s *RedisSaver) ListBranches(ctx context.Context, config checkpoint.Config) ([]*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	ids, err := s.client.ZRange(ctx, s.branchIndexKey(config.ThreadID, config.Namespace), 0, -1).Result()
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	active, err := s.client.HGet(ctx, s.threadKey(config.ThreadID, config.Namespace), "active_branch").Result()
	if err != nil && err != redis.Nil {
		return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
	}

	branches := make([]*checkpoint.Branch, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.branchKey(id)).Result()
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
		}
		if len(fields) == 0 {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
		}
		branches = append(branches, &checkpoint.Branch{
			ID:               id,
			Name:             fields["name"],
			CreatedAt:        createdAt,
			ForkPointID:      fields["fork_point_id"],
			HeadCheckpointID: fields["head_checkpoint_id"],
			Active:           id == active,
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
func (s *RedisSaver) DeleteBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	branchIndexKey := s.branchIndexKey(config.ThreadID, config.Namespace)
	_, err := s.client.ZScore(ctx, branchIndexKey, branchID).Result()
	if err == redis.Nil {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}

	threadKey := s.threadKey(config.ThreadID, config.Namespace)
	active, err := s.client.HGet(ctx, threadKey, "active_branch").Result()
	if err != nil && err != redis.Nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, branchIndexKey, branchID)
	pipe.Del(ctx, s.branchKey(branchID))
	if active == branchID {
		pipe.HDel(ctx, threadKey, "active_branch")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}

	// Unmark the branch on the thread's checkpoints.
	ids, err := s.client.ZRange(ctx, s.historyKey(config.ThreadID, config.Namespace), 0, -1).Result()
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	for _, id := range ids {
		if err := s.client.SRem(ctx, s.onBranchKey(id), branchID).Err(); err != nil {
			return &checkpoint.StoreError{Op: "delete_branch", Err: err}
		}
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresSaver implements checkpoint.Saver on PostgreSQL. Put and the
// delete operations run in transactions; statements are idempotent so a
// retried Put with the same checkpoint id is treated as already done.
type PostgresSaver struct {
	pool       DBPool
	prefix     string
	serializer serde.Serializer
	logger     log.Logger
}

var _ checkpoint.Saver = (*PostgresSaver)(nil)

// PostgresOptions configuration for the Postgres saver.
type PostgresOptions struct {
	ConnString  string
	TablePrefix string           // default "ckpt_"
	Serializer  serde.Serializer // default serde.DefaultRegistry()
	Logger      log.Logger       // default log.NopLogger
}

// NewPostgresSaver creates a saver backed by a new pgx pool.
func NewPostgresSaver(ctx context.Context, opts PostgresOptions) (*PostgresSaver, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return newSaver(pool, opts), nil
}

// NewPostgresSaverWithPool creates a saver with an existing pool.
// Useful for testing with mocks.
func NewPostgresSaverWithPool(pool DBPool, opts PostgresOptions) *PostgresSaver {
	return newSaver(pool, opts)
}

func newSaver(pool DBPool, opts PostgresOptions) *PostgresSaver {
	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = "ckpt_"
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = serde.DefaultRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NopLogger{}
	}
	return &PostgresSaver{pool: pool, prefix: prefix, serializer: serializer, logger: logger}
}

func (s *PostgresSaver) table(name string) string {
	return s.prefix + name
}

// InitSchema creates the tables if they don't exist.
func (s *PostgresSaver) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]sthreads (
			thread_id TEXT NOT NULL,
			ns TEXT NOT NULL,
			active_branch_id TEXT,
			PRIMARY KEY (thread_id, ns)
		);
		CREATE TABLE IF NOT EXISTS %[1]scheckpoints (
			checkpoint_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			ns TEXT NOT NULL,
			parent_id TEXT,
			payload_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			metadata_type TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]scheckpoints_thread
			ON %[1]scheckpoints (thread_id, ns, checkpoint_id);
		CREATE TABLE IF NOT EXISTS %[1]schannel_states (
			channel TEXT NOT NULL,
			version TEXT NOT NULL,
			type TEXT NOT NULL,
			blob TEXT NOT NULL,
			PRIMARY KEY (channel, version)
		);
		CREATE TABLE IF NOT EXISTS %[1]scheckpoint_channels (
			checkpoint_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			version TEXT NOT NULL,
			PRIMARY KEY (checkpoint_id, channel)
		);
		CREATE TABLE IF NOT EXISTS %[1]spending_writes (
			seq BIGSERIAL PRIMARY KEY,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_path TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			blob TEXT NOT NULL,
			UNIQUE (checkpoint_id, task_id, idx)
		);
		CREATE TABLE IF NOT EXISTS %[1]sbranches (
			branch_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			ns TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			fork_point_id TEXT,
			head_checkpoint_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]sbranches_thread
			ON %[1]sbranches (thread_id, ns, created_at);
		CREATE TABLE IF NOT EXISTS %[1]scheckpoint_branches (
			checkpoint_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			PRIMARY KEY (checkpoint_id, branch_id)
		);
	`, s.prefix)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return &checkpoint.StoreError{Op: "init_schema", Err: err}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresSaver) Close() {
	s.pool.Close()
}

// Put stores a new checkpoint. See checkpoint.Saver.
func (s *PostgresSaver) Put(ctx context.Context, config checkpoint.Config, cp *checkpoint.Checkpoint, metadata checkpoint.Metadata) (checkpoint.Config, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (thread_id, ns) VALUES ($1, $2) ON CONFLICT (thread_id, ns) DO NOTHING`,
		s.table("threads")), config.ThreadID, config.Namespace)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}

	parentID := config.CheckpointID
	if parentID != "" {
		var one int
		err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT 1 FROM %s WHERE checkpoint_id = $1 AND thread_id = $2 AND ns = $3`,
			s.table("checkpoints")), parentID, config.ThreadID, config.Namespace).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return checkpoint.Config{}, &checkpoint.ParentNotFoundError{
				ThreadID: config.ThreadID, Namespace: config.Namespace, ParentID: parentID}
		}
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (checkpoint_id, thread_id, ns, parent_id, payload_type, payload, metadata_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (checkpoint_id) DO NOTHING`,
		s.table("checkpoints")),
		stored.ID, config.ThreadID, config.Namespace, nullable(parentID),
		payload.Type, payload.Payload, md.Type, md.Payload, stored.Timestamp)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}

	for channel, ev := range encodedChannels {
		version := stored.ChannelVersions[channel]
		// First writer for a (channel, version) wins; later writers link
		// to the existing blob.
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (channel, version, type, blob) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (channel, version) DO NOTHING`,
			s.table("channel_states")), channel, version, ev.Type, ev.Payload)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (checkpoint_id, channel, version) VALUES ($1, $2, $3)
			 ON CONFLICT (checkpoint_id, channel) DO NOTHING`,
			s.table("checkpoint_channels")), stored.ID, channel, version)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	var branchCount int
	err = tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE thread_id = $1 AND ns = $2`,
		s.table("branches")), config.ThreadID, config.Namespace).Scan(&branchCount)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	if branchCount == 0 {
		mainID := checkpoint.NewBranchID()
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (branch_id, thread_id, ns, name, created_at) VALUES ($1, $2, $3, $4, $5)`,
			s.table("branches")),
			mainID, config.ThreadID, config.Namespace, checkpoint.MainBranchName, time.Now().UTC())
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET active_branch_id = $1 WHERE thread_id = $2 AND ns = $3`,
			s.table("threads")), mainID, config.ThreadID, config.Namespace)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		s.logger.Debug("created main branch %s for thread %s", mainID, config.ThreadID)
	}

	var activeBranch sql.NullString
	err = tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT active_branch_id FROM %s WHERE thread_id = $1 AND ns = $2`,
		s.table("threads")), config.ThreadID, config.Namespace).Scan(&activeBranch)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	if activeBranch.Valid && activeBranch.String != "" {
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET head_checkpoint_id = $1 WHERE branch_id = $2`,
			s.table("branches")), stored.ID, activeBranch.String)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (checkpoint_id, branch_id) VALUES ($1, $2)
			 ON CONFLICT (checkpoint_id, branch_id) DO NOTHING`,
			s.table("checkpoint_branches")), stored.ID, activeBranch.String)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
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
func (s *PostgresSaver) PutWrites(ctx context.Context, config checkpoint.Config, taskID, taskPath string, writes []checkpoint.ChannelWrite) error {
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

	var one int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE checkpoint_id = $1 AND thread_id = $2 AND ns = $3`,
		s.table("checkpoints")), config.CheckpointID, config.ThreadID, config.Namespace).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return &checkpoint.CheckpointNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, CheckpointID: config.CheckpointID}
	}
	if err != nil {
		return &checkpoint.StoreError{Op: "put_writes", Err: err}
	}

	for i, w := range writes {
		_, err = s.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (checkpoint_id, task_id, task_path, idx, channel, type, blob)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (checkpoint_id, task_id, idx) DO NOTHING`,
			s.table("pending_writes")),
			config.CheckpointID, taskID, taskPath, i, w.Channel, encoded[i].Type, encoded[i].Payload)
		if err != nil {
			return &checkpoint.StoreError{Op: "put_writes", Err: err}
		}
	}
	return nil
}

type checkpointRow struct {
	id           string
	parentID     sql.NullString
	payloadType  string
	payload      string
	metadataType string
	metadata     string
}

// GetTuple resolves and reconstructs one checkpoint. See checkpoint.Saver.
func (s *PostgresSaver) GetTuple(ctx context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	row, err := s.resolveRow(ctx, config)
	if err != nil || row == nil {
		return nil, err
	}

	tuple, err := s.buildTuple(config, row)
	if err != nil {
		return nil, err
	}

	// Resolve channel values by exact (channel, version); stale versions
	// are never substituted.
	for channel, version := range tuple.Checkpoint.ChannelVersions {
		var ev serde.EncodedValue
		err := s.pool.QueryRow(ctx, fmt.Sprintf(
			`SELECT type, blob FROM %s WHERE channel = $1 AND version = $2`,
			s.table("channel_states")), channel, version).Scan(&ev.Type, &ev.Payload)
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Debug("channel state %s@%s missing for checkpoint %s", channel, version, row.id)
			continue
		}
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
		}
		value, err := checkpoint.DecodeValue(s.serializer, channel, ev)
		if err != nil {
			return nil, err
		}
		tuple.Checkpoint.ChannelValues[channel] = value
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT task_id, task_path, idx, channel, type, blob FROM %s
		 WHERE checkpoint_id = $1 ORDER BY seq ASC`,
		s.table("pending_writes")), row.id)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var w checkpoint.PendingWrite
		var ev serde.EncodedValue
		if err := rows.Scan(&w.TaskID, &w.TaskPath, &w.Idx, &w.Channel, &ev.Type, &ev.Payload); err != nil {
			return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
		}
		value, err := checkpoint.DecodeValue(s.serializer, w.Channel, ev)
		if err != nil {
			return nil, err
		}
		w.Value = value
		tuple.PendingWrites = append(tuple.PendingWrites, w)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	return tuple, nil
}

// resolveRow finds the checkpoint row a read addresses: the exact id when
// given, otherwise the active branch head, otherwise the greatest id on the
// thread. Returns nil when nothing matches.
func (s *PostgresSaver) resolveRow(ctx context.Context, config checkpoint.Config) (*checkpointRow, error) {
	selectRow := fmt.Sprintf(
		`SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata
		 FROM %s WHERE `, s.table("checkpoints"))

	scan := func(r pgx.Row) (*checkpointRow, error) {
		var row checkpointRow
		err := r.Scan(&row.id, &row.parentID, &row.payloadType, &row.payload,
			&row.metadataType, &row.metadata)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
		}
		return &row, nil
	}

	if config.CheckpointID != "" {
		return scan(s.pool.QueryRow(ctx,
			selectRow+`checkpoint_id = $1 AND thread_id = $2 AND ns = $3`,
			config.CheckpointID, config.ThreadID, config.Namespace))
	}

	var headID sql.NullString
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT b.head_checkpoint_id FROM %s t JOIN %s b ON b.branch_id = t.active_branch_id
		 WHERE t.thread_id = $1 AND t.ns = $2`,
		s.table("threads"), s.table("branches")),
		config.ThreadID, config.Namespace).Scan(&headID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	if headID.Valid && headID.String != "" {
		return scan(s.pool.QueryRow(ctx,
			selectRow+`checkpoint_id = $1 AND thread_id = $2 AND ns = $3`,
			headID.String, config.ThreadID, config.Namespace))
	}

	// No branch head: fall back to the latest checkpoint by id.
	return scan(s.pool.QueryRow(ctx,
		selectRow+`thread_id = $1 AND ns = $2 ORDER BY checkpoint_id DESC LIMIT 1`,
		config.ThreadID, config.Namespace))
}

func (s *PostgresSaver) buildTuple(config checkpoint.Config, row *checkpointRow) (*checkpoint.CheckpointTuple, error) {
	cp, err := checkpoint.DecodeCheckpoint(s.serializer,
		serde.EncodedValue{Type: row.payloadType, Payload: row.payload})
	if err != nil {
		return nil, err
	}
	md, err := checkpoint.DecodeMetadata(s.serializer,
		serde.EncodedValue{Type: row.metadataType, Payload: row.metadata})
	if err != nil {
		return nil, err
	}

	tuple := &checkpoint.CheckpointTuple{
		Config: checkpoint.Config{
			ThreadID:     config.ThreadID,
			Namespace:    config.Namespace,
			CheckpointID: row.id,
		},
		Checkpoint: cp,
		Metadata:   md,
	}
	if row.parentID.Valid && row.parentID.String != "" {
		tuple.ParentConfig = &checkpoint.Config{
			ThreadID:     config.ThreadID,
			Namespace:    config.Namespace,
			CheckpointID: row.parentID.String,
		}
	}
	return tuple, nil
}

// List returns structural tuples newest-first. See checkpoint.Saver.
func (s *PostgresSaver) List(ctx context.Context, config checkpoint.Config, before string, limit int) ([]*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if limit <= 0 {
		limit = checkpoint.DefaultListLimit
	}

	query := fmt.Sprintf(
		`SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata
		 FROM %s WHERE thread_id = $1 AND ns = $2`, s.table("checkpoints"))
	args := []any{config.ThreadID, config.Namespace}
	if before != "" {
		query += fmt.Sprintf(` AND checkpoint_id < $%d`, len(args)+1)
		args = append(args, before)
	}
	query += fmt.Sprintf(` ORDER BY checkpoint_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var tuples []*checkpoint.CheckpointTuple
	for rows.Next() {
		var row checkpointRow
		if err := rows.Scan(&row.id, &row.parentID, &row.payloadType, &row.payload,
			&row.metadataType, &row.metadata); err != nil {
			return nil, &checkpoint.StoreError{Op: "list", Err: err}
		}
		tuple, err := s.buildTuple(config, &row)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "list", Err: err}
	}
	return tuples, nil
}

// DeleteThread removes the thread and everything under it, then sweeps
// orphaned channel states.
func (s *PostgresSaver) DeleteThread(ctx context.Context, threadID, namespace string) error {
	if threadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}
	defer tx.Rollback(ctx)

	sel := fmt.Sprintf(`SELECT checkpoint_id FROM %s WHERE thread_id = $1 AND ns = $2`,
		s.table("checkpoints"))
	for _, stmt := range []string{
		fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id IN (%s)`, s.table("pending_writes"), sel),
		fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id IN (%s)`, s.table("checkpoint_channels"), sel),
		fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id IN (%s)`, s.table("checkpoint_branches"), sel),
		fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1 AND ns = $2`, s.table("branches")),
		fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1 AND ns = $2`, s.table("checkpoints")),
		fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1 AND ns = $2`, s.table("threads")),
	} {
		if _, err := tx.Exec(ctx, stmt, threadID, namespace); err != nil {
			return &checkpoint.StoreError{Op: "delete_thread", Err: err}
		}
	}

	// Orphan GC: drop channel states no surviving checkpoint links to.
	_, err = tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %[1]s WHERE NOT EXISTS (
			SELECT 1 FROM %[2]s cc WHERE cc.channel = %[1]s.channel AND cc.version = %[1]s.version
		)`, s.table("channel_states"), s.table("checkpoint_channels")))
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}
	s.logger.Debug("deleted thread %s (namespace %q)", threadID, namespace)
	return nil
}

// CreateBranch forks a branch at config.CheckpointID. See checkpoint.Saver.
func (s *PostgresSaver) CreateBranch(ctx context.Context, config checkpoint.Config, name string) (*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if config.CheckpointID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "fork point checkpoint id is required"}
	}

	var one int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE checkpoint_id = $1 AND thread_id = $2 AND ns = $3`,
		s.table("checkpoints")), config.CheckpointID, config.ThreadID, config.Namespace).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (branch_id, thread_id, ns, name, created_at, fork_point_id, head_checkpoint_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table("branches")),
		branch.ID, config.ThreadID, config.Namespace, name, branch.CreatedAt,
		branch.ForkPointID, branch.HeadCheckpointID)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "create_branch", Err: err}
	}
	s.logger.Debug("created branch %s (%s) at %s", branch.ID, name, config.CheckpointID)
	return branch, nil
}

// SetActiveBranch swaps the thread's active branch. See checkpoint.Saver.
func (s *PostgresSaver) SetActiveBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	// One UPDATE guarded by branch ownership: the swap is atomic and
	// cannot point the thread at a foreign branch.
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET active_branch_id = $1 WHERE thread_id = $2 AND ns = $3
		 AND EXISTS (SELECT 1 FROM %s b WHERE b.branch_id = $1 AND b.thread_id = $2 AND b.ns = $3)`,
		s.table("threads"), s.table("branches")),
		branchID, config.ThreadID, config.Namespace)
	if err != nil {
		return &checkpoint.StoreError{Op: "set_active_branch", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}
	return nil
}

// ListBranches returns branches in creation order. See checkpoint.Saver.
func (s *PostgresSaver) ListBranches(ctx context.Context, config checkpoint.Config) ([]*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT b.branch_id, b.name, b.created_at, b.fork_point_id, b.head_checkpoint_id,
			(b.branch_id = COALESCE(t.active_branch_id, ''))
		 FROM %s b LEFT JOIN %s t ON t.thread_id = b.thread_id AND t.ns = b.ns
		 WHERE b.thread_id = $1 AND b.ns = $2
		 ORDER BY b.created_at ASC, b.branch_id ASC`,
		s.table("branches"), s.table("threads")),
		config.ThreadID, config.Namespace)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
	}
	defer rows.Close()

	var branches []*checkpoint.Branch
	for rows.Next() {
		var b checkpoint.Branch
		var forkPoint, head sql.NullString
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt, &forkPoint, &head, &b.Active); err != nil {
			return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
		}
		if forkPoint.Valid {
			b.ForkPointID = forkPoint.String
		}
		if head.Valid {
			b.HeadCheckpointID = head.String
		}
		branches = append(branches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
	}
	return branches, nil
}

// DeleteBranch removes a branch; its checkpoints remain. See checkpoint.Saver.
func (s *PostgresSaver) DeleteBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE branch_id = $1 AND thread_id = $2 AND ns = $3`,
		s.table("branches")), branchID, config.ThreadID, config.Namespace)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE branch_id = $1`, s.table("checkpoint_branches")), branchID)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET active_branch_id = NULL
		 WHERE thread_id = $1 AND ns = $2 AND active_branch_id = $3`,
		s.table("threads")), config.ThreadID, config.Namespace, branchID)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

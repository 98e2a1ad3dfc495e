package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
)

// SqliteSaver implements checkpoint.Saver on SQLite. Every Put runs in one
// transaction, so readers never observe a checkpoint without its channel
// links; individual statements are additionally idempotent so retrying a
// failed Put with the same checkpoint id is safe.
type SqliteSaver struct {
	db         *sql.DB
	prefix     string
	serializer serde.Serializer
	logger     log.Logger
}

var _ checkpoint.Saver = (*SqliteSaver)(nil)

// SqliteOptions configuration for the SQLite saver.
type SqliteOptions struct {
	Path        string           // database file, or ":memory:"
	TablePrefix string           // default "ckpt_"
	Serializer  serde.Serializer // default serde.DefaultRegistry()
	Logger      log.Logger       // default log.NopLogger
}

// NewSqliteSaver opens the database and creates the schema if needed.
func NewSqliteSaver(opts SqliteOptions) (*SqliteSaver, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	s := newSaver(db, opts)
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSqliteSaverWithDB wraps an existing database handle. InitSchema is not
// called; the caller owns schema setup and the handle's lifetime.
func NewSqliteSaverWithDB(db *sql.DB, opts SqliteOptions) *SqliteSaver {
	return newSaver(db, opts)
}

func newSaver(db *sql.DB, opts SqliteOptions) *SqliteSaver {
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
	return &SqliteSaver{db: db, prefix: prefix, serializer: serializer, logger: logger}
}

func (s *SqliteSaver) table(name string) string {
	return s.prefix + name
}

// InitSchema creates the tables if they don't exist.
func (s *SqliteSaver) InitSchema(ctx context.Context) error {
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
			created_at DATETIME NOT NULL
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
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
			created_at DATETIME NOT NULL,
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

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &checkpoint.StoreError{Op: "init_schema", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (s *SqliteSaver) Close() error {
	return s.db.Close()
}

// Put stores a new checkpoint. See checkpoint.Saver.
func (s *SqliteSaver) Put(ctx context.Context, config checkpoint.Config, cp *checkpoint.Checkpoint, metadata checkpoint.Metadata) (checkpoint.Config, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (thread_id, ns) VALUES (?, ?) ON CONFLICT(thread_id, ns) DO NOTHING`,
		s.table("threads")), config.ThreadID, config.Namespace)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}

	parentID := config.CheckpointID
	if parentID != "" {
		var one int
		err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT 1 FROM %s WHERE checkpoint_id = ? AND thread_id = ? AND ns = ?`,
			s.table("checkpoints")), parentID, config.ThreadID, config.Namespace).Scan(&one)
		if err == sql.ErrNoRows {
			return checkpoint.Config{}, &checkpoint.ParentNotFoundError{
				ThreadID: config.ThreadID, Namespace: config.Namespace, ParentID: parentID}
		}
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (checkpoint_id, thread_id, ns, parent_id, payload_type, payload, metadata_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(checkpoint_id) DO NOTHING`,
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
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (channel, version, type, blob) VALUES (?, ?, ?, ?)
			 ON CONFLICT(channel, version) DO NOTHING`,
			s.table("channel_states")), channel, version, ev.Type, ev.Payload)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (checkpoint_id, channel, version) VALUES (?, ?, ?)
			 ON CONFLICT(checkpoint_id, channel) DO NOTHING`,
			s.table("checkpoint_channels")), stored.ID, channel, version)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	var branchCount int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE thread_id = ? AND ns = ?`,
		s.table("branches")), config.ThreadID, config.Namespace).Scan(&branchCount)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	if branchCount == 0 {
		mainID := checkpoint.NewBranchID()
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (branch_id, thread_id, ns, name, created_at) VALUES (?, ?, ?, ?, ?)`,
			s.table("branches")),
			mainID, config.ThreadID, config.Namespace, checkpoint.MainBranchName, time.Now().UTC())
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET active_branch_id = ? WHERE thread_id = ? AND ns = ?`,
			s.table("threads")), mainID, config.ThreadID, config.Namespace)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		s.logger.Debug("created main branch %s for thread %s", mainID, config.ThreadID)
	}

	var activeBranch sql.NullString
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT active_branch_id FROM %s WHERE thread_id = ? AND ns = ?`,
		s.table("threads")), config.ThreadID, config.Namespace).Scan(&activeBranch)
	if err != nil {
		return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
	}
	if activeBranch.Valid && activeBranch.String != "" {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET head_checkpoint_id = ? WHERE branch_id = ?`,
			s.table("branches")), stored.ID, activeBranch.String)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (checkpoint_id, branch_id) VALUES (?, ?)
			 ON CONFLICT(checkpoint_id, branch_id) DO NOTHING`,
			s.table("checkpoint_branches")), stored.ID, activeBranch.String)
		if err != nil {
			return checkpoint.Config{}, &checkpoint.StoreError{Op: "put", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
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
func (s *SqliteSaver) PutWrites(ctx context.Context, config checkpoint.Config, taskID, taskPath string, writes []checkpoint.ChannelWrite) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &checkpoint.StoreError{Op: "put_writes", Err: err}
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE checkpoint_id = ? AND thread_id = ? AND ns = ?`,
		s.table("checkpoints")), config.CheckpointID, config.ThreadID, config.Namespace).Scan(&one)
	if err == sql.ErrNoRows {
		return &checkpoint.CheckpointNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, CheckpointID: config.CheckpointID}
	}
	if err != nil {
		return &checkpoint.StoreError{Op: "put_writes", Err: err}
	}

	for i, w := range writes {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (checkpoint_id, task_id, task_path, idx, channel, type, blob)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(checkpoint_id, task_id, idx) DO NOTHING`,
			s.table("pending_writes")),
			config.CheckpointID, taskID, taskPath, i, w.Channel, encoded[i].Type, encoded[i].Payload)
		if err != nil {
			return &checkpoint.StoreError{Op: "put_writes", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &checkpoint.StoreError{Op: "put_writes", Err: err}
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
func (s *SqliteSaver) GetTuple(ctx context.Context, config checkpoint.Config) (*checkpoint.CheckpointTuple, error) {
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
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT type, blob FROM %s WHERE channel = ? AND version = ?`,
			s.table("channel_states")), channel, version).Scan(&ev.Type, &ev.Payload)
		if err == sql.ErrNoRows {
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

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT task_id, task_path, idx, channel, type, blob FROM %s
		 WHERE checkpoint_id = ? ORDER BY seq ASC`,
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
func (s *SqliteSaver) resolveRow(ctx context.Context, config checkpoint.Config) (*checkpointRow, error) {
	selectRow := fmt.Sprintf(
		`SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata
		 FROM %s WHERE `, s.table("checkpoints"))

	scan := func(r *sql.Row) (*checkpointRow, error) {
		var row checkpointRow
		err := r.Scan(&row.id, &row.parentID, &row.payloadType, &row.payload,
			&row.metadataType, &row.metadata)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
		}
		return &row, nil
	}

	if config.CheckpointID != "" {
		return scan(s.db.QueryRowContext(ctx,
			selectRow+`checkpoint_id = ? AND thread_id = ? AND ns = ?`,
			config.CheckpointID, config.ThreadID, config.Namespace))
	}

	var headID sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT b.head_checkpoint_id FROM %s t JOIN %s b ON b.branch_id = t.active_branch_id
		 WHERE t.thread_id = ? AND t.ns = ?`,
		s.table("threads"), s.table("branches")),
		config.ThreadID, config.Namespace).Scan(&headID)
	if err != nil && err != sql.ErrNoRows {
		return nil, &checkpoint.StoreError{Op: "get_tuple", Err: err}
	}
	if headID.Valid && headID.String != "" {
		return scan(s.db.QueryRowContext(ctx,
			selectRow+`checkpoint_id = ? AND thread_id = ? AND ns = ?`,
			headID.String, config.ThreadID, config.Namespace))
	}

	// No branch head: fall back to the latest checkpoint by id.
	return scan(s.db.QueryRowContext(ctx,
		selectRow+`thread_id = ? AND ns = ? ORDER BY checkpoint_id DESC LIMIT 1`,
		config.ThreadID, config.Namespace))
}

func (s *SqliteSaver) buildTuple(config checkpoint.Config, row *checkpointRow) (*checkpoint.CheckpointTuple, error) {
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
func (s *SqliteSaver) List(ctx context.Context, config checkpoint.Config, before string, limit int) ([]*checkpoint.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if limit <= 0 {
		limit = checkpoint.DefaultListLimit
	}

	query := fmt.Sprintf(
		`SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata
		 FROM %s WHERE thread_id = ? AND ns = ?`, s.table("checkpoints"))
	args := []any{config.ThreadID, config.Namespace}
	if before != "" {
		query += ` AND checkpoint_id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY checkpoint_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SqliteSaver) DeleteThread(ctx context.Context, threadID, namespace string) error {
	if threadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}
	defer tx.Rollback()

	sel := fmt.Sprintf(`SELECT checkpoint_id FROM %s WHERE thread_id = ? AND ns = ?`,
		s.table("checkpoints"))
	for _, stmt := range []string{
		fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id IN (%s)`, s.table("pending_writes"), sel),
		fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id IN (%s)`, s.table("checkpoint_channels"), sel),
		fmt.Sprintf(`DELETE FROM %s WHERE checkpoint_id IN (%s)`, s.table("checkpoint_branches"), sel),
		fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ? AND ns = ?`, s.table("branches")),
		fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ? AND ns = ?`, s.table("checkpoints")),
		fmt.Sprintf(`DELETE FROM %s WHERE thread_id = ? AND ns = ?`, s.table("threads")),
	} {
		if _, err := tx.ExecContext(ctx, stmt, threadID, namespace); err != nil {
			return &checkpoint.StoreError{Op: "delete_thread", Err: err}
		}
	}

	// Orphan GC: drop channel states no surviving checkpoint links to.
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %[1]s WHERE NOT EXISTS (
			SELECT 1 FROM %[2]s cc WHERE cc.channel = %[1]s.channel AND cc.version = %[1]s.version
		)`, s.table("channel_states"), s.table("checkpoint_channels")))
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &checkpoint.StoreError{Op: "delete_thread", Err: err}
	}
	s.logger.Debug("deleted thread %s (namespace %q)", threadID, namespace)
	return nil
}

// CreateBranch forks a branch at config.CheckpointID. See checkpoint.Saver.
func (s *SqliteSaver) CreateBranch(ctx context.Context, config checkpoint.Config, name string) (*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}
	if config.CheckpointID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "fork point checkpoint id is required"}
	}

	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE checkpoint_id = ? AND thread_id = ? AND ns = ?`,
		s.table("checkpoints")), config.CheckpointID, config.ThreadID, config.Namespace).Scan(&one)
	if err == sql.ErrNoRows {
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
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (branch_id, thread_id, ns, name, created_at, fork_point_id, head_checkpoint_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table("branches")),
		branch.ID, config.ThreadID, config.Namespace, name, branch.CreatedAt,
		branch.ForkPointID, branch.HeadCheckpointID)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "create_branch", Err: err}
	}
	s.logger.Debug("created branch %s (%s) at %s", branch.ID, name, config.CheckpointID)
	return branch, nil
}

// SetActiveBranch swaps the thread's active branch. See checkpoint.Saver.
func (s *SqliteSaver) SetActiveBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	// One UPDATE guarded by branch ownership: the swap is atomic and
	// cannot point the thread at a foreign branch.
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET active_branch_id = ? WHERE thread_id = ? AND ns = ?
		 AND EXISTS (SELECT 1 FROM %s b WHERE b.branch_id = ? AND b.thread_id = ? AND b.ns = ?)`,
		s.table("threads"), s.table("branches")),
		branchID, config.ThreadID, config.Namespace,
		branchID, config.ThreadID, config.Namespace)
	if err != nil {
		return &checkpoint.StoreError{Op: "set_active_branch", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &checkpoint.StoreError{Op: "set_active_branch", Err: err}
	}
	if affected == 0 {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}
	return nil
}

// ListBranches returns branches in creation order. See checkpoint.Saver.
func (s *SqliteSaver) ListBranches(ctx context.Context, config checkpoint.Config) ([]*checkpoint.Branch, error) {
	if config.ThreadID == "" {
		return nil, &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT b.branch_id, b.name, b.created_at, b.fork_point_id, b.head_checkpoint_id,
			(b.branch_id = COALESCE(t.active_branch_id, ''))
		 FROM %s b LEFT JOIN %s t ON t.thread_id = b.thread_id AND t.ns = b.ns
		 WHERE b.thread_id = ? AND b.ns = ?
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
		b.ForkPointID = forkPoint.String
		b.HeadCheckpointID = head.String
		branches = append(branches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "list_branches", Err: err}
	}
	return branches, nil
}

// DeleteBranch removes a branch; its checkpoints remain. See checkpoint.Saver.
func (s *SqliteSaver) DeleteBranch(ctx context.Context, config checkpoint.Config, branchID string) error {
	if config.ThreadID == "" {
		return &checkpoint.ConfigurationError{Msg: "thread id is required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE branch_id = ? AND thread_id = ? AND ns = ?`,
		s.table("branches")), branchID, config.ThreadID, config.Namespace)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	if affected == 0 {
		return &checkpoint.BranchNotFoundError{
			ThreadID: config.ThreadID, Namespace: config.Namespace, BranchID: branchID}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE branch_id = ?`, s.table("checkpoint_branches")), branchID)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET active_branch_id = NULL
		 WHERE thread_id = ? AND ns = ? AND active_branch_id = ?`,
		s.table("threads")), config.ThreadID, config.Namespace, branchID)
	if err != nil {
		return &checkpoint.StoreError{Op: "delete_branch", Err: err}
	}

	if err := tx.Commit(); err != nil {
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

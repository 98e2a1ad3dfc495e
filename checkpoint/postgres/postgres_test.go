package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/serde"
)

func newMockSaver(t *testing.T) (*PostgresSaver, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresSaverWithPool(mock, PostgresOptions{
		Serializer: serde.NewTypeRegistry(),
	}), mock
}

// payloadJSON is a structural checkpoint payload as stored in the
// payload column.
func payloadJSON(id string, versions map[string]string) string {
	out := `{"channel_versions":{`
	first := true
	for ch, v := range versions {
		if !first {
			out += ","
		}
		first = false
		out += `"` + ch + `":"` + v + `"`
	}
	out += `},"id":"` + id + `","ts":"` + time.Now().UTC().Format(time.RFC3339Nano) + `"}`
	return out
}

func TestPutNewCheckpoint(t *testing.T) {
	s, mock := newMockSaver(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_threads")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_checkpoints")).
		WithArgs("cp-1", "t1", "", nil,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_channel_states")).
		WithArgs("msgs", "v1", serde.TypeJSON, `"hello"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_checkpoint_channels")).
		WithArgs("cp-1", "msgs", "v1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM ckpt_branches")).
		WithArgs("t1", "").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_branches")).
		WithArgs(pgxmock.AnyArg(), "t1", "", checkpoint.MainBranchName, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ckpt_threads SET active_branch_id")).
		WithArgs(pgxmock.AnyArg(), "t1", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT active_branch_id FROM ckpt_threads")).
		WithArgs("t1", "").
		WillReturnRows(pgxmock.NewRows([]string{"active_branch_id"}).AddRow("branch-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ckpt_branches SET head_checkpoint_id")).
		WithArgs("cp-1", "branch-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_checkpoint_branches")).
		WithArgs("cp-1", "branch-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	next, err := s.Put(ctx, checkpoint.Config{ThreadID: "t1"}, &checkpoint.Checkpoint{
		ID:              "cp-1",
		ChannelValues:   map[string]any{"msgs": "hello"},
		ChannelVersions: map[string]string{"msgs": "v1"},
	}, checkpoint.Metadata{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Config{ThreadID: "t1", CheckpointID: "cp-1"}, next)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutParentNotFound(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_threads")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM ckpt_checkpoints")).
		WithArgs("missing-parent", "t1", "").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Put(context.Background(),
		checkpoint.Config{ThreadID: "t1", CheckpointID: "missing-parent"},
		&checkpoint.Checkpoint{ID: "cp-2"}, nil)

	var notFound *checkpoint.ParentNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing-parent", notFound.ParentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutValidation(t *testing.T) {
	s, _ := newMockSaver(t)
	ctx := context.Background()

	var cfgErr *checkpoint.ConfigurationError
	_, err := s.Put(ctx, checkpoint.Config{}, &checkpoint.Checkpoint{}, nil)
	assert.ErrorAs(t, err, &cfgErr)

	_, err = s.Put(ctx, checkpoint.Config{ThreadID: "t1"}, nil, nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestGetTupleByID(t *testing.T) {
	s, mock := newMockSaver(t)

	rows := pgxmock.NewRows([]string{
		"checkpoint_id", "parent_id", "payload_type", "payload", "metadata_type", "metadata",
	}).AddRow("cp-2", "cp-1", serde.TypeJSON,
		payloadJSON("cp-2", map[string]string{"msgs": "v1"}),
		serde.TypeJSON, `{"source":"loop"}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata")).
		WithArgs("cp-2", "t1", "").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT type, blob FROM ckpt_channel_states")).
		WithArgs("msgs", "v1").
		WillReturnRows(pgxmock.NewRows([]string{"type", "blob"}).AddRow(serde.TypeJSON, `["hi"]`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT task_id, task_path, idx, channel, type, blob FROM ckpt_pending_writes")).
		WithArgs("cp-2").
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "task_path", "idx", "channel", "type", "blob"}).
			AddRow("task-a", "graph/node-a", 0, "out", serde.TypeJSON, `"pending"`))

	tuple, err := s.GetTuple(context.Background(), checkpoint.Config{ThreadID: "t1", CheckpointID: "cp-2"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "cp-2", tuple.Checkpoint.ID)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, "cp-1", tuple.ParentConfig.CheckpointID)
	assert.Equal(t, checkpoint.Metadata{"source": "loop"}, tuple.Metadata)
	assert.Equal(t, []any{"hi"}, tuple.Checkpoint.ChannelValues["msgs"])
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "pending", tuple.PendingWrites[0].Value)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTupleFollowsActiveBranchHead(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT b.head_checkpoint_id FROM ckpt_threads")).
		WithArgs("t1", "").
		WillReturnRows(pgxmock.NewRows([]string{"head_checkpoint_id"}).AddRow("cp-9"))

	rows := pgxmock.NewRows([]string{
		"checkpoint_id", "parent_id", "payload_type", "payload", "metadata_type", "metadata",
	}).AddRow("cp-9", nil, serde.TypeJSON,
		payloadJSON("cp-9", nil), serde.TypeJSON, `{}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata")).
		WithArgs("cp-9", "t1", "").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT task_id, task_path, idx, channel, type, blob FROM ckpt_pending_writes")).
		WithArgs("cp-9").
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "task_path", "idx", "channel", "type", "blob"}))

	tuple, err := s.GetTuple(context.Background(), checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "cp-9", tuple.Checkpoint.ID)
	assert.Nil(t, tuple.ParentConfig)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTupleNotFound(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata")).
		WithArgs("absent", "t1", "").
		WillReturnError(pgx.ErrNoRows)

	tuple, err := s.GetTuple(context.Background(), checkpoint.Config{ThreadID: "t1", CheckpointID: "absent"})
	assert.NoError(t, err)
	assert.Nil(t, tuple)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTupleDatabaseError(t *testing.T) {
	s, mock := newMockSaver(t)

	dbError := errors.New("database connection failed")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata")).
		WithArgs("cp-1", "t1", "").
		WillReturnError(dbError)

	_, err := s.GetTuple(context.Background(), checkpoint.Config{ThreadID: "t1", CheckpointID: "cp-1"})
	var storeErr *checkpoint.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, dbError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutWrites(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM ckpt_checkpoints")).
		WithArgs("cp-1", "t1", "").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_pending_writes")).
		WithArgs("cp-1", "task-a", "graph/node-a", 0, "out", serde.TypeJSON, `"first"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_pending_writes")).
		WithArgs("cp-1", "task-a", "graph/node-a", 1, "log", serde.TypeJSON, `"second"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutWrites(context.Background(),
		checkpoint.Config{ThreadID: "t1", CheckpointID: "cp-1"},
		"task-a", "graph/node-a", []checkpoint.ChannelWrite{
			{Channel: "out", Value: "first"},
			{Channel: "log", Value: "second"},
		})
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutWritesCheckpointMissing(t *testing.T) {
	s, mock := newMockSaver(t)

	err := s.PutWrites(context.Background(), checkpoint.Config{ThreadID: "t1"}, "task", "", nil)
	assert.True(t, errors.Is(err, checkpoint.ErrMissingCheckpointID))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM ckpt_checkpoints")).
		WithArgs("absent", "t1", "").
		WillReturnError(pgx.ErrNoRows)

	err = s.PutWrites(context.Background(),
		checkpoint.Config{ThreadID: "t1", CheckpointID: "absent"}, "task", "", nil)
	var notFound *checkpoint.CheckpointNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	s, mock := newMockSaver(t)

	rows := pgxmock.NewRows([]string{
		"checkpoint_id", "parent_id", "payload_type", "payload", "metadata_type", "metadata",
	}).
		AddRow("cp-2", "cp-1", serde.TypeJSON, payloadJSON("cp-2", nil), serde.TypeJSON, `{}`).
		AddRow("cp-1", nil, serde.TypeJSON, payloadJSON("cp-1", nil), serde.TypeJSON, `{}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_id, payload_type, payload, metadata_type, metadata")).
		WithArgs("t1", "", "cp-3", 10).
		WillReturnRows(rows)

	tuples, err := s.List(context.Background(), checkpoint.Config{ThreadID: "t1"}, "cp-3", 10)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, "cp-2", tuples[0].Checkpoint.ID)
	require.NotNil(t, tuples[0].ParentConfig)
	assert.Equal(t, "cp-1", tuples[0].ParentConfig.CheckpointID)
	assert.Equal(t, "cp-1", tuples[1].Checkpoint.ID)
	assert.Nil(t, tuples[1].ParentConfig)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBranch(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM ckpt_checkpoints")).
		WithArgs("cp-1", "t1", "").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ckpt_branches")).
		WithArgs(pgxmock.AnyArg(), "t1", "", "what-if", pgxmock.AnyArg(), "cp-1", "cp-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	branch, err := s.CreateBranch(context.Background(),
		checkpoint.Config{ThreadID: "t1", CheckpointID: "cp-1"}, "what-if")
	require.NoError(t, err)
	assert.Equal(t, "what-if", branch.Name)
	assert.Equal(t, "cp-1", branch.ForkPointID)
	assert.Equal(t, "cp-1", branch.HeadCheckpointID)
	assert.NotEmpty(t, branch.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBranchForkPointMissing(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM ckpt_checkpoints")).
		WithArgs("absent", "t1", "").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.CreateBranch(context.Background(),
		checkpoint.Config{ThreadID: "t1", CheckpointID: "absent"}, "b")
	var notFound *checkpoint.CheckpointNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetActiveBranch(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ckpt_threads SET active_branch_id")).
		WithArgs("b1", "t1", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.SetActiveBranch(context.Background(), checkpoint.Config{ThreadID: "t1"}, "b1")
	assert.NoError(t, err)

	// Zero rows updated means the branch is unknown or foreign.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ckpt_threads SET active_branch_id")).
		WithArgs("b2", "t1", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = s.SetActiveBranch(context.Background(), checkpoint.Config{ThreadID: "t1"}, "b2")
	var notFound *checkpoint.BranchNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBranches(t *testing.T) {
	s, mock := newMockSaver(t)

	created := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"branch_id", "name", "created_at", "fork_point_id", "head_checkpoint_id", "active",
	}).
		AddRow("b1", checkpoint.MainBranchName, created, nil, "cp-2", false).
		AddRow("b2", "what-if", created.Add(time.Second), "cp-1", "cp-3", true)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT b.branch_id, b.name, b.created_at")).
		WithArgs("t1", "").
		WillReturnRows(rows)

	branches, err := s.ListBranches(context.Background(), checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, checkpoint.MainBranchName, branches[0].Name)
	assert.Empty(t, branches[0].ForkPointID)
	assert.False(t, branches[0].Active)
	assert.Equal(t, "what-if", branches[1].Name)
	assert.Equal(t, "cp-1", branches[1].ForkPointID)
	assert.True(t, branches[1].Active)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBranch(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_branches")).
		WithArgs("b2", "t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_checkpoint_branches")).
		WithArgs("b2").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ckpt_threads SET active_branch_id = NULL")).
		WithArgs("t1", "", "b2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.DeleteBranch(context.Background(), checkpoint.Config{ThreadID: "t1"}, "b2")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBranchUnknown(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_branches")).
		WithArgs("ghost", "t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := s.DeleteBranch(context.Background(), checkpoint.Config{ThreadID: "t1"}, "ghost")
	var notFound *checkpoint.BranchNotFoundError
	require.ErrorAs(t, err, &notFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteThread(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_pending_writes")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_checkpoint_channels")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_checkpoint_branches")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_branches")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_checkpoints")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_threads")).
		WithArgs("t1", "").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ckpt_channel_states")).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := s.DeleteThread(context.Background(), "t1", "")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchema(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ckpt_threads")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	assert.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitSchemaDatabaseError(t *testing.T) {
	s, mock := newMockSaver(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS ckpt_threads")).
		WillReturnError(errors.New("permission denied"))

	err := s.InitSchema(context.Background())
	var storeErr *checkpoint.StoreError
	require.ErrorAs(t, err, &storeErr)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresSaverInvalidConnString(t *testing.T) {
	_, err := NewPostgresSaver(context.Background(), PostgresOptions{
		ConnString: "invalid://connection-string",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unable to create connection pool")
}

package persistence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var taskRowColumns = []string{"id", "request_id", "account_id", "destination", "state", "attempt", "last_error",
	"external_content_id", "pending_handle", "container_id", "assets", "attachments",
	"poll_count", "next_poll_at", "state_entered_at", "created_at", "updated_at"}

func TestPublishRepository_CreateRequestWithTasks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	req := &model.PublishRequest{ID: "r1", OwnerID: "u1", TargetAccountIDs: []string{"a1", "a2"}, CreatedAt: now,
		Content: model.PublishContent{Kind: model.ContentText, Body: "hi"}}
	tasks := []*model.Task{
		{ID: "t1", RequestID: "r1", AccountID: "a1", State: model.TaskCreated, CreatedAt: now, UpdatedAt: now, StateEnteredAt: now},
		{ID: "t2", RequestID: "r1", AccountID: "a2", State: model.TaskCreated, CreatedAt: now, UpdatedAt: now, StateEnteredAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO publish_requests`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO publish_tasks`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO publish_tasks`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewPublishRepository(db).CreateRequestWithTasks(context.Background(), req, tasks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRepository_CreateRollsBackOnTaskFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	req := &model.PublishRequest{ID: "r1", OwnerID: "u1", CreatedAt: now}
	tasks := []*model.Task{{ID: "t1", RequestID: "r1", State: model.TaskCreated}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO publish_requests`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO publish_tasks`)).WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	require.Error(t, NewPublishRepository(db).CreateRequestWithTasks(context.Background(), req, tasks))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRepository_UpdateTaskCompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPublishRepository(db)
	task := &model.Task{ID: "t1", State: model.TaskTransferring}

	t.Run("applied", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE publish_tasks SET state=$2`)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.UpdateTask(context.Background(), task, model.TaskAuthorizing))
	})

	t.Run("stale", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE publish_tasks SET state=$2`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM publish_tasks WHERE id=$1`)).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		require.ErrorIs(t, repo.UpdateTask(context.Background(), task, model.TaskAuthorizing), repository.ErrStaleTask)
	})

	t.Run("missing", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE publish_tasks SET state=$2`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM publish_tasks WHERE id=$1`)).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"one"}))
		require.ErrorIs(t, repo.UpdateTask(context.Background(), task, model.TaskAuthorizing), repository.ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRepository_FindByHandle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE t.destination=$1 AND t.pending_handle=$2`)).
		WithArgs("tiktok", "pub-1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			"t1", "r1", "a1", "tiktok", "awaiting_confirmation", 2, []byte(`{"kind":"rate_limited","code":"http_429","message":""}`),
			nil, "pub-1", "c-1", []byte(`[{"key":"k","size":10}]`), []byte(`["ref-1"]`),
			1, now, now, now, now))

	task, err := NewPublishRepository(db).FindByHandle(context.Background(), model.DestinationTikTok, "pub-1")
	require.NoError(t, err)
	require.Equal(t, model.TaskAwaitingConfirmation, task.State)
	require.Equal(t, "pub-1", *task.PendingHandle)
	require.Equal(t, "c-1", *task.ContainerID)
	require.Nil(t, task.ExternalContentID)
	require.Equal(t, "rate_limited", task.LastError.Kind)
	require.Equal(t, []string{"ref-1"}, task.Attachments)
	require.Equal(t, int64(10), task.Assets[0].Size)
	require.Equal(t, now, *task.NextPollAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadSessionRepository_FindOpenWithParts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM upload_sessions WHERE backend=$1 AND object_key=$2 AND status='open'`)).
		WithArgs("s3", "tasks/t1/0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "backend", "object_key", "session_token", "total_size", "chunk_size", "content_type", "status", "created_at", "updated_at"}).
			AddRow("s1", "s3", "tasks/t1/0", "up:tasks/t1/0", 30, 10, "video/mp4", "open", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT part_number, part_tag, size FROM upload_session_parts WHERE session_id=$1`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"part_number", "part_tag", "size"}).AddRow(1, "e1", 10).AddRow(2, "e2", 10))

	s, err := NewUploadSessionRepository(db).FindOpen(context.Background(), "s3", "tasks/t1/0")
	require.NoError(t, err)
	require.Len(t, s.Parts, 2)
	require.True(t, s.Committed(2))
	require.False(t, s.Committed(3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadSessionRepository_AddPart(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO upload_session_parts`)).
		WithArgs("s1", 3, "e3", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE upload_sessions SET updated_at=$1 WHERE id=$2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewUploadSessionRepository(db).AddPart(context.Background(), "s1", model.PartDescriptor{Number: 3, Tag: "e3", Size: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

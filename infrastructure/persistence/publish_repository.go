package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
)

// PublishRepository stores publish requests and tasks in PostgreSQL.
type PublishRepository struct {
	db *sql.DB
}

func NewPublishRepository(db *sql.DB) *PublishRepository { return &PublishRepository{db: db} }

const taskColumns = `t.id, t.request_id, t.account_id, t.destination, t.state, t.attempt, t.last_error,
	t.external_content_id, t.pending_handle, t.container_id, t.assets, t.attachments,
	t.poll_count, t.next_poll_at, t.state_entered_at, t.created_at, t.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PublishRepository) CreateRequestWithTasks(ctx context.Context, req *model.PublishRequest, tasks []*model.Task) (err error) {
	content, err := json.Marshal(req.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	targets, err := json.Marshal(req.TargetAccountIDs)
	if err != nil {
		return fmt.Errorf("encode targets: %w", err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO publish_requests (id, owner_id, content, target_account_ids, scheduled_at, cancelled_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		req.ID, req.OwnerID, content, targets, req.ScheduledAt, req.CancelledAt, req.CreatedAt); err != nil {
		return err
	}
	for _, t := range tasks {
		var args []interface{}
		if args, err = taskArgs(t); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO publish_tasks (id, request_id, account_id, destination, state, attempt, last_error,
				external_content_id, pending_handle, container_id, assets, attachments,
				poll_count, next_poll_at, state_entered_at, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func taskArgs(t *model.Task) ([]interface{}, error) {
	var lastErr []byte
	if t.LastError != nil {
		b, err := json.Marshal(t.LastError)
		if err != nil {
			return nil, fmt.Errorf("encode last error: %w", err)
		}
		lastErr = b
	}
	assets, err := json.Marshal(nonNilAssets(t.Assets))
	if err != nil {
		return nil, fmt.Errorf("encode assets: %w", err)
	}
	attachments, err := json.Marshal(nonNilStrings(t.Attachments))
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return []interface{}{
		t.ID, t.RequestID, t.AccountID, string(t.Destination), string(t.State), t.Attempt, lastErr,
		t.ExternalContentID, t.PendingHandle, t.ContainerID, assets, attachments,
		t.PollCount, t.NextPollAt, t.StateEnteredAt, t.CreatedAt, t.UpdatedAt,
	}, nil
}

func nonNilAssets(v []model.ObjectRef) []model.ObjectRef {
	if v == nil {
		return []model.ObjectRef{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var (
		destination, state                   string
		lastErr, assets, attachments         []byte
		externalID, pendingHandle, container sql.NullString
		nextPoll                             sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.RequestID, &t.AccountID, &destination, &state, &t.Attempt, &lastErr,
		&externalID, &pendingHandle, &container, &assets, &attachments,
		&t.PollCount, &nextPoll, &t.StateEnteredAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	t.Destination = model.DestinationType(destination)
	t.State = model.TaskState(state)
	if len(lastErr) > 0 {
		t.LastError = &model.TaskError{}
		if err := json.Unmarshal(lastErr, t.LastError); err != nil {
			return nil, fmt.Errorf("decode last error: %w", err)
		}
	}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &t.Assets); err != nil {
			return nil, fmt.Errorf("decode assets: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &t.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if externalID.Valid {
		v := externalID.String
		t.ExternalContentID = &v
	}
	if pendingHandle.Valid {
		v := pendingHandle.String
		t.PendingHandle = &v
	}
	if container.Valid {
		v := container.String
		t.ContainerID = &v
	}
	if nextPoll.Valid {
		v := nextPoll.Time
		t.NextPollAt = &v
	}
	return t, nil
}

func (r *PublishRepository) queryTasks(ctx context.Context, q string, args ...interface{}) ([]*model.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]*model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *PublishRepository) GetRequest(ctx context.Context, id string) (*model.PublishRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, owner_id, content, target_account_ids, scheduled_at, cancelled_at, created_at FROM publish_requests WHERE id=$1`, id)
	req := &model.PublishRequest{}
	var content, targets []byte
	var scheduled, cancelled sql.NullTime
	if err := row.Scan(&req.ID, &req.OwnerID, &content, &targets, &scheduled, &cancelled, &req.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(content, &req.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal(targets, &req.TargetAccountIDs); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if scheduled.Valid {
		v := scheduled.Time
		req.ScheduledAt = &v
	}
	if cancelled.Valid {
		v := cancelled.Time
		req.CancelledAt = &v
	}
	return req, nil
}

func (r *PublishRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM publish_tasks t WHERE t.id=$1`, id))
}

func (r *PublishRepository) ListTasks(ctx context.Context, requestID string) ([]*model.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM publish_tasks t WHERE t.request_id=$1 ORDER BY t.created_at ASC, t.id ASC`, requestID)
}

// UpdateTask is a compare-and-set on the stored state.
func (r *PublishRepository) UpdateTask(ctx context.Context, t *model.Task, expected model.TaskState) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	// args[0] is the id; the update binds the mutable columns after it.
	res, err := r.db.ExecContext(ctx,
		`UPDATE publish_tasks SET state=$2, attempt=$3, last_error=$4, external_content_id=$5,
			pending_handle=$6, container_id=$7, assets=$8, attachments=$9, poll_count=$10,
			next_poll_at=$11, state_entered_at=$12, updated_at=$13
		 WHERE id=$1 AND state=$14`,
		args[0], args[4], args[5], args[6], args[7], args[8], args[9], args[10], args[11],
		args[12], args[13], args[14], args[16], string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	if err := r.db.QueryRowContext(ctx, `SELECT 1 FROM publish_tasks WHERE id=$1`, t.ID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return repository.ErrStaleTask
}

func (r *PublishRepository) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM publish_tasks t
		JOIN publish_requests r ON r.id = t.request_id
		WHERE t.state IN ('created','authorizing','transferring','finalizing')
		  AND (r.cancelled_at IS NULL OR t.state = 'finalizing')
		  AND (r.scheduled_at IS NULL OR r.scheduled_at <= $1)
		ORDER BY t.created_at ASC LIMIT $2`, now, limit)
}

func (r *PublishRepository) ListAwaiting(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM publish_tasks t
		WHERE t.state='awaiting_confirmation' AND (t.next_poll_at IS NULL OR t.next_poll_at <= $1)
		ORDER BY t.next_poll_at ASC LIMIT $2`, now, limit)
}

func (r *PublishRepository) FindByHandle(ctx context.Context, destination model.DestinationType, handle string) (*model.Task, error) {
	return scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM publish_tasks t WHERE t.destination=$1 AND t.pending_handle=$2`, string(destination), handle))
}

func (r *PublishRepository) MarkRequestCancelled(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE publish_requests SET cancelled_at=COALESCE(cancelled_at, $1) WHERE id=$2`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.IPublish = (*PublishRepository)(nil)

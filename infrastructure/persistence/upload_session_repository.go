package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
)

// UploadSessionRepository persists chunked transfer sessions and their
// acknowledged parts in PostgreSQL.
type UploadSessionRepository struct{ db *sql.DB }

func NewUploadSessionRepository(db *sql.DB) *UploadSessionRepository {
	return &UploadSessionRepository{db: db}
}

func (r *UploadSessionRepository) Create(ctx context.Context, s *model.AssetUploadSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (id, backend, object_key, session_token, total_size, chunk_size, content_type, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.Backend, s.ObjectKey, s.SessionToken, s.TotalSize, s.ChunkSize, s.ContentType, string(s.Status), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *UploadSessionRepository) FindOpen(ctx context.Context, backend, objectKey string) (*model.AssetUploadSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, backend, object_key, session_token, total_size, chunk_size, content_type, status, created_at, updated_at
		 FROM upload_sessions WHERE backend=$1 AND object_key=$2 AND status='open'
		 ORDER BY created_at DESC LIMIT 1`, backend, objectKey)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if s.Parts, err = r.parts(ctx, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

func scanSession(row rowScanner) (*model.AssetUploadSession, error) {
	s := &model.AssetUploadSession{}
	var status string
	var contentType sql.NullString
	if err := row.Scan(&s.ID, &s.Backend, &s.ObjectKey, &s.SessionToken, &s.TotalSize, &s.ChunkSize, &contentType, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.ContentType = contentType.String
	s.Status = model.UploadSessionStatus(status)
	return s, nil
}

func (r *UploadSessionRepository) parts(ctx context.Context, sessionID string) ([]model.PartDescriptor, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT part_number, part_tag, size FROM upload_session_parts WHERE session_id=$1 ORDER BY part_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []model.PartDescriptor
	for rows.Next() {
		var p model.PartDescriptor
		if err := rows.Scan(&p.Number, &p.Tag, &p.Size); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// AddPart records an acknowledged part; re-acknowledging a part number
// replaces its tag.
func (r *UploadSessionRepository) AddPart(ctx context.Context, sessionID string, p model.PartDescriptor) (err error) {
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
		`INSERT INTO upload_session_parts (session_id, part_number, part_tag, size) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (session_id, part_number) DO UPDATE SET part_tag=EXCLUDED.part_tag, size=EXCLUDED.size`,
		sessionID, p.Number, p.Tag, p.Size); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE upload_sessions SET updated_at=$1 WHERE id=$2`, time.Now().UTC(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *UploadSessionRepository) SetStatus(ctx context.Context, sessionID string, status model.UploadSessionStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE upload_sessions SET status=$1, updated_at=$2 WHERE id=$3`, string(status), time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UploadSessionRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*model.AssetUploadSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, backend, object_key, session_token, total_size, chunk_size, content_type, status, created_at, updated_at
		 FROM upload_sessions WHERE status='open' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	var list []*model.AssetUploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, s)
	}
	rows.Close()
	for _, s := range list {
		if s.Parts, err = r.parts(ctx, s.ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

var _ repository.IUploadSession = (*UploadSessionRepository)(nil)

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
)

// CredentialRepository stores one credential record per account in PostgreSQL.
type CredentialRepository struct{ db *sql.DB }

func NewCredentialRepository(db *sql.DB) *CredentialRepository { return &CredentialRepository{db: db} }

// Upsert replaces the record in a single statement so readers see either
// the old or the new token, never neither.
func (r *CredentialRepository) Upsert(ctx context.Context, c *model.CredentialRecord) error {
	c.UpdatedAt = time.Now().UTC()
	if c.IssuedAt.IsZero() {
		c.IssuedAt = c.UpdatedAt
	}
	q := `INSERT INTO credentials (account_id, access_token, refresh_token, token_type, issued_at, expires_at, scopes, updated_at)
		  VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		  ON CONFLICT (account_id) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			token_type=EXCLUDED.token_type,
			issued_at=EXCLUDED.issued_at,
			expires_at=EXCLUDED.expires_at,
			scopes=EXCLUDED.scopes,
			updated_at=EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, q, c.AccountID, c.AccessToken, c.RefreshToken, c.TokenType, c.IssuedAt, c.ExpiresAt, model.JoinScopes(c.Scopes), c.UpdatedAt)
	return err
}

func (r *CredentialRepository) Get(ctx context.Context, accountID string) (*model.CredentialRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT account_id, access_token, refresh_token, token_type, issued_at, expires_at, scopes, updated_at FROM credentials WHERE account_id=$1`, accountID)
	return scanCredential(row)
}

func scanCredential(row rowScanner) (*model.CredentialRecord, error) {
	c := &model.CredentialRecord{}
	var exp sql.NullTime
	var refresh, tokenType sql.NullString
	var scopes string
	if err := row.Scan(&c.AccountID, &c.AccessToken, &refresh, &tokenType, &c.IssuedAt, &exp, &scopes, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if exp.Valid {
		v := exp.Time
		c.ExpiresAt = &v
	}
	c.RefreshToken = refresh.String
	c.TokenType = tokenType.String
	c.Scopes = model.SplitScopes(scopes)
	return c, nil
}

var _ repository.ICredential = (*CredentialRepository)(nil)

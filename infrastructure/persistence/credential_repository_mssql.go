package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
)

type CredentialRepositoryMSSQL struct{ db *sql.DB }

func NewCredentialRepositoryMSSQL(db *sql.DB) *CredentialRepositoryMSSQL {
	return &CredentialRepositoryMSSQL{db: db}
}

// EnsureCredentialSchemaMSSQL creates the credentials table for SQL Server if it does not exist.
func EnsureCredentialSchemaMSSQL(db *sql.DB) error {
	ddl := `IF NOT EXISTS (SELECT * FROM sys.objects WHERE object_id = OBJECT_ID(N'dbo.credentials') AND type in (N'U'))
BEGIN
    CREATE TABLE dbo.[credentials] (
        account_id NVARCHAR(64) NOT NULL PRIMARY KEY,
        access_token NVARCHAR(MAX) NOT NULL,
        refresh_token NVARCHAR(MAX) NULL,
        token_type NVARCHAR(32) NULL,
        issued_at DATETIME2 NOT NULL,
        expires_at DATETIME2 NULL,
        scopes NVARCHAR(MAX) NOT NULL,
        updated_at DATETIME2 NOT NULL
    );
END`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create credentials (mssql): %w", err)
	}
	return nil
}

func (r *CredentialRepositoryMSSQL) Upsert(ctx context.Context, c *model.CredentialRecord) error {
	c.UpdatedAt = time.Now().UTC()
	if c.IssuedAt.IsZero() {
		c.IssuedAt = c.UpdatedAt
	}
	var exp sql.NullTime
	if c.ExpiresAt != nil {
		exp.Valid = true
		exp.Time = *c.ExpiresAt
	}
	q := `MERGE dbo.[credentials] AS target
USING (VALUES (@p1)) AS src(account_id)
ON target.account_id = src.account_id
WHEN MATCHED THEN UPDATE SET
    access_token=@p2,
    refresh_token=@p3,
    token_type=@p4,
    issued_at=@p5,
    expires_at=@p6,
    scopes=@p7,
    updated_at=@p8
WHEN NOT MATCHED THEN
    INSERT (account_id, access_token, refresh_token, token_type, issued_at, expires_at, scopes, updated_at)
    VALUES (@p1,@p2,@p3,@p4,@p5,@p6,@p7,@p8);`
	_, err := r.db.ExecContext(ctx, q,
		c.AccountID,
		c.AccessToken,
		c.RefreshToken,
		c.TokenType,
		c.IssuedAt,
		exp,
		model.JoinScopes(c.Scopes),
		c.UpdatedAt,
	)
	return err
}

func (r *CredentialRepositoryMSSQL) Get(ctx context.Context, accountID string) (*model.CredentialRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT account_id, access_token, refresh_token, token_type, issued_at, expires_at, scopes, updated_at FROM dbo.[credentials] WHERE account_id=@p1`, accountID)
	return scanCredential(row)
}

var _ repository.ICredential = (*CredentialRepositoryMSSQL)(nil)

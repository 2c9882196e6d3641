package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crosspost/infrastructure/configuration"

	_ "github.com/lib/pq"
)

// PostgresDSN renders the key=value connection string lib/pq expects.
func PostgresDSN(cfg configuration.Db) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
}

// NewPostgreSQLDB opens and pings the PostgreSQL database.
func NewPostgreSQLDB(ctx context.Context, cfg configuration.Db) (*sql.DB, error) {
	db, err := sql.Open("postgres", PostgresDSN(cfg))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

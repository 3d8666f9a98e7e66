package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to the Supabase Postgres instance and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", withPoolerSafeParams(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The Supabase pooler runs PgBouncer in transaction mode; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// withPoolerSafeParams appends binary_parameters=yes to the DSN if not present.
// This keeps lib/pq from relying on named server-side prepared statements, which break
// behind PgBouncer transaction pooling.
func withPoolerSafeParams(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.Contains(lower, "binary_parameters=") {
		return dsn
	}
	if !strings.HasPrefix(lower, "postgres://") && !strings.HasPrefix(lower, "postgresql://") {
		// key=value form
		return strings.TrimSpace(dsn) + " binary_parameters=yes"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "binary_parameters=yes"
}

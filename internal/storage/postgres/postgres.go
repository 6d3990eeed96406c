// Package postgres is a PropertyStore for deployments that keep triage state
// in a shared PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

//go:embed migrations.sql
var migrations embed.FS

// Open connects with a lib/pq DSN and applies the schema.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error executing migrations: %w", err)
	}
	return db, nil
}

// Properties is the PropertyStore of one user.
type Properties struct {
	db     *sql.DB
	userID string
}

func NewProperties(db *sql.DB, userID string) *Properties {
	return &Properties{db: db, userID: userID}
}

func (p *Properties) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM properties WHERE user_id = $1 AND key = $2`, p.userID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get property %s: %w", key, err)
	}
	return v, true, nil
}

func (p *Properties) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO properties (user_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		p.userID, key, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

func (p *Properties) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM properties WHERE user_id = $1 AND key = $2`, p.userID, key)
	if err != nil {
		return fmt.Errorf("delete property %s: %w", key, err)
	}
	return nil
}

func (p *Properties) List(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value FROM properties WHERE user_id = $1 AND strpos(key, $2) = 1`, p.userID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list properties %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("error scanning property: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

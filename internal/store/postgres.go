package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresKV implements KV on Postgres for managed deployments.
// Schema is managed by `relaydesk migrate` (see migrations/).
type PostgresKV struct {
	db *sql.DB
}

// NewPostgresKV connects to Postgres. The DSN comes from the environment
// only and is never written to config.
func NewPostgresKV(dsn string) (*PostgresKV, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is not set (RELAYDESK_POSTGRES_DSN)")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresKV{db: db}, nil
}

func (s *PostgresKV) Get(ctx context.Context, namespace, key string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = $1 AND key = $2`, namespace, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: postgres get: %w", err)
	}
	if err := unmarshalValue(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresKV) Set(ctx context.Context, namespace, key string, value any) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, namespace, key, data)
	if err != nil {
		return fmt.Errorf("store: postgres set: %w", err)
	}
	return nil
}

func (s *PostgresKV) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = $1 AND key = $2`, namespace, key); err != nil {
		return fmt.Errorf("store: postgres delete: %w", err)
	}
	return nil
}

func (s *PostgresKV) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE namespace = $1 ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("store: postgres keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: postgres scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresKV) Close() error { return s.db.Close() }

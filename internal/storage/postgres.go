package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists sealed session records in PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBackend{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS encrypted_sessions (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (b *PostgresBackend) Create(ctx context.Context, id string, blob []byte) error {
	tag, err := b.pool.Exec(ctx,
		`INSERT INTO encrypted_sessions (id, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`,
		id, string(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) ([]byte, error) {
	var payload string
	err := b.pool.QueryRow(ctx, `SELECT payload FROM encrypted_sessions WHERE id=$1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return []byte(payload), nil
}

func (b *PostgresBackend) Update(ctx context.Context, id string, blob []byte) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE encrypted_sessions SET payload=$2, updated_at=$3 WHERE id=$1`,
		id, string(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update session record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM encrypted_sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT id FROM encrypted_sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session ids: %w", err)
	}
	return ids, nil
}

func (b *PostgresBackend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) Mode() string { return "postgres" }

package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps documents in a "documents" table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url, checks the connection and creates the
// schema if needed.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.Name, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) Create(ctx context.Context, name string) (*Document, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, name) VALUES ($1, $2)
		 RETURNING id, name, created_at, updated_at`,
		uuid.NewString(), name)
	return scanDocument(row)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM documents WHERE id = $1`, id)
	return scanDocument(row)
}

func (s *PostgresStore) Rename(ctx context.Context, id, name string) (*Document, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE documents SET name = $2, updated_at = now() WHERE id = $1
		 RETURNING id, name, created_at, updated_at`,
		id, name)
	return scanDocument(row)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		d, err := scanDocument(row)
		if err != nil {
			return Document{}, err
		}
		return *d, nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_chunks (
	key        text[]      PRIMARY KEY,
	data       bytea       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS document_chunks_document_idx ON document_chunks ((key[1]));
`

// Postgres stores chunks in the document_chunks table. Keys are text arrays
// so prefix reads are array slice comparisons, always qualified by the
// document id segment.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return wrap("migrate", nil, err)
}

func (s *Postgres) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := checkKey("load", key); err != nil {
		return nil, err
	}
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM document_chunks WHERE key = $1`, []string(key)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load", key, err)
	}
	return data, nil
}

func (s *Postgres) Save(ctx context.Context, key Key, data []byte) error {
	if err := checkKey("save", key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_chunks (key, data)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, []string(key), data)
	return wrap("save", key, err)
}

func (s *Postgres) Remove(ctx context.Context, key Key) error {
	if err := checkKey("remove", key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE key = $1`, []string(key))
	return wrap("remove", key, err)
}

func (s *Postgres) LoadRange(ctx context.Context, prefix Key) ([]Chunk, error) {
	if err := checkKey("load_range", prefix); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT key, data FROM document_chunks
		WHERE key[1] = $1 AND key[1:$2] = $3
		ORDER BY key
	`, prefix[0], len(prefix), []string(prefix))
	if err != nil {
		return nil, wrap("load_range", prefix, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var key []string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, wrap("load_range", prefix, err)
		}
		out = append(out, Chunk{Key: key, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load_range", prefix, err)
	}
	return out, nil
}

func (s *Postgres) RemoveRange(ctx context.Context, prefix Key) error {
	if err := checkKey("remove_range", prefix); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM document_chunks WHERE key[1] = $1 AND key[1:$2] = $3
	`, prefix[0], len(prefix), []string(prefix))
	return wrap("remove_range", prefix, err)
}

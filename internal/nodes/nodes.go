// Package nodes reads the platform's Node table: who owns a node, where its
// latest manifest lives and which sync document it is bound to.
package nodes

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docsync/internal/bootstrap"
	"docsync/internal/repo"
)

// schema is owned by the platform. It is created here only for local
// development and tests.
const schema = `
CREATE TABLE IF NOT EXISTS "Node" (
	id                   serial PRIMARY KEY,
	uuid                 text   NOT NULL UNIQUE,
	"ownerId"            integer NOT NULL,
	"manifestUrl"        text   NOT NULL DEFAULT '',
	"manifestDocumentId" text   NOT NULL DEFAULT '',
	"isDeleted"          boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS "Node_manifestDocumentId_idx" ON "Node" ("manifestDocumentId");
`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// CanAccessDocument reports whether userID owns the live node bound to
// documentID.
func (s *Store) CanAccessDocument(ctx context.Context, userID int, documentID string) (bool, error) {
	if documentID == "" {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM "Node"
			WHERE "manifestDocumentId" = $1 AND "ownerId" = $2 AND NOT "isDeleted"
		)
	`, documentID, userID).Scan(&ok)
	return ok, err
}

func (s *Store) CanAccessNode(ctx context.Context, userID int, nodeUUID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM "Node" WHERE uuid = $1 AND "ownerId" = $2 AND NOT "isDeleted"
		)
	`, nodeUUID, userID).Scan(&ok)
	return ok, err
}

func (s *Store) DocumentID(ctx context.Context, nodeUUID string) (repo.DocumentID, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT "manifestDocumentId" FROM "Node" WHERE uuid = $1 AND NOT "isDeleted"
	`, nodeUUID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", bootstrap.ErrNodeNotFound
	}
	return repo.DocumentID(id), err
}

// BindDocument sets the node's document only if it has none, so concurrent
// binders agree on one winner.
func (s *Store) BindDocument(ctx context.Context, nodeUUID string, id repo.DocumentID) (repo.DocumentID, error) {
	var bound string
	err := s.pool.QueryRow(ctx, `
		UPDATE "Node" SET "manifestDocumentId" = $2
		WHERE uuid = $1 AND "manifestDocumentId" = ''
		RETURNING "manifestDocumentId"
	`, nodeUUID, string(id)).Scan(&bound)
	if errors.Is(err, pgx.ErrNoRows) {
		// lost the race, or the node is gone
		return s.DocumentID(ctx, nodeUUID)
	}
	if err != nil {
		return "", err
	}
	return repo.DocumentID(bound), nil
}

func (s *Store) ManifestPointer(ctx context.Context, nodeUUID string) (string, error) {
	var url string
	err := s.pool.QueryRow(ctx, `
		SELECT "manifestUrl" FROM "Node" WHERE uuid = $1 AND NOT "isDeleted"
	`, nodeUUID).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", bootstrap.ErrNodeNotFound
	}
	return url, err
}

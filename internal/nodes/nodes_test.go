package nodes

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/bootstrap"
	"docsync/internal/repo"
)

func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("DOCSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOCSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	s := NewStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s, pool
}

func insertNode(t *testing.T, pool *pgxpool.Pool, owner int, manifestURL string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO "Node" (uuid, "ownerId", "manifestUrl") VALUES ($1, $2, $3)`,
		id, owner, manifestURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM "Node" WHERE uuid = $1`, id)
	})
	return id
}

func TestStore_BindAndAccess(t *testing.T) {
	s, pool := testStore(t)
	ctx := context.Background()
	node := insertNode(t, pool, 7, "bafymanifest")

	pointer, err := s.ManifestPointer(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, "bafymanifest", pointer)

	bound, err := s.DocumentID(ctx, node)
	require.NoError(t, err)
	assert.Empty(t, bound)

	first := repo.NewDocumentID()
	winner, err := s.BindDocument(ctx, node, first)
	require.NoError(t, err)
	assert.Equal(t, first, winner)

	winner, err = s.BindDocument(ctx, node, repo.NewDocumentID())
	require.NoError(t, err)
	assert.Equal(t, first, winner, "a binding is never reassigned")

	ok, err := s.CanAccessDocument(ctx, 7, string(first))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CanAccessDocument(ctx, 8, string(first))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanAccessNode(ctx, 7, node)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CanAccessNode(ctx, 8, node)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UnknownNode(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := s.DocumentID(ctx, missing)
	assert.ErrorIs(t, err, bootstrap.ErrNodeNotFound)
	_, err = s.ManifestPointer(ctx, missing)
	assert.ErrorIs(t, err, bootstrap.ErrNodeNotFound)
	_, err = s.BindDocument(ctx, missing, repo.NewDocumentID())
	assert.ErrorIs(t, err, bootstrap.ErrNodeNotFound)

	ok, err := s.CanAccessDocument(ctx, 7, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

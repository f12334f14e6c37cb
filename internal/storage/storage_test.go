package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdapter(t *testing.T, s Adapter) {
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		data, err := s.Load(ctx, Key{"doc-missing", "incremental", "a.1"})
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("SaveIdempotent", func(t *testing.T) {
		key := Key{"doc-1", "incremental", "a.1"}
		require.NoError(t, s.Save(ctx, key, []byte("one")))
		require.NoError(t, s.Save(ctx, key, []byte("one")))

		data, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), data)

		chunks, err := s.LoadRange(ctx, Key{"doc-1"})
		require.NoError(t, err)
		assert.Len(t, chunks, 1)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		key := Key{"doc-2", "snapshot", "h"}
		require.NoError(t, s.Save(ctx, key, []byte("old")))
		require.NoError(t, s.Save(ctx, key, []byte("new")))
		data, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), data)
	})

	t.Run("LoadRangeIsScopedToPrefix", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Key{"doc-3", "incremental", "a.2"}, []byte("2")))
		require.NoError(t, s.Save(ctx, Key{"doc-3", "incremental", "a.1"}, []byte("1")))
		require.NoError(t, s.Save(ctx, Key{"doc-3", "snapshot", "x"}, []byte("s")))
		require.NoError(t, s.Save(ctx, Key{"doc-30", "incremental", "a.1"}, []byte("other")))

		chunks, err := s.LoadRange(ctx, Key{"doc-3"})
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.Equal(t, "doc-3", c.Key[0])
		}
		assert.Equal(t, Key{"doc-3", "incremental", "a.1"}, chunks[0].Key)
		assert.Equal(t, Key{"doc-3", "incremental", "a.2"}, chunks[1].Key)

		incremental, err := s.LoadRange(ctx, Key{"doc-3", "incremental"})
		require.NoError(t, err)
		assert.Len(t, incremental, 2)
	})

	t.Run("Remove", func(t *testing.T) {
		key := Key{"doc-4", "incremental", "a.1"}
		require.NoError(t, s.Save(ctx, key, []byte("x")))
		require.NoError(t, s.Remove(ctx, key))
		require.NoError(t, s.Remove(ctx, key))
		data, err := s.Load(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("RemoveRange", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Key{"doc-5", "incremental", "a.1"}, []byte("1")))
		require.NoError(t, s.Save(ctx, Key{"doc-5", "snapshot", "s"}, []byte("s")))
		require.NoError(t, s.Save(ctx, Key{"doc-50", "snapshot", "s"}, []byte("keep")))

		require.NoError(t, s.RemoveRange(ctx, Key{"doc-5"}))

		chunks, err := s.LoadRange(ctx, Key{"doc-5"})
		require.NoError(t, err)
		assert.Empty(t, chunks)
		kept, err := s.LoadRange(ctx, Key{"doc-50"})
		require.NoError(t, err)
		assert.Len(t, kept, 1)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		err := s.Save(ctx, Key{}, []byte("x"))
		assert.ErrorIs(t, err, ErrEmptyKey)
		assert.True(t, IsStorageError(err))
	})
}

func TestMemory(t *testing.T) {
	testAdapter(t, NewMemory())
}

func TestBolt(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "chunks.db"))
	require.NoError(t, err)
	defer s.Close()
	testAdapter(t, s)
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("DOCSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOCSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	s := NewPostgres(pool)
	require.NoError(t, s.Migrate(ctx))
	for _, prefix := range []string{"doc-1", "doc-2", "doc-3", "doc-30", "doc-4", "doc-5", "doc-50"} {
		require.NoError(t, s.RemoveRange(ctx, Key{prefix}))
	}
	testAdapter(t, s)
}

type hungAdapter struct {
	*Memory
}

func (h *hungAdapter) Load(ctx context.Context, key Key) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	s := WithTimeout(&hungAdapter{Memory: NewMemory()}, 20*time.Millisecond)

	start := time.Now()
	_, err := s.Load(context.Background(), Key{"doc", "x"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Timeout())
	assert.Equal(t, "load", se.Op)
}

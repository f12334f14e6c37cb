package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/crdt"
	"docsync/internal/storage"
)

type policyFunc func(peerID, documentID string) bool

func (f policyFunc) MayShare(_ context.Context, peerID, documentID string) bool {
	return f(peerID, documentID)
}

var allowAll = policyFunc(func(string, string) bool { return true })

// recordingAdapter wraps Memory, recording range reads and injecting
// failures on demand.
type recordingAdapter struct {
	*storage.Memory

	mu       sync.Mutex
	ranges   []storage.Key
	loadErr  error
	saveErr  error
	gate     chan struct{}
	rangeOps atomic.Int32
	// afterRead runs once a range read has completed
	afterRead func()
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{Memory: storage.NewMemory()}
}

func (a *recordingAdapter) LoadRange(ctx context.Context, prefix storage.Key) ([]storage.Chunk, error) {
	a.rangeOps.Add(1)
	a.mu.Lock()
	a.ranges = append(a.ranges, prefix)
	err, gate := a.loadErr, a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, &storage.Error{Op: "load_range", Key: prefix, Err: err}
	}
	chunks, err := a.Memory.LoadRange(ctx, prefix)
	if a.afterRead != nil {
		a.afterRead()
	}
	return chunks, err
}

func (a *recordingAdapter) Save(ctx context.Context, key storage.Key, data []byte) error {
	a.mu.Lock()
	err := a.saveErr
	a.mu.Unlock()
	if err != nil {
		return &storage.Error{Op: "save", Key: key, Err: err}
	}
	return a.Memory.Save(ctx, key, data)
}

func (a *recordingAdapter) setLoadErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loadErr = err
}

func (a *recordingAdapter) setSaveErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saveErr = err
}

func (a *recordingAdapter) readRanges() []storage.Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.Key(nil), a.ranges...)
}

func testSettings(actor string) *Settings {
	s := DefaultSettings()
	s.Actor = actor
	s.SaveBackoff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	return s
}

func newTestRepo(t *testing.T, adapter storage.Adapter, policy SharePolicy, actor string) *Repo {
	t.Helper()
	r := New(context.Background(), adapter, policy, nil, testSettings(actor))
	t.Cleanup(r.Close)
	return r
}

func setValue(t *testing.T, h *DocHandle, value any, path ...string) {
	t.Helper()
	err := h.Change(context.Background(), "", func(d *crdt.Draft) error {
		return d.Set(path, value)
	})
	require.NoError(t, err)
}

func TestRepo_CreateIsReadyAndEmpty(t *testing.T) {
	r := newTestRepo(t, storage.NewMemory(), allowAll, "server")
	h, err := r.Create(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, h.ID())
	assert.Equal(t, StateReady, h.State())
	v, err := h.Value(context.Background())
	require.NoError(t, err)
	assert.Empty(t, v)

	other, err := r.Create(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), other.ID())
}

func TestRepo_FindHydratesOnlyTheDocumentPrefix(t *testing.T) {
	ctx := context.Background()
	adapter := newRecordingAdapter()

	writer := newTestRepo(t, adapter, allowAll, "writer")
	h1, err := writer.Create(ctx)
	require.NoError(t, err)
	setValue(t, h1, "Paper A", "manifest", "title")
	setValue(t, h1, "CC-BY", "manifest", "license")
	h2, err := writer.Create(ctx)
	require.NoError(t, err)
	setValue(t, h2, "Paper B", "manifest", "title")

	reader := newTestRepo(t, adapter, allowAll, "reader")
	assert.Empty(t, reader.Loaded())

	found, err := reader.Find(ctx, h1.ID())
	require.NoError(t, err)
	v, err := found.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"manifest": map[string]any{"title": "Paper A", "license": "CC-BY"}}, v)

	assert.Equal(t, []storage.Key{{string(h1.ID())}}, adapter.readRanges())
	assert.Equal(t, []DocumentID{h1.ID()}, reader.Loaded())

	// a second find is served from memory
	again, err := reader.Find(ctx, h1.ID())
	require.NoError(t, err)
	assert.Same(t, found, again)
	assert.Len(t, adapter.readRanges(), 1)
}

func TestRepo_FindMissing(t *testing.T) {
	r := newTestRepo(t, storage.NewMemory(), allowAll, "server")

	_, err := r.Find(context.Background(), "no-such-document")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Empty(t, r.Loaded())

	_, err = r.Find(context.Background(), "")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestRepo_OpenMissingYieldsEmptyHandle(t *testing.T) {
	r := newTestRepo(t, storage.NewMemory(), allowAll, "replica")

	h, err := r.Open(context.Background(), "arriving-later")
	require.NoError(t, err)
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, crdt.Clock{}, h.Clock())

	// kept resident even though it has no history yet
	found, err := r.Find(context.Background(), "arriving-later")
	require.NoError(t, err)
	assert.Same(t, h, found)
}

func TestRepo_FindStorageFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	adapter := newRecordingAdapter()
	writer := newTestRepo(t, adapter, allowAll, "writer")
	h, err := writer.Create(ctx)
	require.NoError(t, err)
	setValue(t, h, 1, "x")

	reader := newTestRepo(t, adapter, allowAll, "reader")
	boom := errors.New("connection reset")
	adapter.setLoadErr(boom)

	_, err = reader.Find(ctx, h.ID())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDocumentUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.True(t, storage.IsStorageError(err))
	assert.Empty(t, reader.Loaded(), "failed load is not cached")

	adapter.setLoadErr(nil)
	found, err := reader.Find(ctx, h.ID())
	require.NoError(t, err)
	v, err := found.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v["x"])
}

func TestRepo_ConcurrentFindsShareOneLoad(t *testing.T) {
	ctx := context.Background()
	adapter := newRecordingAdapter()
	writer := newTestRepo(t, adapter, allowAll, "writer")
	h, err := writer.Create(ctx)
	require.NoError(t, err)
	setValue(t, h, 1, "x")

	gate := make(chan struct{})
	adapter.mu.Lock()
	adapter.gate = gate
	adapter.mu.Unlock()
	adapter.rangeOps.Store(0)

	reader := newTestRepo(t, adapter, allowAll, "reader")
	var wg sync.WaitGroup
	handles := make([]*DocHandle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			found, err := reader.Find(ctx, h.ID())
			assert.NoError(t, err)
			handles[i] = found
		}(i)
	}
	require.Eventually(t, func() bool { return adapter.rangeOps.Load() > 0 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), adapter.rangeOps.Load())
	for _, found := range handles {
		assert.Same(t, handles[0], found)
	}
}

func TestDocHandle_ConcurrentChangesAreSerialized(t *testing.T) {
	r := newTestRepo(t, storage.NewMemory(), allowAll, "server")
	h, err := r.Create(context.Background())
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Change(context.Background(), "increment", func(d *crdt.Draft) error {
				count, _ := d.Get("count")
				c, _ := count.(float64)
				return d.Set([]string{"count"}, c+1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := h.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(n), v["count"])
	assert.Equal(t, crdt.Clock{"server": n}, h.Clock())
}

func TestDocHandle_FailedSaveIsRolledBack(t *testing.T) {
	ctx := context.Background()
	adapter := newRecordingAdapter()
	r := newTestRepo(t, adapter, allowAll, "server")
	h, err := r.Create(ctx)
	require.NoError(t, err)
	setValue(t, h, "kept", "a")

	var seen []map[string]any
	cancel := h.OnChange(func(v map[string]any) { seen = append(seen, v) })
	defer cancel()

	adapter.setSaveErr(errors.New("disk full"))
	err = h.Change(ctx, "", func(d *crdt.Draft) error {
		return d.Set([]string{"b"}, "lost")
	})
	require.Error(t, err)
	assert.True(t, storage.IsStorageError(err))

	v, err := h.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "kept"}, v)
	assert.Equal(t, crdt.Clock{"server": 1}, h.Clock())
	assert.Empty(t, seen, "listeners never see an unsaved change")

	adapter.setSaveErr(nil)
	setValue(t, h, "saved", "b")
	assert.Equal(t, crdt.Clock{"server": 2}, h.Clock())
	assert.Len(t, seen, 1)
}

func TestDocHandle_Compaction(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	settings := testSettings("server")
	settings.CompactThreshold = 3
	r := New(ctx, mem, allowAll, nil, settings)
	defer r.Close()

	h, err := r.Create(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		setValue(t, h, i, "field", fmt.Sprint(i))
	}

	chunks, err := mem.LoadRange(ctx, storage.Key{string(h.ID())})
	require.NoError(t, err)
	var kinds []string
	for _, c := range chunks {
		kinds = append(kinds, c.Key[1])
	}
	assert.ElementsMatch(t, []string{kindIncremental, kindSnapshot}, kinds)

	reader := newTestRepo(t, mem, allowAll, "reader")
	found, err := reader.Find(ctx, h.ID())
	require.NoError(t, err)
	want, err := h.Value(ctx)
	require.NoError(t, err)
	got, err := found.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, h.Clock().Equal(found.Clock()))
}

func TestDocHandle_CompactionKeepsHeldChunks(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	writer := newTestRepo(t, mem, allowAll, "writer")
	h, err := writer.Create(ctx)
	require.NoError(t, err)
	setValue(t, h, "A", "title")

	// a stored change whose predecessor never arrived
	op, err := crdt.SetOp([]string{"orphan"}, true)
	require.NoError(t, err)
	orphan := &crdt.Change{Actor: "ghost", Seq: 2, Lamport: 9, Deps: crdt.Clock{}, Ops: []crdt.Op{op}}
	orphanKey := incrementalKey(h.ID(), orphan)
	require.NoError(t, mem.Save(ctx, orphanKey, crdt.EncodeChanges([]*crdt.Change{orphan})))

	settings := testSettings("server")
	settings.CompactThreshold = 3
	r := New(ctx, mem, allowAll, nil, settings)
	defer r.Close()
	found, err := r.Find(ctx, h.ID())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		setValue(t, found, i, "field", fmt.Sprint(i))
	}

	chunks, err := mem.LoadRange(ctx, storage.Key{string(h.ID())})
	require.NoError(t, err)
	var kinds []string
	for _, c := range chunks {
		kinds = append(kinds, c.Key[1])
	}
	assert.Contains(t, kinds, kindSnapshot, "compaction ran")
	data, err := mem.Load(ctx, orphanKey)
	require.NoError(t, err)
	assert.NotNil(t, data, "held chunk survives compaction")
}

func TestRepo_Purge(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	r := newTestRepo(t, mem, allowAll, "server")
	h, err := r.Create(ctx)
	require.NoError(t, err)
	setValue(t, h, 1, "x")
	keep, err := r.Create(ctx)
	require.NoError(t, err)
	setValue(t, keep, 2, "y")

	require.NoError(t, r.Purge(ctx, h.ID()))

	_, err = r.Find(ctx, h.ID())
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Equal(t, 1, mem.Len())
	_, err = r.Find(ctx, keep.ID())
	assert.NoError(t, err)
}

func TestRepo_Closed(t *testing.T) {
	r := New(context.Background(), storage.NewMemory(), allowAll, nil, testSettings("server"))
	r.Close()

	_, err := r.Create(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Find(context.Background(), "any")
	assert.ErrorIs(t, err, ErrClosed)
}

type manifestDoc struct {
	Manifest struct {
		Title   string   `json:"title"`
		Authors []string `json:"authors,omitempty"`
	} `json:"manifest"`
	UUID string `json:"uuid"`
}

func TestTypedHandle(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t, storage.NewMemory(), allowAll, "server")
	h, err := r.Create(ctx)
	require.NoError(t, err)
	doc := Typed[manifestDoc](h)

	err = doc.Change(ctx, "init", func(d *manifestDoc) {
		d.Manifest.Title = "Paper A"
		d.UUID = "node-1"
	})
	require.NoError(t, err)
	err = doc.Change(ctx, "authors", func(d *manifestDoc) {
		d.Manifest.Authors = append(d.Manifest.Authors, "Ada")
	})
	require.NoError(t, err)

	got, err := doc.Doc(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Paper A", got.Manifest.Title)
	assert.Equal(t, []string{"Ada"}, got.Manifest.Authors)
	assert.Equal(t, "node-1", got.UUID)
	assert.Equal(t, crdt.Clock{"server": 2}, h.Clock())

	// an unchanged struct records nothing
	require.NoError(t, doc.Change(ctx, "noop", func(*manifestDoc) {}))
	assert.Equal(t, crdt.Clock{"server": 2}, h.Clock())
}

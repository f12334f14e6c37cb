package repo

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"github.com/cespare/xxhash/v2"
	"github.com/golang/glog"

	"docsync/internal/crdt"
	"docsync/internal/storage"
)

type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	kindIncremental = "incremental"
	kindSnapshot    = "snapshot"
)

// origin of changes that arrived over the bus rather than from a peer
const busOrigin = ""

// DocHandle is a reference to one document in the repo. Changes through a
// handle are serialized; readers never observe a partly applied change.
type DocHandle struct {
	repo *Repo
	id   DocumentID

	loaded  chan struct{}
	loadErr error

	// size mirrors doc.Len() for lock free emptiness checks
	size atomic.Int64
	keep atomic.Bool

	mu          sync.Mutex
	state       State
	doc         *crdt.Doc
	incremental []storage.Key
	snapshots   []storage.Key
	listeners   map[int]func(map[string]any)
	nextID      int

	// held are stored chunks with changes still waiting for dependencies;
	// compaction keeps them until every change in them is applied
	held []heldChunk
	// early holds bus changes received while hydrating
	early []*crdt.Change

	busCancel      func()
	busSubscribing bool
	busGen         int
}

type heldChunk struct {
	key storage.Key
	ids []crdt.ChangeID
}

func newHandle(r *Repo, id DocumentID) *DocHandle {
	return &DocHandle{
		repo:      r,
		id:        id,
		loaded:    make(chan struct{}),
		listeners: map[int]func(map[string]any){},
	}
}

func (h *DocHandle) ID() DocumentID {
	return h.id
}

func (h *DocHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *DocHandle) empty() bool {
	return h.size.Load() == 0 && !h.keep.Load()
}

func (h *DocHandle) ready(doc *crdt.Doc, err error) {
	h.mu.Lock()
	if err != nil {
		h.state = StateUnloaded
		h.loadErr = err
		h.early = nil
	} else {
		h.state = StateReady
		h.doc = doc
		if len(h.early) > 0 {
			doc.ApplyChanges(h.early...)
			h.early = nil
		}
		h.size.Store(int64(doc.Len()))
	}
	h.mu.Unlock()
	close(h.loaded)
}

func (h *DocHandle) wait(ctx context.Context) error {
	select {
	case <-h.loaded:
		return h.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hydrate subscribes to the bus before reading storage so that changes other
// instances publish during the read are not lost.
func (h *DocHandle) hydrate() {
	r := h.repo
	h.subscribeBus()
	chunks, err := r.storage.LoadRange(r.ctx, storage.Key{string(h.id)})
	if err != nil {
		h.fail(err)
		return
	}

	doc := crdt.New(r.actor)
	decoded := make([]heldChunk, 0, len(chunks))
	for _, chunk := range chunks {
		changes, err := crdt.DecodeChanges(chunk.Data)
		if err != nil {
			h.fail(fmt.Errorf("chunk %s: %w", chunk.Key, err))
			return
		}
		doc.ApplyChanges(changes...)
		ids := make([]crdt.ChangeID, len(changes))
		for i, c := range changes {
			ids[i] = c.ID()
		}
		decoded = append(decoded, heldChunk{key: chunk.Key, ids: ids})
	}

	clock := doc.Clock()
	var incremental, snapshots []storage.Key
	var held []heldChunk
	for _, c := range decoded {
		switch {
		case !c.applied(clock):
			held = append(held, c)
		case len(c.key) > 1 && c.key[1] == kindSnapshot:
			snapshots = append(snapshots, c.key)
		default:
			incremental = append(incremental, c.key)
		}
	}
	if doc.Pending() > 0 {
		glog.Warningf("[repo]%s hydrated with %d changes missing dependencies\n", h.id, doc.Pending())
	}

	h.mu.Lock()
	h.incremental = incremental
	h.snapshots = snapshots
	h.held = held
	h.mu.Unlock()
	h.ready(doc, nil)
	glog.V(1).Infof("[repo]loaded %s chunks=%d changes=%d\n", h.id, len(chunks), doc.Len())
}

func (c heldChunk) applied(clock crdt.Clock) bool {
	for _, id := range c.ids {
		if !clock.Has(id) {
			return false
		}
	}
	return true
}

// fail discards the handle so the next Find retries the load. An empty
// document is never substituted: it would look like the document has no
// history and invite clients to overwrite it.
func (h *DocHandle) fail(err error) {
	glog.Warningf("[repo]load %s error = %s\n", h.id, err)
	h.repo.forget(h)
	h.unsubscribeBus()
	h.ready(nil, fmt.Errorf("%w: %s: %w", ErrDocumentUnavailable, h.id, err))
}

// Value returns the merged value, waiting for hydration if needed.
func (h *DocHandle) Value(ctx context.Context) (map[string]any, error) {
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doc.Value(), nil
}

func (h *DocHandle) Clock() crdt.Clock {
	select {
	case <-h.loaded:
	default:
		return crdt.Clock{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return crdt.Clock{}
	}
	return h.doc.Clock()
}

// Change applies fn as one local change. The change is persisted before it is
// shared; if it cannot be persisted it is rolled back and the error returned.
func (h *DocHandle) Change(ctx context.Context, message string, fn func(*crdt.Draft) error) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.doc.Change(message, fn)
	if err != nil || c == nil {
		return err
	}
	if err := h.persist([]*crdt.Change{c}); err != nil {
		h.rollback(c)
		return err
	}
	h.publish([]*crdt.Change{c}, h.repo.actor)
	return nil
}

// OnChange registers fn to be called with the new value after every applied
// change. fn runs with the handle locked and must not call back into it.
func (h *DocHandle) OnChange(fn func(map[string]any)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// applyRemote merges changes from a peer or the bus. The caller holds h.mu.
func (h *DocHandle) applyRemote(changes []*crdt.Change, origin string) ([]*crdt.Change, error) {
	applied := h.doc.ApplyChanges(changes...)
	if len(applied) == 0 {
		return nil, nil
	}
	h.size.Store(int64(h.doc.Len()))
	if origin != busOrigin {
		if err := h.persist(applied); err != nil {
			h.rollback(applied...)
			return nil, err
		}
	}
	h.publish(applied, origin)
	return applied, nil
}

func incrementalKey(id DocumentID, c *crdt.Change) storage.Key {
	return storage.Key{string(id), kindIncremental, c.ID().String()}
}

// persist saves one incremental chunk per change, retrying transient
// failures. The caller holds h.mu.
func (h *DocHandle) persist(changes []*crdt.Change) error {
	r := h.repo
	var keys []storage.Key
	for _, c := range changes {
		key := incrementalKey(h.id, c)
		data := crdt.EncodeChanges([]*crdt.Change{c})
		err := backoff.Retry(func() error {
			return r.storage.Save(r.ctx, key, data)
		}, backoff.WithContext(r.settings.SaveBackoff(), r.ctx))
		if err != nil {
			glog.Warningf("[repo]save %s error = %s\n", key, err)
			return err
		}
		keys = append(keys, key)
	}
	h.incremental = append(h.incremental, keys...)
	h.size.Store(int64(h.doc.Len()))

	if t := r.settings.CompactThreshold; 0 < t && t < len(h.incremental) {
		h.compact()
	}
	return nil
}

func (h *DocHandle) rollback(changes ...*crdt.Change) {
	ids := make([]crdt.ChangeID, len(changes))
	for i, c := range changes {
		ids[i] = c.ID()
	}
	h.doc = h.doc.Without(ids...)
	h.size.Store(int64(h.doc.Len()))
}

// compact folds the document into one snapshot chunk and removes the chunks it
// supersedes. Failures leave redundant chunks behind, which hydration
// tolerates. The caller holds h.mu.
func (h *DocHandle) compact() {
	r := h.repo
	data := h.doc.Save()
	key := storage.Key{string(h.id), kindSnapshot, strconv.FormatUint(xxhash.Sum64(data), 16)}
	if err := r.storage.Save(r.ctx, key, data); err != nil {
		glog.Warningf("[repo]compact %s error = %s\n", h.id, err)
		return
	}

	superseded := append(h.incremental, h.snapshots...)
	clock := h.doc.Clock()
	var held []heldChunk
	for _, c := range h.held {
		if c.applied(clock) {
			superseded = append(superseded, c.key)
		} else {
			held = append(held, c)
		}
	}
	h.held = held
	h.incremental = nil
	h.snapshots = []storage.Key{key}
	for _, old := range superseded {
		if old.String() == key.String() {
			continue
		}
		if err := r.storage.Remove(r.ctx, old); err != nil {
			glog.Warningf("[repo]compact %s remove %s error = %s\n", h.id, old, err)
		}
	}
	glog.V(1).Infof("[repo]compacted %s into %s (%d chunks)\n", h.id, key, len(superseded))
}

// publish notifies listeners, subscribed peers other than origin and, for
// changes not received from the bus, other instances. The caller holds h.mu.
func (h *DocHandle) publish(changes []*crdt.Change, origin string) {
	if len(h.listeners) > 0 {
		value := h.doc.Value()
		for _, fn := range h.listeners {
			fn(value)
		}
	}

	data := crdt.EncodeChanges(changes)
	msg := &Message{
		Type:       TypeSync,
		DocumentID: h.id,
		Clock:      h.doc.Clock(),
		Data:       data,
	}
	for _, p := range h.repo.subscribers(h.id) {
		if p.ID() == origin {
			continue
		}
		if err := p.Send(msg); err != nil {
			glog.Infof("[repo]send %s to %s error = %s\n", h.id, p.ID(), err)
		}
	}

	if origin != busOrigin && h.repo.bus != nil {
		if err := h.repo.bus.Publish(h.repo.ctx, h.id, data); err != nil {
			glog.Warningf("[repo]bus publish %s error = %s\n", h.id, err)
		}
	}
}

// subscribeBus does not hold h.mu while subscribing: deliveries take h.mu
// and the bus may need to deliver before it confirms a subscription.
func (h *DocHandle) subscribeBus() {
	r := h.repo
	if r.bus == nil {
		return
	}
	h.mu.Lock()
	if h.busCancel != nil || h.busSubscribing {
		h.mu.Unlock()
		return
	}
	h.busSubscribing = true
	gen := h.busGen
	h.mu.Unlock()

	cancel, err := r.bus.Subscribe(r.ctx, h.id, h.receiveBus)

	h.mu.Lock()
	h.busSubscribing = false
	if err != nil {
		h.mu.Unlock()
		glog.Warningf("[repo]bus subscribe %s error = %s\n", h.id, err)
		return
	}
	if gen != h.busGen {
		// unsubscribed meanwhile
		h.mu.Unlock()
		cancel()
		return
	}
	h.busCancel = cancel
	h.mu.Unlock()
}

func (h *DocHandle) unsubscribeBus() {
	h.mu.Lock()
	cancel := h.busCancel
	h.busCancel = nil
	h.busGen++
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *DocHandle) receiveBus(data []byte) {
	changes, err := crdt.DecodeChanges(data)
	if err != nil {
		glog.Warningf("[repo]bus %s bad chunk = %s\n", h.id, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		if h.state == StateLoading {
			h.early = append(h.early, changes...)
		}
		return
	}
	if _, err := h.applyRemote(changes, busOrigin); err != nil {
		glog.Warningf("[repo]bus %s apply error = %s\n", h.id, err)
	}
}

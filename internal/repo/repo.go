package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"docsync/internal/crdt"
	"docsync/internal/storage"
)

var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrDocumentUnavailable = errors.New("document unavailable")
	ErrClosed              = errors.New("repo closed")
)

// DocumentID is stable and content independent, generated at creation.
type DocumentID string

func NewDocumentID() DocumentID {
	return DocumentID(uuid.NewString())
}

// SharePolicy decides whether a document may be synced with a peer.
type SharePolicy interface {
	MayShare(ctx context.Context, peerID string, documentID string) bool
}

// Peer is a connected replica. Send must not block; a peer that cannot keep
// up returns an error and is expected to drop its connection.
type Peer interface {
	ID() string
	Send(msg *Message) error
}

type Settings struct {
	// Actor identifies changes authored by this repo. Empty means random.
	Actor string
	// CompactThreshold is the number of incremental chunks a document may
	// accumulate before they are folded into one snapshot. Zero disables.
	CompactThreshold int
	// SaveBackoff paces retries of a failed chunk save.
	SaveBackoff func() backoff.BackOff
}

func DefaultSettings() *Settings {
	return &Settings{
		CompactThreshold: 64,
		SaveBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}
}

// Repo is the in-memory registry of active documents and their peer
// subscriptions. It merges changes, persists them through the storage
// adapter and forwards them to the peers the share policy admits.
type Repo struct {
	ctx    context.Context
	cancel context.CancelFunc

	actor    string
	storage  storage.Adapter
	policy   SharePolicy
	bus      Bus
	settings *Settings

	mu    sync.Mutex
	docs  map[DocumentID]*DocHandle
	peers map[string]*peerState
	// closed and replaced whenever a peer clock moves
	clockMoved chan struct{}
}

type peerState struct {
	peer        Peer
	subscribed  map[DocumentID]bool
	clocks      map[DocumentID]crdt.Clock
	unavailable map[DocumentID]bool // answered doc-unavailable
}

func New(ctx context.Context, adapter storage.Adapter, policy SharePolicy, bus Bus, settings *Settings) *Repo {
	if settings == nil {
		settings = DefaultSettings()
	}
	actor := settings.Actor
	if actor == "" {
		actor = uuid.NewString()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Repo{
		ctx:        cancelCtx,
		cancel:     cancel,
		actor:      actor,
		storage:    adapter,
		policy:     policy,
		bus:        bus,
		settings:   settings,
		docs:       map[DocumentID]*DocHandle{},
		peers:      map[string]*peerState{},
		clockMoved: make(chan struct{}),
	}
}

func (r *Repo) Actor() string {
	return r.actor
}

// Create allocates a new, empty document.
func (r *Repo) Create(ctx context.Context) (*DocHandle, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, ErrClosed
	}
	h := newHandle(r, NewDocumentID())
	h.keep.Store(true)
	h.ready(crdt.New(r.actor), nil)

	r.mu.Lock()
	r.docs[h.id] = h
	r.mu.Unlock()

	h.subscribeBus()
	glog.V(1).Infof("[repo]create %s\n", h.id)
	return h, nil
}

// Find returns the handle for an existing document, hydrating it from storage
// on first access. A document with no stored history is not found.
func (r *Repo) Find(ctx context.Context, id DocumentID) (*DocHandle, error) {
	h, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.empty() {
		r.forgetIfEmpty(h)
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	return h, nil
}

// Open is Find for replicas that expect a document to arrive from a peer: an
// absent document yields an empty, ready handle.
func (r *Repo) Open(ctx context.Context, id DocumentID) (*DocHandle, error) {
	h, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	h.keep.Store(true)
	h.subscribeBus()
	return h, nil
}

func (r *Repo) load(ctx context.Context, id DocumentID) (*DocHandle, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrDocumentNotFound)
	}
	if err := r.ctx.Err(); err != nil {
		return nil, ErrClosed
	}

	r.mu.Lock()
	h, ok := r.docs[id]
	if !ok {
		h = newHandle(r, id)
		h.state = StateLoading
		r.docs[id] = h
		// hydration runs on the repo context so it completes even if the
		// requesting connection goes away
		go h.hydrate()
	}
	r.mu.Unlock()

	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Repo) forgetIfEmpty(h *DocHandle) {
	r.mu.Lock()
	drop := r.docs[h.id] == h && h.empty()
	if drop {
		delete(r.docs, h.id)
	}
	r.mu.Unlock()
	if drop {
		h.unsubscribeBus()
	}
}

func (r *Repo) forget(h *DocHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docs[h.id] == h {
		delete(r.docs, h.id)
	}
}

// Purge drops a document from memory and deletes its whole history from
// storage. It is an administrative operation; connected peers keep their
// replicas.
func (r *Repo) Purge(ctx context.Context, id DocumentID) error {
	r.mu.Lock()
	h := r.docs[id]
	delete(r.docs, id)
	for _, ps := range r.peers {
		delete(ps.subscribed, id)
		delete(ps.clocks, id)
		delete(ps.unavailable, id)
	}
	r.mu.Unlock()

	if h != nil {
		h.unsubscribeBus()
	}
	if err := r.storage.RemoveRange(ctx, storage.Key{string(id)}); err != nil {
		return err
	}
	glog.Infof("[repo]purged %s\n", id)
	return nil
}

// Loaded returns the ids of the documents resident in memory.
func (r *Repo) Loaded() []DocumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]DocumentID, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	return ids
}

func (r *Repo) Close() {
	r.cancel()
	r.mu.Lock()
	docs := make([]*DocHandle, 0, len(r.docs))
	for _, h := range r.docs {
		docs = append(docs, h)
	}
	r.mu.Unlock()
	for _, h := range docs {
		h.unsubscribeBus()
	}
}

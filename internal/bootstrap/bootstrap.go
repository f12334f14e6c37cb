// Package bootstrap gives every research node a sync document, seeding it
// from the node's latest published manifest the first time one is asked for.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"docsync/internal/repo"
)

var ErrNodeNotFound = errors.New("node not found")

// NodeStore is the external record of nodes and their document binding.
type NodeStore interface {
	// DocumentID returns the bound document, or "" when the node has none.
	DocumentID(ctx context.Context, nodeUUID string) (repo.DocumentID, error)
	// BindDocument binds id to the node unless another document got there
	// first, and returns the document that is bound afterwards.
	BindDocument(ctx context.Context, nodeUUID string, id repo.DocumentID) (repo.DocumentID, error)
	// ManifestPointer locates the node's latest manifest snapshot.
	ManifestPointer(ctx context.Context, nodeUUID string) (string, error)
}

type SnapshotFetcher interface {
	FetchManifest(ctx context.Context, pointer string) (json.RawMessage, error)
}

// Error reports a bootstrap step that failed. No binding exists after one.
type Error struct {
	NodeUUID string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap %s: %s: %v", e.NodeUUID, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ManifestDocument is the shape of a node's sync document.
type ManifestDocument struct {
	Manifest   json.RawMessage `json:"manifest"`
	UUID       string          `json:"uuid"`
	DriveClock string          `json:"driveClock"`
}

type Bootstrapper struct {
	repo    *repo.Repo
	nodes   NodeStore
	fetcher SnapshotFetcher

	group singleflight.Group

	mu sync.Mutex
	// documents created for nodes whose binding has not been written yet
	unbound   map[string]repo.DocumentID
	lastClock int64
}

func New(r *repo.Repo, nodes NodeStore, fetcher SnapshotFetcher) *Bootstrapper {
	return &Bootstrapper{
		repo:    r,
		nodes:   nodes,
		fetcher: fetcher,
		unbound: map[string]repo.DocumentID{},
	}
}

// GetOrCreate returns the node's document, creating and binding one if the
// node has none. Concurrent calls for the same node share one attempt and a
// retry after a failed bind reuses the document already created.
func (b *Bootstrapper) GetOrCreate(ctx context.Context, nodeUUID string) (repo.DocumentID, error) {
	v, err, shared := b.group.Do(nodeUUID, func() (any, error) {
		// one caller leaving must not fail the others
		return b.getOrCreate(context.WithoutCancel(ctx), nodeUUID)
	})
	if err != nil {
		return "", err
	}
	if shared {
		glog.V(2).Infof("[bootstrap]%s shared flight\n", nodeUUID)
	}
	return v.(repo.DocumentID), nil
}

func (b *Bootstrapper) getOrCreate(ctx context.Context, nodeUUID string) (repo.DocumentID, error) {
	bound, err := b.nodes.DocumentID(ctx, nodeUUID)
	if err != nil {
		return "", &Error{NodeUUID: nodeUUID, Op: "lookup", Err: err}
	}
	if bound != "" {
		if _, err := b.repo.Find(ctx, bound); err != nil {
			return "", err
		}
		return bound, nil
	}

	b.mu.Lock()
	id, ok := b.unbound[nodeUUID]
	b.mu.Unlock()
	if !ok {
		id, err = b.create(ctx, nodeUUID)
		if err != nil {
			return "", err
		}
		b.mu.Lock()
		b.unbound[nodeUUID] = id
		b.mu.Unlock()
	}

	winner, err := b.nodes.BindDocument(ctx, nodeUUID, id)
	if err != nil {
		return "", &Error{NodeUUID: nodeUUID, Op: "bind", Err: err}
	}
	b.mu.Lock()
	delete(b.unbound, nodeUUID)
	b.mu.Unlock()

	if winner != id {
		glog.Infof("[bootstrap]%s already bound to %s, dropping %s\n", nodeUUID, winner, id)
		if err := b.repo.Purge(ctx, id); err != nil {
			glog.Warningf("[bootstrap]purge %s error = %s\n", id, err)
		}
		return winner, nil
	}
	glog.Infof("[bootstrap]%s bound to %s\n", nodeUUID, id)
	return id, nil
}

func (b *Bootstrapper) create(ctx context.Context, nodeUUID string) (repo.DocumentID, error) {
	pointer, err := b.nodes.ManifestPointer(ctx, nodeUUID)
	if err != nil {
		return "", &Error{NodeUUID: nodeUUID, Op: "manifest pointer", Err: err}
	}
	manifest, err := b.fetcher.FetchManifest(ctx, pointer)
	if err != nil {
		return "", &Error{NodeUUID: nodeUUID, Op: "fetch manifest", Err: err}
	}

	h, err := b.repo.Create(ctx)
	if err != nil {
		return "", &Error{NodeUUID: nodeUUID, Op: "create", Err: err}
	}
	err = repo.Typed[ManifestDocument](h).Change(ctx, "Init manifest", func(d *ManifestDocument) {
		d.Manifest = manifest
		d.UUID = nodeUUID
		d.DriveClock = b.driveClock()
	})
	if err != nil {
		if perr := b.repo.Purge(ctx, h.ID()); perr != nil {
			glog.Warningf("[bootstrap]purge %s error = %s\n", h.ID(), perr)
		}
		return "", &Error{NodeUUID: nodeUUID, Op: "init", Err: err}
	}
	glog.V(1).Infof("[bootstrap]%s created %s\n", nodeUUID, h.ID())
	return h.ID(), nil
}

// driveClock is a millisecond stamp, strictly increasing across calls.
func (b *Bootstrapper) driveClock() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= b.lastClock {
		now = b.lastClock + 1
	}
	b.lastClock = now
	return strconv.FormatInt(now, 10)
}

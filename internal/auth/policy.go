package auth

import (
	"context"
	"time"

	"github.com/golang/glog"

	"docsync/internal/peer"
)

// PermissionStore answers whether a user may read and write the node that owns
// a document. Implementations may fail when the backing store is unavailable.
type PermissionStore interface {
	CanAccessDocument(ctx context.Context, userID int, documentID string) (bool, error)
}

// Policy decides whether a document's changes may be synced to a peer.
// It fails closed: malformed peers, lookup errors, panics and timeouts all
// deny.
type Policy struct {
	store   PermissionStore
	timeout time.Duration
}

func NewPolicy(store PermissionStore, timeout time.Duration) *Policy {
	return &Policy{store: store, timeout: timeout}
}

func (p *Policy) MayShare(ctx context.Context, peerID string, documentID string) (allowed bool) {
	if !peer.Valid(peerID) {
		glog.V(2).Infof("[policy]deny %q %s: not a user peer\n", peerID, documentID)
		return false
	}
	id, err := peer.Parse(peerID)
	if err != nil {
		glog.V(2).Infof("[policy]deny %q %s: %s\n", peerID, documentID, err)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[policy]permission check panicked for %s %s: %v\n", peerID, documentID, r)
			allowed = false
		}
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ok, err := p.store.CanAccessDocument(ctx, id.UserID, documentID)
	if err != nil {
		glog.Warningf("[policy]deny %s %s: permission store error = %s\n", peerID, documentID, err)
		return false
	}
	if !ok {
		glog.V(1).Infof("[policy]deny %s %s\n", peerID, documentID)
	}
	return ok
}

// AllowAll shares every document with every peer. Replica clients use it for
// their single, trusted upstream.
type AllowAll struct{}

func (AllowAll) MayShare(context.Context, string, string) bool {
	return true
}

package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"docsync/internal/crdt"
)

// AddPeer registers a connected peer. It sees no document until the share
// policy admits it for that document.
func (r *Repo) AddPeer(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = &peerState{
		peer:        p,
		subscribed:  map[DocumentID]bool{},
		clocks:      map[DocumentID]crdt.Clock{},
		unavailable: map[DocumentID]bool{},
	}
	glog.V(1).Infof("[repo]peer %s connected\n", p.ID())
}

// RemovePeer unsubscribes the peer from every document. Work already in
// flight for it runs to completion.
func (r *Repo) RemovePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return
	}
	delete(r.peers, peerID)
	r.notifyClockLocked()
	glog.V(1).Infof("[repo]peer %s disconnected\n", peerID)
}

func (r *Repo) peer(peerID string) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.peers[peerID]; ok {
		return ps.peer
	}
	return nil
}

func (r *Repo) isSubscribed(peerID string, id DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peerID]
	return ok && ps.subscribed[id]
}

func (r *Repo) subscribe(peerID string, id DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return false
	}
	ps.subscribed[id] = true
	delete(ps.unavailable, id)
	return true
}

func (r *Repo) subscribers(id DocumentID) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Peer
	for _, ps := range r.peers {
		if ps.subscribed[id] {
			out = append(out, ps.peer)
		}
	}
	return out
}

func (r *Repo) setPeerClock(peerID string, id DocumentID, clock crdt.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[peerID]
	if !ok {
		return
	}
	merged := ps.clocks[id].Copy()
	for actor, seq := range clock {
		if merged[actor] < seq {
			merged[actor] = seq
		}
	}
	ps.clocks[id] = merged
	r.notifyClockLocked()
}

func (r *Repo) notifyClockLocked() {
	close(r.clockMoved)
	r.clockMoved = make(chan struct{})
}

// PeerClock is the last clock the peer reported for a document.
func (r *Repo) PeerClock(peerID string, id DocumentID) crdt.Clock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.peers[peerID]; ok {
		return ps.clocks[id].Copy()
	}
	return crdt.Clock{}
}

// Request subscribes a peer to a document and asks it for the changes this
// repo lacks. Replica clients call it for every document they open.
func (r *Repo) Request(ctx context.Context, peerID string, id DocumentID) (*DocHandle, error) {
	p := r.peer(peerID)
	if p == nil {
		return nil, fmt.Errorf("unknown peer %s", peerID)
	}
	if !r.policy.MayShare(ctx, peerID, string(id)) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentUnavailable, id)
	}
	h, err := r.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	r.subscribe(peerID, id)
	err = p.Send(&Message{
		Type:       TypeRequest,
		DocumentID: id,
		Clock:      h.Clock(),
	})
	return h, err
}

// WaitSynced blocks until the peer has acknowledged every change of the
// document known locally.
func (r *Repo) WaitSynced(ctx context.Context, peerID string, h *DocHandle) error {
	for {
		local := h.Clock()
		r.mu.Lock()
		ps, ok := r.peers[peerID]
		var covered bool
		if ok {
			covered = ps.clocks[h.id].Covers(local)
		}
		moved := r.clockMoved
		r.mu.Unlock()

		if !ok {
			return fmt.Errorf("peer %s disconnected", peerID)
		}
		if covered {
			return nil
		}
		select {
		case <-moved:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitCaughtUp blocks until the peer has answered for the document and every
// change it reported holding is applied locally. It fails with
// ErrDocumentUnavailable when the peer answered that it has no such document
// for us.
func (r *Repo) WaitCaughtUp(ctx context.Context, peerID string, h *DocHandle) error {
	for {
		local := h.Clock()
		r.mu.Lock()
		ps, ok := r.peers[peerID]
		var answered, caughtUp, missing bool
		if ok {
			var remote crdt.Clock
			remote, answered = ps.clocks[h.id]
			caughtUp = local.Covers(remote)
			missing = ps.unavailable[h.id]
		}
		moved := r.clockMoved
		r.mu.Unlock()

		switch {
		case !ok:
			return fmt.Errorf("peer %s disconnected", peerID)
		case missing:
			return fmt.Errorf("%w: %s", ErrDocumentUnavailable, h.id)
		case answered && caughtUp:
			return nil
		}
		select {
		case <-moved:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Repo) markUnavailable(peerID string, id DocumentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.peers[peerID]; ok && ps.subscribed[id] {
		ps.unavailable[id] = true
		r.notifyClockLocked()
	}
}

// HandleMessage processes one frame received from a peer.
func (r *Repo) HandleMessage(ctx context.Context, peerID string, msg *Message) {
	p := r.peer(peerID)
	if p == nil {
		return
	}
	switch msg.Type {
	case TypeRequest, TypeSync:
		r.handleSync(ctx, p, msg)
	case TypeUnavailable:
		glog.V(1).Infof("[repo]%s unavailable at %s\n", msg.DocumentID, peerID)
		r.markUnavailable(peerID, msg.DocumentID)
	case TypeError:
		glog.Warningf("[repo]%s sync error from %s = %s\n", msg.DocumentID, peerID, msg.Error)
	default:
		glog.V(2).Infof("[repo]ignore %q from %s\n", msg.Type, peerID)
	}
}

func (r *Repo) handleSync(ctx context.Context, p Peer, msg *Message) {
	id := msg.DocumentID
	h, ok := r.admit(ctx, p, id)
	if !ok {
		return
	}

	var incoming []*crdt.Change
	if len(msg.Data) > 0 {
		var err error
		incoming, err = crdt.DecodeChanges(msg.Data)
		if err != nil {
			glog.Infof("[repo]%s bad chunk from %s = %s\n", id, p.ID(), err)
			r.send(p, &Message{Type: TypeError, DocumentID: id, Error: "malformed changes"})
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.applyRemote(incoming, p.ID()); err != nil {
		r.send(p, &Message{Type: TypeError, DocumentID: id, Error: "changes could not be stored, retry"})
		return
	}
	clock := msg.Clock.Copy()
	for _, c := range incoming {
		if clock[c.Actor] < c.Seq {
			clock[c.Actor] = c.Seq
		}
	}
	r.setPeerClock(p.ID(), id, clock)

	missing := h.doc.ChangesSince(msg.Clock)
	if msg.Type == TypeRequest || len(incoming) > 0 || len(missing) > 0 {
		reply := &Message{
			Type:       TypeSync,
			DocumentID: id,
			Clock:      h.doc.Clock(),
		}
		if len(missing) > 0 {
			reply.Data = crdt.EncodeChanges(missing)
		}
		r.send(p, reply)
	}
}

// admit subscribes the peer to the document the first time it asks for it,
// after the share policy allows it. Nothing about a document is sent to a
// peer before this returns true.
func (r *Repo) admit(ctx context.Context, p Peer, id DocumentID) (*DocHandle, bool) {
	if r.isSubscribed(p.ID(), id) {
		r.mu.Lock()
		h := r.docs[id]
		r.mu.Unlock()
		if h != nil {
			return h, true
		}
	}

	if !r.policy.MayShare(ctx, p.ID(), string(id)) {
		r.send(p, unavailable(id))
		return nil, false
	}
	h, err := r.Find(ctx, id)
	if errors.Is(err, ErrDocumentNotFound) {
		r.send(p, unavailable(id))
		return nil, false
	}
	if err != nil {
		glog.Warningf("[repo]%s for %s error = %s\n", id, p.ID(), err)
		r.send(p, &Message{Type: TypeError, DocumentID: id, Error: "document unavailable, retry"})
		return nil, false
	}
	if !r.subscribe(p.ID(), id) {
		return nil, false
	}
	glog.V(1).Infof("[repo]%s subscribed to %s\n", p.ID(), id)
	return h, true
}

func (r *Repo) send(p Peer, msg *Message) {
	if err := p.Send(msg); err != nil {
		glog.Infof("[repo]send %s to %s error = %s\n", msg.DocumentID, p.ID(), err)
	}
}

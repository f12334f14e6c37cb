package crdt

import (
	"errors"
	"math"
	"sort"
	"time"
)

var (
	ErrEmptyPath = errors.New("empty path")
	// ErrClockExhausted is returned by Change once the lamport clock has
	// reached its maximum.
	ErrClockExhausted = errors.New("lamport clock exhausted")
)

// maxLamport is the largest lamport timestamp a change may carry.
const maxLamport = math.MaxUint64 - 1

// Doc is a conflict-free replicated JSON map. Its value is the result of
// applying every applied change in (lamport, actor, seq) order, so two docs
// holding the same set of changes hold the same value.
//
// Doc is not safe for concurrent use; callers serialize access.
type Doc struct {
	actor   string
	clock   Clock
	lamport uint64
	applied []*Change
	pending map[ChangeID]*Change
	root    map[string]any

	// lamports of applied changes
	lamports map[ChangeID]uint64
}

func New(actor string) *Doc {
	return &Doc{
		actor:    actor,
		clock:    Clock{},
		pending:  map[ChangeID]*Change{},
		root:     map[string]any{},
		lamports: map[ChangeID]uint64{},
	}
}

// Load decodes a saved chunk into a new doc for actor.
func Load(actor string, data []byte) (*Doc, error) {
	changes, err := DecodeChanges(data)
	if err != nil {
		return nil, err
	}
	doc := New(actor)
	doc.ApplyChanges(changes...)
	return doc, nil
}

func (d *Doc) Actor() string {
	return d.actor
}

func (d *Doc) Clock() Clock {
	return d.clock.Copy()
}

// Value returns a copy of the merged value.
func (d *Doc) Value() map[string]any {
	return deepCopy(d.root).(map[string]any)
}

func (d *Doc) Get(path ...string) (any, bool) {
	v, ok := lookup(d.root, path)
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Len is the number of applied changes.
func (d *Doc) Len() int {
	return len(d.applied)
}

// Pending is the number of changes held back waiting for their dependencies.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// Changes returns the applied changes in merge order.
func (d *Doc) Changes() []*Change {
	out := make([]*Change, len(d.applied))
	copy(out, d.applied)
	return out
}

// ChangesSince returns the applied changes not covered by clock, in an order
// that respects causality.
func (d *Doc) ChangesSince(clock Clock) []*Change {
	var out []*Change
	for _, c := range d.applied {
		if !clock.Has(c.ID()) {
			out = append(out, c)
		}
	}
	return out
}

// Save encodes every applied change into a single chunk.
func (d *Doc) Save() []byte {
	return EncodeChanges(d.applied)
}

// ApplyChanges merges changes from any source. Duplicates are dropped and
// changes whose dependencies are missing are held until they arrive. A change
// whose lamport timestamp does not exceed those of the changes it depends on
// is dropped. It returns the changes that became applied, in causal order.
func (d *Doc) ApplyChanges(changes ...*Change) []*Change {
	for _, c := range changes {
		if c == nil || c.Seq == 0 || c.Actor == "" {
			continue
		}
		if c.Lamport == 0 || c.Lamport > maxLamport {
			continue
		}
		id := c.ID()
		if d.clock.Has(id) {
			continue
		}
		if _, ok := d.pending[id]; ok {
			continue
		}
		d.pending[id] = c
	}

	var applied []*Change
	for progress := true; progress; {
		progress = false
		for _, id := range d.pendingIDs() {
			c := d.pending[id]
			if !d.ready(c) {
				continue
			}
			delete(d.pending, id)
			if !d.causal(c) {
				continue
			}
			d.apply(c)
			applied = append(applied, c)
			progress = true
		}
	}
	return applied
}

// Change runs fn against a draft of the current value and, if the draft
// recorded any ops, applies them as one new change authored by the doc's
// actor. A nil change is returned when fn changed nothing.
func (d *Doc) Change(message string, fn func(*Draft) error) (*Change, error) {
	draft := &Draft{root: d.Value()}
	if err := fn(draft); err != nil {
		return nil, err
	}
	if len(draft.ops) == 0 {
		return nil, nil
	}
	if d.lamport >= maxLamport {
		return nil, ErrClockExhausted
	}
	c := &Change{
		Actor:   d.actor,
		Seq:     d.clock[d.actor] + 1,
		Lamport: d.lamport + 1,
		Time:    time.Now().UnixMilli(),
		Message: message,
		Deps:    d.clock.Copy(),
		Ops:     draft.ops,
	}
	d.ApplyChanges(c)
	return c, nil
}

// Without returns a copy of the doc lacking the given changes. Changes that
// depended on them are held as pending again.
func (d *Doc) Without(ids ...ChangeID) *Doc {
	drop := make(map[ChangeID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var keep []*Change
	for _, c := range d.applied {
		if !drop[c.ID()] {
			keep = append(keep, c)
		}
	}
	for _, c := range d.pending {
		keep = append(keep, c)
	}
	out := New(d.actor)
	out.ApplyChanges(keep...)
	return out
}

func (d *Doc) pendingIDs() []ChangeID {
	ids := make([]ChangeID, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Actor != ids[j].Actor {
			return ids[i].Actor < ids[j].Actor
		}
		return ids[i].Seq < ids[j].Seq
	})
	return ids
}

func (d *Doc) ready(c *Change) bool {
	if d.clock[c.Actor] != c.Seq-1 {
		return false
	}
	return d.clock.Covers(c.Deps)
}

// causal reports whether c is later than every change it depends on,
// its own predecessor included. c must be ready.
func (d *Doc) causal(c *Change) bool {
	if c.Seq > 1 && c.Lamport <= d.lamports[ChangeID{Actor: c.Actor, Seq: c.Seq - 1}] {
		return false
	}
	for actor, seq := range c.Deps {
		if seq == 0 {
			continue
		}
		if c.Lamport <= d.lamports[ChangeID{Actor: actor, Seq: seq}] {
			return false
		}
	}
	return true
}

func (d *Doc) apply(c *Change) {
	d.clock[c.Actor] = c.Seq
	d.lamports[c.ID()] = c.Lamport
	if d.lamport < c.Lamport {
		d.lamport = c.Lamport
	}

	i := sort.Search(len(d.applied), func(i int) bool {
		return c.before(d.applied[i])
	})
	if i == len(d.applied) {
		d.applied = append(d.applied, c)
		for _, op := range c.Ops {
			op.apply(d.root)
		}
		return
	}

	// a concurrent change that sorts before ones already applied: replay
	d.applied = append(d.applied, nil)
	copy(d.applied[i+1:], d.applied[i:])
	d.applied[i] = c
	d.root = map[string]any{}
	for _, prior := range d.applied {
		for _, op := range prior.Ops {
			op.apply(d.root)
		}
	}
}

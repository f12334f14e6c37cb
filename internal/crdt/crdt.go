package crdt

import (
	"fmt"
	"sort"
)

// ChangeID is a globally unique identifier for a change, combining the actor
// that authored it and that actor's sequence number.
type ChangeID struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
}

func (id ChangeID) String() string {
	return fmt.Sprintf("%s.%d", id.Actor, id.Seq)
}

// Clock is a version vector. Each entry is the highest sequence number applied
// for that actor; sequences are contiguous so the entry also implies every
// earlier change from the actor.
type Clock map[string]uint64

func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for actor, seq := range c {
		out[actor] = seq
	}
	return out
}

// Has reports whether the change identified by id is covered by the clock.
func (c Clock) Has(id ChangeID) bool {
	return c[id.Actor] >= id.Seq
}

// Covers reports whether c has seen everything other has seen.
func (c Clock) Covers(other Clock) bool {
	for actor, seq := range other {
		if c[actor] < seq {
			return false
		}
	}
	return true
}

func (c Clock) Equal(other Clock) bool {
	return c.Covers(other) && other.Covers(c)
}

// Actors returns the actors of the clock in sorted order.
func (c Clock) Actors() []string {
	actors := make([]string, 0, len(c))
	for actor := range c {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Change is an immutable unit of document mutation. Deps is the version vector
// the author had observed, so a change is never applied before its causes.
type Change struct {
	Actor   string `json:"actor"`
	Seq     uint64 `json:"seq"`
	Lamport uint64 `json:"lamport"`
	Time    int64  `json:"time"`
	Message string `json:"message,omitempty"`
	Deps    Clock  `json:"deps,omitempty"`
	Ops     []Op   `json:"ops"`
}

func (c *Change) ID() ChangeID {
	return ChangeID{Actor: c.Actor, Seq: c.Seq}
}

// before orders changes by (lamport, actor, seq). The order only depends on
// the changes themselves, which is what makes every replica converge.
func (c *Change) before(other *Change) bool {
	if c.Lamport != other.Lamport {
		return c.Lamport < other.Lamport
	}
	if c.Actor != other.Actor {
		return c.Actor < other.Actor
	}
	return c.Seq < other.Seq
}

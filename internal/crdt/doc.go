// Package crdt implements the replicated sequence that backs a collaboratively
// edited document.
//
// The sequence is an RGA: every atom is inserted after the atom its author saw
// to its left (its origin), and concurrent inserts after the same origin are
// ordered by descending ID. Deletes leave tombstones. Operations whose
// dependencies have not arrived yet are parked and retried, so fragments can be
// applied in any order and any number of times and every replica converges.
package crdt

import (
	"fmt"
	"sort"
	"strings"
)

type atom struct {
	id      ID
	origin  ID
	value   string
	deleted bool
	next    *atom
}

type pendingKey struct {
	kind OpKind
	id   ID
}

// Doc is one replica of a document. A Doc is not safe for concurrent use;
// callers serialize access to it.
type Doc struct {
	head     atom
	atoms    map[ID]*atom
	pending  []Op
	parked   map[pendingKey]struct{}
	visible  int
	maxClock uint64
}

// NewDoc returns an empty replica with no operations applied.
func NewDoc() *Doc {
	return &Doc{
		atoms:  make(map[ID]*atom),
		parked: make(map[pendingKey]struct{}),
	}
}

// ApplyUpdate merges an update fragment (or a snapshot) into the replica.
// A fragment that fails to decode leaves the replica untouched.
func (d *Doc) ApplyUpdate(fragment []byte) error {
	ops, err := DecodeUpdate(fragment)
	if err != nil {
		return err
	}
	d.applyOps(ops)
	return nil
}

// Snapshot encodes the full replica state, tombstones and parked operations
// included, as an update fragment. Applying it to an empty Doc yields an
// equivalent replica. Equal replicas produce byte-identical snapshots.
func (d *Doc) Snapshot() []byte {
	ops := make([]Op, 0, len(d.atoms)+len(d.pending))
	var tombstones []Op
	for a := d.head.next; a != nil; a = a.next {
		ops = append(ops, Op{Kind: OpInsert, ID: a.id, Origin: a.origin, Value: a.value})
		if a.deleted {
			tombstones = append(tombstones, Op{Kind: OpDelete, ID: a.id})
		}
	}
	ops = append(ops, tombstones...)

	parked := make([]Op, len(d.pending))
	copy(parked, d.pending)
	sort.Slice(parked, func(i, j int) bool {
		if parked[i].Kind != parked[j].Kind {
			return parked[i].Kind < parked[j].Kind
		}
		return parked[i].ID.Less(parked[j].ID)
	})
	ops = append(ops, parked...)

	payload, err := EncodeUpdate(ops)
	if err != nil {
		// Ops built from integrated atoms always marshal.
		panic(fmt.Sprintf("crdt: encode snapshot: %v", err))
	}
	return payload
}

// Text flattens the visible atoms into a string.
func (d *Doc) Text() string {
	var b strings.Builder
	for a := d.head.next; a != nil; a = a.next {
		if !a.deleted {
			b.WriteString(a.value)
		}
	}
	return b.String()
}

// Len is the number of visible atoms.
func (d *Doc) Len() int {
	return d.visible
}

// Pending is the number of operations waiting for a dependency.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// MaxClock is the highest insert clock integrated so far.
func (d *Doc) MaxClock() uint64 {
	return d.maxClock
}

// Empty reports whether no operation was ever applied.
func (d *Doc) Empty() bool {
	return len(d.atoms) == 0 && len(d.pending) == 0
}

func (d *Doc) applyOps(ops []Op) {
	progressed := false
	for _, op := range ops {
		if d.integrate(op) {
			progressed = true
			continue
		}
		d.park(op)
	}
	if progressed && len(d.pending) > 0 {
		d.drainPending()
	}
}

// integrate applies op if its dependency is present. It reports false when
// the op has to wait.
func (d *Doc) integrate(op Op) bool {
	switch op.Kind {
	case OpInsert:
		return d.integrateInsert(op)
	case OpDelete:
		target, ok := d.atoms[op.ID]
		if !ok {
			return false
		}
		if !target.deleted {
			target.deleted = true
			d.visible--
		}
		return true
	default:
		return true
	}
}

func (d *Doc) integrateInsert(op Op) bool {
	if _, ok := d.atoms[op.ID]; ok {
		return true
	}
	prev := &d.head
	if !op.Origin.IsZero() {
		origin, ok := d.atoms[op.Origin]
		if !ok {
			return false
		}
		prev = origin
	}
	// Skip newer siblings and their subtrees; every atom in those subtrees is
	// newer than op as well.
	for prev.next != nil && op.ID.Less(prev.next.id) {
		prev = prev.next
	}
	inserted := &atom{id: op.ID, origin: op.Origin, value: op.Value, next: prev.next}
	prev.next = inserted
	d.atoms[op.ID] = inserted
	d.visible++
	if op.ID.Clock > d.maxClock {
		d.maxClock = op.ID.Clock
	}
	return true
}

func (d *Doc) park(op Op) {
	key := pendingKey{kind: op.Kind, id: op.ID}
	if _, ok := d.parked[key]; ok {
		return
	}
	d.parked[key] = struct{}{}
	d.pending = append(d.pending, op)
}

func (d *Doc) drainPending() {
	for {
		progressed := false
		remaining := make([]Op, 0, len(d.pending))
		for _, op := range d.pending {
			if d.integrate(op) {
				delete(d.parked, pendingKey{kind: op.Kind, id: op.ID})
				progressed = true
				continue
			}
			remaining = append(remaining, op)
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

// atomAt returns the visible atom at pos, or nil.
func (d *Doc) atomAt(pos int) *atom {
	if pos < 0 {
		return nil
	}
	i := 0
	for a := d.head.next; a != nil; a = a.next {
		if a.deleted {
			continue
		}
		if i == pos {
			return a
		}
		i++
	}
	return nil
}

package crdt

import (
	"fmt"
)

// Editor is a local replica that turns positional edits into update
// fragments. It is what a client runs; the server only ever calls
// Doc.ApplyUpdate.
type Editor struct {
	doc   *Doc
	clock *LamportClock
}

func NewEditor(replica string) *Editor {
	var clock *LamportClock
	if replica == "" {
		clock = NewLamportClock()
	} else {
		clock = NewLamportClockWithReplica(replica)
	}
	return &Editor{doc: NewDoc(), clock: clock}
}

// NewEditorFromSnapshot seeds a replica from a snapshot received on join.
func NewEditorFromSnapshot(replica string, snapshot []byte) (*Editor, error) {
	e := NewEditor(replica)
	if err := e.Apply(snapshot); err != nil {
		return nil, err
	}
	return e, nil
}

// Insert types text at visible position pos and returns the fragment to send.
func (e *Editor) Insert(pos int, text string) ([]byte, error) {
	if pos < 0 || pos > e.doc.Len() {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, e.doc.Len())
	}
	if text == "" {
		return nil, fmt.Errorf("insert requires text")
	}
	var origin ID
	if pos > 0 {
		origin = e.doc.atomAt(pos - 1).id
	}
	e.clock.Witness(e.doc.MaxClock())

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := Op{Kind: OpInsert, ID: e.clock.Tick(), Origin: origin, Value: string(r)}
		e.doc.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return EncodeUpdate(ops)
}

// Delete removes n visible atoms starting at pos and returns the fragment.
func (e *Editor) Delete(pos, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("delete length must be positive")
	}
	if pos < 0 || pos+n > e.doc.Len() {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d)", pos, pos+n, e.doc.Len())
	}
	targets := make([]ID, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, e.doc.atomAt(pos+i).id)
	}
	ops := make([]Op, 0, n)
	for _, id := range targets {
		op := Op{Kind: OpDelete, ID: id}
		e.doc.integrate(op)
		ops = append(ops, op)
	}
	return EncodeUpdate(ops)
}

// Apply merges a remote fragment and advances the local clock past it.
func (e *Editor) Apply(fragment []byte) error {
	if err := e.doc.ApplyUpdate(fragment); err != nil {
		return err
	}
	e.clock.Witness(e.doc.MaxClock())
	return nil
}

func (e *Editor) Text() string {
	return e.doc.Text()
}

func (e *Editor) Snapshot() []byte {
	return e.doc.Snapshot()
}

func (e *Editor) Replica() string {
	return e.clock.Replica()
}

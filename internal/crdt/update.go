package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedUpdate is returned when an update fragment cannot be decoded
// or describes an operation no replica could have produced.
var ErrMalformedUpdate = errors.New("malformed update")

const formatVersion = 1

type OpKind string

const (
	OpInsert OpKind = "ins"
	OpDelete OpKind = "del"
)

// ID names one inserted atom. The zero ID is the head of the sequence.
type ID struct {
	Clock   uint64 `json:"c"`
	Replica string `json:"r"`
}

func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Replica == ""
}

// Less orders IDs by clock, then replica.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

func (id ID) String() string {
	if id.IsZero() {
		return "head"
	}
	return fmt.Sprintf("%d@%s", id.Clock, id.Replica)
}

// Op is a single insert or delete. For an insert, ID is the new atom and
// Origin the atom it was typed after. For a delete, ID is the target.
type Op struct {
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin ID     `json:"o"`
	Value  string `json:"v,omitempty"`
}

type wireUpdate struct {
	Version int  `json:"v"`
	Ops     []Op `json:"ops"`
}

// EncodeUpdate serializes ops into an update fragment.
func EncodeUpdate(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	payload, err := json.Marshal(wireUpdate{Version: formatVersion, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return payload, nil
}

// DecodeUpdate parses and validates an update fragment.
func DecodeUpdate(fragment []byte) ([]Op, error) {
	if len(bytes.TrimSpace(fragment)) == 0 {
		return nil, fmt.Errorf("%w: empty fragment", ErrMalformedUpdate)
	}
	decoder := json.NewDecoder(bytes.NewReader(fragment))
	decoder.DisallowUnknownFields()
	var wire wireUpdate
	if err := decoder.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedUpdate)
	}
	if wire.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, wire.Version)
	}
	for i, op := range wire.Ops {
		if err := validateOp(op); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
	}
	return wire.Ops, nil
}

func validateOp(op Op) error {
	if op.ID.Clock == 0 || strings.TrimSpace(op.ID.Replica) == "" {
		return errors.New("op id must carry a clock and a replica")
	}
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return errors.New("insert without value")
		}
		if !op.Origin.IsZero() {
			if op.Origin.Clock == 0 || op.Origin.Replica == "" {
				return errors.New("partial origin id")
			}
			// Lamport clocks guarantee an atom is newer than what it follows.
			if op.ID.Clock <= op.Origin.Clock {
				return fmt.Errorf("insert %s not newer than origin %s", op.ID, op.Origin)
			}
		}
	case OpDelete:
		if op.Value != "" || !op.Origin.IsZero() {
			return errors.New("delete carries insert fields")
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}

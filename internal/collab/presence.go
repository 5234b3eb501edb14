package collab

import (
	"encoding/json"

	"neura/api/internal/auth"
	"neura/api/internal/rbac"
)

type connState int

const (
	stateUnjoined connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnjoined:
		return "unjoined"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// Participant is one live connection. Everything but ID, identity and
// transport is owned by the gateway's processing loop.
type Participant struct {
	ID        string
	identity  auth.Identity
	transport Transport

	state      connState
	documentID string
	userID     string
	userName   string
	role       rbac.Role
	position   json.RawMessage
	selection  json.RawMessage
	typing     bool
	// transportClosed is set once the loop has closed the transport; failed
	// once a send to it has failed and it is waiting to be reaped.
	transportClosed bool
	failed          bool
}

func (p *Participant) info() UserInfo {
	return UserInfo{UserID: p.userID, UserName: p.userName, ConnectionID: p.ID}
}

type room struct {
	order   []string
	members map[string]*Participant
}

// PresenceTracker holds the participants of every document. It has no lock:
// only the gateway loop touches it.
type PresenceTracker struct {
	rooms map[string]*room
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{rooms: make(map[string]*room)}
}

// Admit adds p to documentID and reports whether it is the first member.
func (t *PresenceTracker) Admit(documentID string, p *Participant) bool {
	r, ok := t.rooms[documentID]
	if !ok {
		r = &room{members: make(map[string]*Participant)}
		t.rooms[documentID] = r
	}
	if _, exists := r.members[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.members[p.ID] = p
	return !ok
}

// Remove drops a participant and reports whether the document is now empty.
func (t *PresenceTracker) Remove(documentID, participantID string) bool {
	r, ok := t.rooms[documentID]
	if !ok {
		return true
	}
	if _, exists := r.members[participantID]; exists {
		delete(r.members, participantID)
		for i, id := range r.order {
			if id == participantID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	if len(r.members) == 0 {
		delete(t.rooms, documentID)
		return true
	}
	return false
}

// ListActive returns the participants of documentID in admission order.
func (t *PresenceTracker) ListActive(documentID string) []*Participant {
	r, ok := t.rooms[documentID]
	if !ok {
		return nil
	}
	out := make([]*Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out
}

func (t *PresenceTracker) Count(documentID string) int {
	if r, ok := t.rooms[documentID]; ok {
		return len(r.members)
	}
	return 0
}

func (t *PresenceTracker) IsEmpty(documentID string) bool {
	return t.Count(documentID) == 0
}


package collab

import (
	"sort"
	"sync"
	"time"

	"neura/api/internal/crdt"
)

// SharedState is the live replica of one document plus the bookkeeping the
// save-back needs.
type SharedState struct {
	DocumentID string
	Doc        *crdt.Doc
	CreatedAt  time.Time

	dirty      int
	lastEditor UserInfo
}

// Registry maps document ids to their live replica. It is built once per
// server and handed to the gateway; tests build as many as they like.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*SharedState
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*SharedState)}
}

// GetOrCreate returns the replica for documentID, creating an empty one on
// first use.
func (r *Registry) GetOrCreate(documentID string) (*SharedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[documentID]; ok {
		return state, false
	}
	state := &SharedState{
		DocumentID: documentID,
		Doc:        crdt.NewDoc(),
		CreatedAt:  time.Now(),
	}
	r.states[documentID] = state
	return state, true
}

func (r *Registry) Lookup(documentID string) (*SharedState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[documentID]
	return state, ok
}

// EvictIfEmpty drops the replica when presence reports nobody left. The
// evicted state is returned so its content can still be saved back.
func (r *Registry) EvictIfEmpty(documentID string, presence *PresenceTracker) (*SharedState, bool) {
	if !presence.IsEmpty(documentID) {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[documentID]
	if !ok {
		return nil, false
	}
	delete(r.states, documentID)
	return state, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.states)
}

// DocumentIDs lists live documents in lexical order.
func (r *Registry) DocumentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) drain() []*SharedState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*SharedState, 0, len(r.states))
	for id, state := range r.states {
		out = append(out, state)
		delete(r.states, id)
	}
	return out
}

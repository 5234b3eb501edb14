package collab

// has and documents back the check that a document has a shared state
// exactly when it has participants.

func (r *Registry) has(documentID string) bool {
	_, ok := r.Lookup(documentID)
	return ok
}

func (t *PresenceTracker) documents() []string {
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	return out
}

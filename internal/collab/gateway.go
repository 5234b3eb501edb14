package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"neura/api/internal/auth"
	"neura/api/internal/crdt"
	"neura/api/internal/rbac"
	"neura/api/internal/util"
)

// AccessChecker resolves the role a user holds on a document. It returns
// ErrDocumentNotFound for documents that do not exist.
type AccessChecker interface {
	Access(ctx context.Context, documentID, userID string) (rbac.Role, error)
}

type Options struct {
	// Access gates joins and edits. Without it every joiner may write.
	Access AccessChecker
	// Flusher receives snapshots of dirty replicas. Optional.
	Flusher Flusher
	// FlushInterval is how often dirty replicas are saved back; zero only
	// saves on eviction and shutdown.
	FlushInterval time.Duration
	// AllowAnonymous lets a connection without a handshake identity take the
	// userId/userName of its join payload.
	AllowAnonymous bool
	AccessTimeout  time.Duration
	FlushTimeout   time.Duration
	Logger         zerolog.Logger
}

// SessionInfo describes one live document for introspection.
type SessionInfo struct {
	DocumentID     string     `json:"documentId"`
	Participants   []UserInfo `json:"participants"`
	Length         int        `json:"length"`
	PendingUpdates int        `json:"pendingUpdates"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evJoin
	evDisconnect
	evCall
)

type joinRequest struct {
	documentID string
	userID     string
	userName   string
	role       rbac.Role
	failCode   string
	failMsg    string
}

type event struct {
	kind eventKind
	p    *Participant
	env  Envelope
	join joinRequest
	fn   func()
}

// Gateway routes participant events to the registry and fans results out.
// Every mutation of presence, participants and replicas happens on the
// goroutine running Run.
type Gateway struct {
	registry *Registry
	presence *PresenceTracker
	opts     Options
	logger   zerolog.Logger

	events  chan event
	stopped chan struct{}
	running atomic.Bool
	flushes *flushQueue

	conns  map[string]*Participant
	failed []*Participant

	joined atomic.Int64
	once   sync.Once
}

func NewGateway(registry *Registry, opts Options) *Gateway {
	if opts.AccessTimeout <= 0 {
		opts.AccessTimeout = 5 * time.Second
	}
	g := &Gateway{
		registry: registry,
		presence: NewPresenceTracker(),
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan event, 1024),
		stopped:  make(chan struct{}),
		conns:    make(map[string]*Participant),
	}
	if opts.Flusher != nil {
		g.flushes = newFlushQueue(opts.Flusher, opts.FlushTimeout, opts.Logger)
	}
	return g
}

// Run processes events until ctx is cancelled, then closes every connection
// and saves back every dirty replica before returning.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("gateway already running")
	}
	if g.flushes != nil {
		go g.flushes.run()
	}

	var tick <-chan time.Time
	if g.opts.FlushInterval > 0 && g.flushes != nil {
		ticker := time.NewTicker(g.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	g.logger.Info().Msg("collaboration gateway started")
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return nil
		case <-tick:
			g.flushDirty()
		case ev := <-g.events:
			g.handle(ev)
			g.reapFailed()
		}
	}
}

// Connect registers a new connection in the Unjoined state. An identity from
// the handshake, when present, overrides whatever the join payload claims.
func (g *Gateway) Connect(t Transport, identity auth.Identity) *Participant {
	p := &Participant{
		ID:        util.NewID("conn"),
		identity:  identity,
		transport: t,
	}
	if !g.submit(event{kind: evConnect, p: p}) {
		_ = t.Close()
	}
	return p
}

// Serve runs a websocket participant until its connection ends.
func (g *Gateway) Serve(t *WSTransport, identity auth.Identity) {
	p := g.Connect(t, identity)
	go t.WritePump()
	if err := t.ReadPump(func(env Envelope) { g.Deliver(p, env) }); err != nil {
		g.logger.Debug().Err(err).Str("connection_id", p.ID).Msg("connection ended")
	}
	g.Disconnect(p)
	_ = t.Close()
}

// Deliver hands one inbound frame to the processing loop. Callers deliver the
// frames of a connection one at a time, in the order they arrived. Join
// frames are resolved here because the access check may block.
func (g *Gateway) Deliver(p *Participant, env Envelope) {
	if env.Event == EventJoinDocument {
		g.submit(event{kind: evJoin, p: p, join: g.resolveJoin(p, env.Data)})
		return
	}
	g.submit(event{kind: evFrame, p: p, env: env})
}

// Disconnect runs the leave path for a closed transport.
func (g *Gateway) Disconnect(p *Participant) {
	g.submit(event{kind: evDisconnect, p: p})
}

// Sessions lists the live documents with their participants.
func (g *Gateway) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := g.call(ctx, func() {
		for _, id := range g.registry.DocumentIDs() {
			state, ok := g.registry.Lookup(id)
			if !ok {
				continue
			}
			members := g.presence.ListActive(id)
			users := make([]UserInfo, 0, len(members))
			for _, m := range members {
				users = append(users, m.info())
			}
			out = append(out, SessionInfo{
				DocumentID:     id,
				Participants:   users,
				Length:         state.Doc.Len(),
				PendingUpdates: state.dirty,
				CreatedAt:      state.CreatedAt,
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Participants is the number of joined connections.
func (g *Gateway) Participants() int {
	return int(g.joined.Load())
}

func (g *Gateway) SessionCount() int {
	return g.registry.Len()
}

// Done is closed once Run has shut everything down.
func (g *Gateway) Done() <-chan struct{} {
	return g.stopped
}

func (g *Gateway) submit(ev event) bool {
	select {
	case <-g.stopped:
		return false
	default:
	}
	select {
	case g.events <- ev:
		return true
	case <-g.stopped:
		return false
	}
}

func (g *Gateway) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !g.submit(event{kind: evCall, fn: func() { fn(); close(done) }}) {
		return errors.New("gateway stopped")
	}
	select {
	case <-done:
		return nil
	case <-g.stopped:
		return errors.New("gateway stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) resolveJoin(p *Participant, data json.RawMessage) joinRequest {
	var payload JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return joinRequest{failCode: CodeBadRequest, failMsg: "invalid join payload"}
	}
	req := joinRequest{documentID: payload.DocumentID}
	if payload.DocumentID == "" {
		req.failCode, req.failMsg = CodeBadRequest, "documentId is required"
		return req
	}

	switch {
	case !p.identity.IsZero():
		req.userID, req.userName = p.identity.ID, p.identity.Name
	case g.opts.AllowAnonymous && payload.UserID != "":
		req.userID, req.userName = payload.UserID, payload.UserName
	case g.opts.AllowAnonymous:
		req.failCode, req.failMsg = CodeBadRequest, "userId is required"
		return req
	default:
		req.failCode, req.failMsg = CodeUnauthenticated, "connection is not authenticated"
		return req
	}
	if req.userName == "" {
		req.userName = req.userID
	}

	if g.opts.Access == nil {
		req.role = rbac.RoleWrite
		return req
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.AccessTimeout)
	defer cancel()
	role, err := g.opts.Access.Access(ctx, req.documentID, req.userID)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		req.failCode, req.failMsg = CodeNotFound, "document not found"
	case err != nil:
		g.logger.Error().Err(err).Str("document_id", req.documentID).Msg("access check failed")
		req.failCode, req.failMsg = CodeInternal, "access check failed"
	case !rbac.Can(role, rbac.ActionJoin):
		req.failCode, req.failMsg = CodeForbidden, "no access to this document"
	default:
		req.role = role
	}
	return req
}

func (g *Gateway) handle(ev event) {
	switch ev.kind {
	case evCall:
		ev.fn()
	case evConnect:
		g.conns[ev.p.ID] = ev.p
	case evJoin:
		g.handleJoin(ev.p, ev.join)
	case evDisconnect:
		g.drop(ev.p)
	case evFrame:
		if ev.p.state != stateJoined {
			return
		}
		switch ev.env.Event {
		case EventDocumentUpdate:
			g.handleUpdate(ev.p, ev.env.Data)
		case EventCursorPosition:
			g.handleCursor(ev.p, ev.env.Data)
		case EventTypingIndicator:
			g.handleTyping(ev.p, ev.env.Data)
		case EventLeaveDocument:
			g.handleLeave(ev.p, ev.env.Data)
		default:
			g.logger.Debug().Str("event", ev.env.Event).Msg("ignoring unknown event")
		}
	}
}

func (g *Gateway) handleJoin(p *Participant, req joinRequest) {
	if p.state != stateUnjoined {
		return
	}
	if req.failCode != "" {
		g.send(p, EventJoinError, ErrorPayload{DocumentID: req.documentID, Code: req.failCode, Message: req.failMsg})
		return
	}

	state, created := g.registry.GetOrCreate(req.documentID)
	first := g.presence.Admit(req.documentID, p)
	if created != first {
		g.logger.Error().Str("document_id", req.documentID).
			Bool("created", created).Bool("first", first).
			Msg("registry and presence disagree")
	}
	p.state = stateJoined
	p.documentID = req.documentID
	p.userID = req.userID
	p.userName = req.userName
	p.role = req.role
	g.joined.Add(1)

	g.logger.Info().
		Str("document_id", req.documentID).
		Str("user_id", req.userID).
		Str("connection_id", p.ID).
		Bool("new_session", created).
		Msg("participant joined")

	members := g.presence.ListActive(req.documentID)
	users := make([]UserInfo, 0, len(members))
	for _, m := range members {
		users = append(users, m.info())
	}
	g.send(p, EventDocumentState, DocumentStatePayload{DocumentID: req.documentID, State: state.Doc.Snapshot()})
	g.send(p, EventUsersList, UsersListPayload{Users: users})
	g.broadcast(req.documentID, p, EventUserJoined, p.info())
}

func (g *Gateway) handleUpdate(p *Participant, data json.RawMessage) {
	var payload UpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		if payload.DocumentID == p.documentID {
			g.send(p, EventUpdateError, ErrorPayload{DocumentID: p.documentID, Code: CodeMalformedUpdate, Message: "update payload cannot be decoded"})
		}
		return
	}
	if payload.DocumentID != p.documentID {
		return
	}
	state, ok := g.registry.Lookup(payload.DocumentID)
	if !ok {
		g.logger.Debug().Err(ErrUnknownSession).Str("document_id", payload.DocumentID).Msg("dropping update")
		return
	}
	if !rbac.Can(p.role, rbac.ActionEdit) {
		g.send(p, EventUpdateError, ErrorPayload{DocumentID: payload.DocumentID, Code: CodeForbidden, Message: ErrForbidden.Error()})
		return
	}
	if err := state.Doc.ApplyUpdate(payload.Update); err != nil {
		g.logger.Warn().Err(err).
			Str("document_id", payload.DocumentID).
			Str("connection_id", p.ID).
			Msg("rejected update")
		code := CodeMalformedUpdate
		if !errors.Is(err, crdt.ErrMalformedUpdate) {
			code = CodeInternal
		}
		g.send(p, EventUpdateError, ErrorPayload{DocumentID: payload.DocumentID, Code: code, Message: err.Error()})
		return
	}
	state.dirty++
	state.lastEditor = p.info()
	g.broadcast(payload.DocumentID, p, EventDocumentUpdate, UpdatePayload{DocumentID: payload.DocumentID, Update: payload.Update})
}

func (g *Gateway) handleCursor(p *Participant, data json.RawMessage) {
	var payload CursorPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.DocumentID != p.documentID {
		return
	}
	p.position = payload.Position
	p.selection = payload.Selection
	g.broadcast(p.documentID, p, EventRemoteCursor, RemoteCursorPayload{
		UserID:       p.userID,
		UserName:     p.userName,
		ConnectionID: p.ID,
		Position:     payload.Position,
		Selection:    payload.Selection,
	})
}

func (g *Gateway) handleTyping(p *Participant, data json.RawMessage) {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.DocumentID != p.documentID {
		return
	}
	p.typing = payload.IsTyping
	g.broadcast(p.documentID, p, EventUserTyping, UserTypingPayload{
		UserID:       p.userID,
		UserName:     p.userName,
		ConnectionID: p.ID,
		IsTyping:     payload.IsTyping,
	})
}

func (g *Gateway) handleLeave(p *Participant, data json.RawMessage) {
	var payload LeavePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
	}
	if payload.DocumentID != "" && payload.DocumentID != p.documentID {
		return
	}
	g.drop(p)
}

// drop takes p to Closed: it withdraws room membership, closes the transport
// and evicts the replica when p was the last one in the room.
func (g *Gateway) drop(p *Participant) {
	if p.state == stateClosed {
		return
	}
	wasJoined := p.state == stateJoined
	p.state = stateClosed
	delete(g.conns, p.ID)
	if !p.transportClosed {
		p.transportClosed = true
		_ = p.transport.Close()
	}
	if !wasJoined {
		return
	}
	g.joined.Add(-1)

	documentID := p.documentID
	if !g.presence.Remove(documentID, p.ID) {
		g.broadcast(documentID, p, EventUserLeft, p.info())
	}
	g.logger.Info().
		Str("document_id", documentID).
		Str("connection_id", p.ID).
		Msg("participant left")

	if state, evicted := g.registry.EvictIfEmpty(documentID, g.presence); evicted {
		g.logger.Info().Str("document_id", documentID).Msg("session evicted")
		if state.dirty > 0 {
			g.enqueueFlush(state, ReasonEvicted)
		}
	}
}

func (g *Gateway) send(p *Participant, event string, payload any) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		g.logger.Error().Err(err).Msg("encode event")
		return
	}
	g.deliverTo(p, env)
}

// broadcast sends one event to every participant of documentID except the
// sender. Participants whose transport fails are reaped after the current
// event; the rest still receive it.
func (g *Gateway) broadcast(documentID string, except *Participant, event string, payload any) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		g.logger.Error().Err(err).Msg("encode event")
		return
	}
	for _, m := range g.presence.ListActive(documentID) {
		if m == except {
			continue
		}
		g.deliverTo(m, env)
	}
}

func (g *Gateway) deliverTo(p *Participant, env Envelope) {
	if p.state == stateClosed || p.failed {
		return
	}
	if err := p.transport.Send(env); err != nil {
		if !isTransportFailure(err) {
			g.logger.Debug().Err(err).Msg("transport returned an unexpected error")
		}
		g.logger.Warn().Err(err).
			Str("connection_id", p.ID).
			Str("document_id", p.documentID).
			Msg("dropping participant after send failure")
		p.failed = true
		g.failed = append(g.failed, p)
	}
}

func (g *Gateway) reapFailed() {
	for len(g.failed) > 0 {
		p := g.failed[0]
		g.failed = g.failed[1:]
		g.drop(p)
	}
}

func (g *Gateway) enqueueFlush(state *SharedState, reason string) {
	if g.flushes == nil {
		return
	}
	g.flushes.push(FlushRequest{
		DocumentID:  state.DocumentID,
		Text:        state.Doc.Text(),
		Snapshot:    state.Doc.Snapshot(),
		UpdateCount: state.dirty,
		Actor:       state.lastEditor,
		Reason:      reason,
	})
	state.dirty = 0
}

func (g *Gateway) flushDirty() {
	for _, id := range g.registry.DocumentIDs() {
		if state, ok := g.registry.Lookup(id); ok && state.dirty > 0 {
			g.enqueueFlush(state, ReasonInterval)
		}
	}
}

func (g *Gateway) shutdown() {
	g.once.Do(func() {
		for _, p := range g.conns {
			p.state = stateClosed
			if !p.transportClosed {
				p.transportClosed = true
				_ = p.transport.Close()
			}
		}
		g.conns = make(map[string]*Participant)
		g.joined.Store(0)

		for _, state := range g.registry.drain() {
			if state.dirty > 0 {
				g.enqueueFlush(state, ReasonShutdown)
			}
		}
		g.presence = NewPresenceTracker()
		if g.flushes != nil {
			g.flushes.stop()
		}
		close(g.stopped)
		g.logger.Info().Msg("collaboration gateway stopped")
	})
}

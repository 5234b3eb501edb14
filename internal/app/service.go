package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"neura/api/internal/auth"
	"neura/api/internal/collab"
	"neura/api/internal/config"
	"neura/api/internal/gitrepo"
	"neura/api/internal/rbac"
	"neura/api/internal/search"
	"neura/api/internal/session"
	"neura/api/internal/store"
)

type Store interface {
	Access(ctx context.Context, documentID, userID string) (rbac.Role, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListCollaborators(ctx context.Context, documentID string) ([]store.Collaborator, error)
	SaveContent(ctx context.Context, input store.SaveContentInput) (store.Version, error)
	Ping(ctx context.Context) error
}

type TicketStore interface {
	Issue(ctx context.Context, identity auth.Identity, ttl time.Duration) (string, error)
	Redeem(ctx context.Context, ticket string) (auth.Identity, error)
	Ping(ctx context.Context) error
}

type GitService interface {
	CommitSnapshot(documentID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error)
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
	SnapshotAt(documentID, hash string) (gitrepo.Snapshot, error)
}

type SearchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
}

// Backends are the optional durable services behind the gateway. A nil field
// disables the features that need it.
type Backends struct {
	Store   Store
	Tickets TicketStore
	Git     GitService
	Search  SearchService
}

// Service owns the collaboration gateway and the request-level operations of
// the HTTP API.
type Service struct {
	cfg      config.Config
	backends Backends
	gateway  *collab.Gateway
	logger   zerolog.Logger
}

func New(cfg config.Config, backends Backends, logger zerolog.Logger) *Service {
	opts := collab.Options{
		Flusher:        NewSaveBack(backends, logger.With().Str("component", "saveback").Logger()),
		FlushInterval:  cfg.FlushInterval,
		AllowAnonymous: cfg.AllowAnonymous,
		Logger:         logger.With().Str("component", "gateway").Logger(),
	}
	if backends.Store != nil {
		opts.Access = accessAdapter{store: backends.Store}
	}
	return &Service{
		cfg:      cfg,
		backends: backends,
		gateway:  collab.NewGateway(collab.NewRegistry(), opts),
		logger:   logger,
	}
}

func (s *Service) Gateway() *collab.Gateway {
	return s.gateway
}

// Run drives the gateway until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.gateway.Run(ctx)
}

type Health struct {
	OK           bool `json:"ok"`
	Sessions     int  `json:"sessions"`
	Participants int  `json:"participants"`
}

func (s *Service) Health() Health {
	return Health{
		OK:           true,
		Sessions:     s.gateway.SessionCount(),
		Participants: s.gateway.Participants(),
	}
}

// Ready pings every configured backend and reports each one.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true
	probe := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	if s.backends.Store != nil {
		probe("database", s.backends.Store.Ping)
	}
	if s.backends.Tickets != nil {
		probe("redis", s.backends.Tickets.Ping)
	}
	return ready, checks
}

func (s *Service) IdentityFromToken(token string) (auth.Identity, error) {
	return auth.ParseToken([]byte(s.cfg.JWTSecret), token)
}

// IssueTicket stores a one-time websocket ticket for identity.
func (s *Service) IssueTicket(ctx context.Context, identity auth.Identity) (string, time.Duration, error) {
	if s.backends.Tickets == nil {
		return "", 0, domainError(http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "Connection tickets are not configured", nil)
	}
	ticket, err := s.backends.Tickets.Issue(ctx, identity, s.cfg.TicketTTL)
	if err != nil {
		return "", 0, err
	}
	return ticket, s.cfg.TicketTTL, nil
}

var errNoCredential = errors.New("no credential")

// HandshakeIdentity resolves the caller of a websocket upgrade from a ticket
// or a bearer token. It returns errNoCredential when neither is present.
func (s *Service) HandshakeIdentity(ctx context.Context, ticket, token string) (auth.Identity, error) {
	if ticket = strings.TrimSpace(ticket); ticket != "" {
		if s.backends.Tickets == nil {
			return auth.Identity{}, domainError(http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "Connection tickets are not configured", nil)
		}
		return s.backends.Tickets.Redeem(ctx, ticket)
	}
	if token = strings.TrimSpace(token); token != "" {
		return s.IdentityFromToken(token)
	}
	return auth.Identity{}, errNoCredential
}

// Sessions lists the live documents the caller can join.
func (s *Service) Sessions(ctx context.Context, identity auth.Identity) ([]collab.SessionInfo, error) {
	all, err := s.gateway.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]collab.SessionInfo, 0, len(all))
	for _, info := range all {
		if s.backends.Store != nil {
			role, err := s.backends.Store.Access(ctx, info.DocumentID, identity.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if !rbac.Can(role, rbac.ActionJoin) {
				continue
			}
		}
		visible = append(visible, info)
	}
	return visible, nil
}

// History lists the saved revisions of a document, newest first.
func (s *Service) History(ctx context.Context, identity auth.Identity, documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if err := s.requireJoin(ctx, identity, documentID); err != nil {
		return nil, err
	}
	if s.backends.Git == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history is not configured", nil)
	}
	items, err := s.backends.Git.History(documentID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.CommitInfo{}, nil
	}
	return items, err
}

func (s *Service) SnapshotAt(ctx context.Context, identity auth.Identity, documentID, hash string) (gitrepo.Snapshot, error) {
	if err := s.requireJoin(ctx, identity, documentID); err != nil {
		return gitrepo.Snapshot{}, err
	}
	if s.backends.Git == nil {
		return gitrepo.Snapshot{}, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Version history is not configured", nil)
	}
	return s.backends.Git.SnapshotAt(documentID, hash)
}

func (s *Service) Search(identity auth.Identity, text string, limit, offset int) search.Response {
	if s.backends.Search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.backends.Search.Search(search.Query{
		Text:   text,
		UserID: identity.ID,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Service) requireJoin(ctx context.Context, identity auth.Identity, documentID string) error {
	if s.backends.Store == nil {
		return nil
	}
	role, err := s.backends.Store.Access(ctx, documentID, identity.ID)
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionJoin) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// accessAdapter exposes the document store as the gateway's access check.
type accessAdapter struct {
	store Store
}

func (a accessAdapter) Access(ctx context.Context, documentID, userID string) (rbac.Role, error) {
	role, err := a.store.Access(ctx, documentID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return rbac.RoleNone, collab.ErrDocumentNotFound
	}
	return role, err
}

var (
	_ TicketStore   = (*session.TicketStore)(nil)
	_ Store         = (*store.PostgresStore)(nil)
	_ GitService    = (*gitrepo.Service)(nil)
	_ SearchService = (*search.Service)(nil)
)

package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"neura/api/internal/auth"
	"neura/api/internal/config"
	"neura/api/internal/gitrepo"
	"neura/api/internal/rbac"
	"neura/api/internal/search"
	"neura/api/internal/store"
)

const testSecret = "test-secret"

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  testSecret,
		TicketTTL:  time.Minute,
		CORSOrigin: "*",
		SendBuffer: 16,
	}
}

// startService runs a service's gateway for the duration of the test and
// returns its HTTP handler.
func startService(t *testing.T, cfg config.Config, backends Backends) (*Service, http.Handler) {
	t.Helper()
	svc := New(cfg, backends, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-svc.Gateway().Done()
	})
	return svc, NewHTTPServer(svc, cfg.CORSOrigin, zerolog.Nop()).Handler()
}

func bearer(t *testing.T, id, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Identity{ID: id, Name: name}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func do(handler http.Handler, method, target, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

type fakeStore struct {
	mu            sync.Mutex
	docs          map[string]store.Document
	roles         map[string]rbac.Role
	collaborators map[string][]store.Collaborator
	saved         []store.SaveContentInput
	pingErr       error
	saveErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:          map[string]store.Document{},
		roles:         map[string]rbac.Role{},
		collaborators: map[string][]store.Collaborator{},
	}
}

func (f *fakeStore) addDocument(doc store.Document, collaborators ...store.Collaborator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	f.roles[doc.ID+"/"+doc.OwnerID] = rbac.RoleOwner
	for _, c := range collaborators {
		c.DocumentID = doc.ID
		f.roles[doc.ID+"/"+c.UserID] = rbac.Normalize(c.Permission)
		f.collaborators[doc.ID] = append(f.collaborators[doc.ID], c)
	}
}

func (f *fakeStore) Access(_ context.Context, documentID, userID string) (rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[documentID]; !ok {
		return rbac.RoleNone, store.ErrNotFound
	}
	return f.roles[documentID+"/"+userID], nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) ListCollaborators(_ context.Context, documentID string) ([]store.Collaborator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Collaborator(nil), f.collaborators[documentID]...), nil
}

func (f *fakeStore) SaveContent(_ context.Context, input store.SaveContentInput) (store.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return store.Version{}, f.saveErr
	}
	if _, ok := f.docs[input.DocumentID]; !ok {
		return store.Version{}, store.ErrNotFound
	}
	f.saved = append(f.saved, input)
	return store.Version{ID: int64(len(f.saved)), DocumentID: input.DocumentID, Content: input.Content}, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) savedContent() []store.SaveContentInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SaveContentInput(nil), f.saved...)
}

type commitCall struct {
	documentID string
	snap       gitrepo.Snapshot
	author     string
	message    string
}

type fakeGit struct {
	mu      sync.Mutex
	commits []commitCall
	err     error
}

func (f *fakeGit) CommitSnapshot(documentID string, snap gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return gitrepo.CommitInfo{}, f.err
	}
	f.commits = append(f.commits, commitCall{documentID: documentID, snap: snap, author: author, message: message})
	return gitrepo.CommitInfo{Hash: "abc1234", Message: message, Author: author}, nil
}

func (f *fakeGit) History(string, int) ([]gitrepo.CommitInfo, error) {
	return nil, gitrepo.ErrNoHistory
}

func (f *fakeGit) SnapshotAt(string, string) (gitrepo.Snapshot, error) {
	return gitrepo.Snapshot{}, gitrepo.ErrNoHistory
}

func (f *fakeGit) calls() []commitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]commitCall(nil), f.commits...)
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.DocumentRecord
	queries []search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{ID: "doc-1", Title: "Launch plan", Snippet: "the <mark>launch</mark>"}},
		Total:   1,
		Query:   q.Text,
	}
}

func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, doc)
}

func (f *fakeSearch) records() []search.DocumentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.DocumentRecord(nil), f.indexed...)
}

var errBoom = errors.New("boom")

package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neura/api/internal/collab"
	"neura/api/internal/config"
	"neura/api/internal/crdt"
	"neura/api/internal/rbac"
	"neura/api/internal/store"
)

func startHTTP(t *testing.T, cfg config.Config, backends Backends) (*Service, string) {
	t.Helper()
	svc, handler := startService(t, cfg, backends)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return svc, srv.URL
}

func wsURL(base string, params url.Values) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws?" + params.Encode()
}

func dialWS(t *testing.T, target string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(collab.Envelope{Event: event, Data: data}))
}

func expect(t *testing.T, conn *websocket.Conn, event string, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env collab.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, event, env.Event, "data=%s", env.Data)
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
}

func tokenParam(t *testing.T, id, name string) url.Values {
	return url.Values{"token": {strings.TrimPrefix(bearer(t, id, name), "Bearer ")}}
}

func TestWebsocketTicketHandshake(t *testing.T) {
	_, base := startHTTP(t, testConfig(), Backends{Tickets: newTicketStore(t)})

	req, err := http.NewRequest(http.MethodPost, base+"/api/collab/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, "u-1", "Avery"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var issued struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	_ = resp.Body.Close()
	require.NotEmpty(t, issued.Ticket)

	conn := dialWS(t, wsURL(base, url.Values{"ticket": {issued.Ticket}}))
	send(t, conn, collab.EventJoinDocument, collab.JoinPayload{DocumentID: "doc-1", UserID: "spoofed", UserName: "Spoofed"})
	expect(t, conn, collab.EventDocumentState, nil)
	var users collab.UsersListPayload
	expect(t, conn, collab.EventUsersList, &users)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "u-1", users.Users[0].UserID)
	assert.Equal(t, "Avery", users.Users[0].UserName)

	// tickets are single use
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(base, url.Values{"ticket": {issued.Ticket}}), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWebsocketCredentials(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		_, base := startHTTP(t, testConfig(), Backends{})

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(base, nil), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	})

	t.Run("bad token", func(t *testing.T) {
		_, base := startHTTP(t, testConfig(), Backends{})

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(base, url.Values{"token": {"garbage"}}), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	})

	t.Run("anonymous allowed", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowAnonymous = true
		_, base := startHTTP(t, cfg, Backends{})

		conn := dialWS(t, wsURL(base, nil))
		send(t, conn, collab.EventJoinDocument, collab.JoinPayload{DocumentID: "doc-1", UserID: "guest", UserName: "Guest"})
		expect(t, conn, collab.EventDocumentState, nil)
		var users collab.UsersListPayload
		expect(t, conn, collab.EventUsersList, &users)
		require.Len(t, users.Users, 1)
		assert.Equal(t, "guest", users.Users[0].UserID)
	})
}

func TestWebsocketJoinChecksDocumentAccess(t *testing.T) {
	fs := newFakeStore()
	fs.addDocument(store.Document{ID: "doc-1", OwnerID: "owner"})
	_, base := startHTTP(t, testConfig(), Backends{Store: fs})

	conn := dialWS(t, wsURL(base, tokenParam(t, "mallory", "Mallory")))

	send(t, conn, collab.EventJoinDocument, collab.JoinPayload{DocumentID: "doc-1"})
	var failure collab.ErrorPayload
	expect(t, conn, collab.EventJoinError, &failure)
	assert.Equal(t, collab.ErrorPayload{DocumentID: "doc-1", Code: collab.CodeForbidden, Message: failure.Message}, failure)

	send(t, conn, collab.EventJoinDocument, collab.JoinPayload{DocumentID: "missing"})
	expect(t, conn, collab.EventJoinError, &failure)
	assert.Equal(t, collab.CodeNotFound, failure.Code)
}

func TestSessionsEndpointListsJoinableDocuments(t *testing.T) {
	fs := newFakeStore()
	fs.addDocument(store.Document{ID: "doc-1", OwnerID: "owner"}, store.Collaborator{UserID: "reader", Permission: string(rbac.RoleRead)})
	_, base := startHTTP(t, testConfig(), Backends{Store: fs})

	conn := dialWS(t, wsURL(base, tokenParam(t, "owner", "Owner")))
	send(t, conn, collab.EventJoinDocument, collab.JoinPayload{DocumentID: "doc-1"})
	expect(t, conn, collab.EventDocumentState, nil)
	expect(t, conn, collab.EventUsersList, nil)

	list := func(id string) []collab.SessionInfo {
		req, err := http.NewRequest(http.MethodGet, base+"/api/collab/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", bearer(t, id, id))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Sessions []collab.SessionInfo `json:"sessions"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body.Sessions
	}

	sessions := list("reader")
	require.Len(t, sessions, 1)
	assert.Equal(t, "doc-1", sessions[0].DocumentID)
	require.Len(t, sessions[0].Participants, 1)
	assert.Equal(t, "owner", sessions[0].Participants[0].UserID)

	assert.Empty(t, list("mallory"))
}

func TestEvictedSessionIsSavedBack(t *testing.T) {
	fs := newFakeStore()
	fs.addDocument(store.Document{ID: "doc-1", Title: "Launch plan", OwnerID: "owner"},
		store.Collaborator{UserID: "writer", Permission: string(rbac.RoleWrite)})
	fg := &fakeGit{}
	fsearch := &fakeSearch{}
	_, base := startHTTP(t, testConfig(), Backends{Store: fs, Git: fg, Search: fsearch})

	conn := dialWS(t, wsURL(base, tokenParam(t, "writer", "Wren")))
	send(t, conn, collab.EventJoinDocument, collab.JoinPayload{DocumentID: "doc-1"})
	expect(t, conn, collab.EventDocumentState, nil)
	expect(t, conn, collab.EventUsersList, nil)

	editor := crdt.NewEditor("wren")
	fragment, err := editor.Insert(0, "hello")
	require.NoError(t, err)
	send(t, conn, collab.EventDocumentUpdate, collab.UpdatePayload{DocumentID: "doc-1", Update: fragment})
	send(t, conn, collab.EventLeaveDocument, collab.LeavePayload{DocumentID: "doc-1"})

	require.Eventually(t, func() bool {
		return len(fs.savedContent()) == 1 && len(fg.calls()) == 1 && len(fsearch.records()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	saved := fs.savedContent()[0]
	assert.Equal(t, "hello", saved.Content)
	assert.Equal(t, "writer", saved.AuthorID)
	assert.Equal(t, "Collaborative session save (evicted)", saved.Message)

	commit := fg.calls()[0]
	assert.Equal(t, "Wren", commit.author)
	assert.Equal(t, "hello", commit.snap.Text)

	record := fsearch.records()[0]
	assert.Equal(t, "Launch plan", record.Title)
	assert.Equal(t, []string{"owner", "writer"}, record.Members)
}

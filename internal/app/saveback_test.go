package app

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neura/api/internal/collab"
	"neura/api/internal/rbac"
	"neura/api/internal/search"
	"neura/api/internal/store"
)

func flushRequest() collab.FlushRequest {
	return collab.FlushRequest{
		DocumentID:  "doc-1",
		Text:        "hello world",
		Snapshot:    []byte(`{"v":1,"ops":[]}`),
		UpdateCount: 3,
		Actor:       collab.UserInfo{UserID: "u-1", UserName: "Avery"},
		Reason:      collab.ReasonInterval,
	}
}

func TestSaveBackWritesEveryBackend(t *testing.T) {
	fs := newFakeStore()
	fs.addDocument(store.Document{ID: "doc-1", Title: "Plan", OwnerID: "owner"},
		store.Collaborator{UserID: "u-1", Permission: string(rbac.RoleWrite)},
		store.Collaborator{UserID: "u-2", Permission: string(rbac.RoleRead)})
	fg := &fakeGit{}
	fsearch := &fakeSearch{}
	saveBack := NewSaveBack(Backends{Store: fs, Git: fg, Search: fsearch}, zerolog.Nop())

	require.NoError(t, saveBack.Flush(context.Background(), flushRequest()))

	saved := fs.savedContent()
	require.Len(t, saved, 1)
	assert.Equal(t, store.SaveContentInput{
		DocumentID: "doc-1",
		Content:    "hello world",
		AuthorID:   "u-1",
		Message:    "Collaborative session save (interval)",
	}, saved[0])

	commits := fg.calls()
	require.Len(t, commits, 1)
	assert.Equal(t, "Avery", commits[0].author)
	assert.Equal(t, `{"v":1,"ops":[]}`, string(commits[0].snap.State))

	assert.Equal(t, []search.DocumentRecord{{
		ID:      "doc-1",
		Title:   "Plan",
		Content: "hello world",
		OwnerID: "owner",
		Members: []string{"owner", "u-1", "u-2"},
	}}, fsearch.records())
}

func TestSaveBackWithoutStore(t *testing.T) {
	fg := &fakeGit{}
	fsearch := &fakeSearch{}
	saveBack := NewSaveBack(Backends{Git: fg, Search: fsearch}, zerolog.Nop())

	req := flushRequest()
	req.Actor = collab.UserInfo{}
	require.NoError(t, saveBack.Flush(context.Background(), req))

	require.Len(t, fg.calls(), 1)
	assert.Equal(t, defaultAuthor, fg.calls()[0].author)
	assert.Equal(t, []search.DocumentRecord{{ID: "doc-1", Content: "hello world"}}, fsearch.records())
}

func TestSaveBackNoBackends(t *testing.T) {
	saveBack := NewSaveBack(Backends{}, zerolog.Nop())
	assert.NoError(t, saveBack.Flush(context.Background(), flushRequest()))
}

func TestSaveBackReportsEveryFailure(t *testing.T) {
	fs := newFakeStore()
	fg := &fakeGit{err: errBoom}
	fsearch := &fakeSearch{}
	saveBack := NewSaveBack(Backends{Store: fs, Git: fg, Search: fsearch}, zerolog.Nop())

	err := saveBack.Flush(context.Background(), flushRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound), "store failure missing: %v", err)
	assert.True(t, errors.Is(err, errBoom), "git failure missing: %v", err)
	assert.Empty(t, fsearch.records())
}

func TestAccessAdapterMapsMissingDocument(t *testing.T) {
	fs := newFakeStore()
	fs.addDocument(store.Document{ID: "doc-1", OwnerID: "owner"})
	access := accessAdapter{store: fs}

	role, err := access.Access(context.Background(), "doc-1", "owner")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, role)

	_, err = access.Access(context.Background(), "missing", "owner")
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)
}

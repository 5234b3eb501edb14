package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestSnapshotHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.CommitSnapshot("doc-1", Snapshot{Text: "hello", State: []byte(`{"v":1,"ops":[]}`)}, "Avery", "Save collaborative session")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", ".git")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, err := svc.CommitSnapshot("doc-1", Snapshot{Text: "hello world", State: []byte(`{"v":1,"ops":[1]}`)}, "Blake", "Save collaborative session")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if second.Hash == first.Hash {
		t.Fatal("expected a new commit")
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Hash != second.Hash || history[0].Author != "Blake" {
		t.Fatalf("newest entry should come first: %+v", history[0])
	}

	limited, err := svc.History("doc-1", 1)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}

	snap, err := svc.SnapshotAt("doc-1", first.Hash)
	if err != nil {
		t.Fatalf("SnapshotAt() error = %v", err)
	}
	if snap.Text != "hello" || string(snap.State) != `{"v":1,"ops":[]}` {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCommitSnapshotSkipsUnchangedContent(t *testing.T) {
	svc := New(t.TempDir())
	snap := Snapshot{Text: "same", State: []byte(`{}`)}

	first, err := svc.CommitSnapshot("doc-1", snap, "Avery", "first")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	again, err := svc.CommitSnapshot("doc-1", snap, "Avery", "again")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("expected HEAD %s, got %s", first.Hash, again.Hash)
	}

	history, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected a single commit, got %d", len(history))
	}
}

func TestHistoryOfUnknownDocument(t *testing.T) {
	svc := New(t.TempDir())

	if _, err := svc.History("never-saved", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if _, err := svc.SnapshotAt("never-saved", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestSnapshotAtUnknownRevision(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.CommitSnapshot("doc-1", Snapshot{Text: "x", State: []byte(`{}`)}, "Avery", "first"); err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}

	_, err := svc.SnapshotAt("doc-1", strings.Repeat("0", 40))
	if !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected ErrRevisionNotFound, got %v", err)
	}
}

func TestRejectsPathLikeDocumentIDs(t *testing.T) {
	svc := New(t.TempDir())

	for _, id := range []string{"", "..", "../escape", `a\b`} {
		if _, err := svc.CommitSnapshot(id, Snapshot{Text: "x"}, "Avery", "msg"); err == nil {
			t.Fatalf("expected error for document id %q", id)
		}
	}
}

func TestConcurrentCommitsOnSameDocument(t *testing.T) {
	svc := New(t.TempDir())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("revision %d", i)
			if _, err := svc.CommitSnapshot("doc-1", Snapshot{Text: text, State: []byte(text)}, "Avery", text); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit failed: %v", err)
	}

	history, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 8 {
		t.Fatalf("expected 8 commits, got %d", len(history))
	}
	for _, entry := range history {
		if !strings.HasPrefix(entry.Message, "revision ") {
			t.Fatalf("unexpected commit message %q", entry.Message)
		}
	}
}

func TestSanitizeEmail(t *testing.T) {
	tests := map[string]string{
		"Avery Stone": "Avery.Stone",
		"x_y-z":       "x.y.z",
		"!!!":         "user",
	}
	for input, want := range tests {
		if got := sanitizeEmail(input); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", input, got, want)
		}
	}
}

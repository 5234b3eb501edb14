package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"neura/api/internal/collab"
	"neura/api/internal/gitrepo"
	"neura/api/internal/search"
	"neura/api/internal/store"
)

const defaultAuthor = "neura"

// SaveBack writes flushed replicas to the document store, the per-document
// git history and the search index. Missing backends are skipped.
type SaveBack struct {
	store  Store
	git    GitService
	search SearchService
	logger zerolog.Logger
}

func NewSaveBack(backends Backends, logger zerolog.Logger) *SaveBack {
	return &SaveBack{
		store:  backends.Store,
		git:    backends.Git,
		search: backends.Search,
		logger: logger,
	}
}

func (s *SaveBack) Flush(ctx context.Context, req collab.FlushRequest) error {
	message := fmt.Sprintf("Collaborative session save (%s)", req.Reason)
	var errs []error

	if s.store != nil {
		version, err := s.store.SaveContent(ctx, store.SaveContentInput{
			DocumentID: req.DocumentID,
			Content:    req.Text,
			AuthorID:   req.Actor.UserID,
			Message:    message,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("save content: %w", err))
		} else {
			s.logger.Debug().
				Str("document_id", req.DocumentID).
				Int64("version_id", version.ID).
				Msg("content saved")
		}
	}

	if s.git != nil {
		author := req.Actor.UserName
		if author == "" {
			author = defaultAuthor
		}
		commit, err := s.git.CommitSnapshot(req.DocumentID, gitrepo.Snapshot{Text: req.Text, State: req.Snapshot}, author, message)
		if err != nil {
			errs = append(errs, fmt.Errorf("commit snapshot: %w", err))
		} else {
			s.logger.Debug().
				Str("document_id", req.DocumentID).
				Str("commit", commit.Hash).
				Msg("snapshot committed")
		}
	}

	if s.search != nil {
		record, err := s.searchRecord(ctx, req)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.search.IndexDocument(record)
		}
	}

	return errors.Join(errs...)
}

// searchRecord builds the index entry for a flushed document. Title and
// members come from the store when there is one.
func (s *SaveBack) searchRecord(ctx context.Context, req collab.FlushRequest) (search.DocumentRecord, error) {
	record := search.DocumentRecord{ID: req.DocumentID, Content: req.Text}
	if s.store == nil {
		return record, nil
	}
	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return record, fmt.Errorf("load document for index: %w", err)
	}
	collaborators, err := s.store.ListCollaborators(ctx, req.DocumentID)
	if err != nil {
		return record, fmt.Errorf("load collaborators for index: %w", err)
	}
	ids := make([]string, 0, len(collaborators))
	for _, c := range collaborators {
		ids = append(ids, c.UserID)
	}
	record.Title = doc.Title
	record.OwnerID = doc.OwnerID
	record.Members = search.Members(doc.OwnerID, ids)
	return record, nil
}

var _ collab.Flusher = (*SaveBack)(nil)

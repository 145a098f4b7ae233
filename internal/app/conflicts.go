package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"fedipedia/api/internal/history"
	"fedipedia/api/internal/merge"
	"fedipedia/api/internal/store"
)

// resolveConflict re-derives a conflict against the origin's current state.
// A clean three-way merge commits (locally) or resubmits (to a remote origin)
// and deletes the conflict, returning nil. Anything else comes back as a
// descriptor with markers. The conflict row itself is never mutated, so the
// operation can run any number of times.
func (s *Service) resolveConflict(ctx context.Context, conflict store.Conflict) (*ConflictView, error) {
	article, err := s.getArticleByID(ctx, conflict.ArticleID)
	if err != nil {
		return nil, err
	}

	// Remote origins are force-refreshed so the merge sees their current
	// chain, not a cached copy.
	if !article.Local {
		instance, err := s.store.GetInstance(ctx, article.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("load article instance: %w", err)
		}
		if _, err := s.directory.RefreshInstance(ctx, instance.APID); err != nil {
			return nil, domainError(http.StatusBadGateway, CodeFetchFailed, "could not refresh origin instance", err.Error())
		}
		article, err = s.getArticleByID(ctx, conflict.ArticleID)
		if err != nil {
			return nil, err
		}
	}

	edits, err := s.store.ListEdits(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	revs := editRevs(edits)

	ancestor, err := history.Reconstruct(revs, conflict.PreviousVersion)
	if err != nil {
		return nil, s.versionError(err)
	}
	ours, err := history.ApplyDiff(ancestor, conflict.Diff)
	if err != nil {
		return nil, fmt.Errorf("apply conflict diff: %w", err)
	}

	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return nil, err
	}

	merged, conflicted := merge.ThreeWay(ancestor, ours, article.Text)
	if conflicted {
		return &ConflictView{
			ID:              conflict.ID,
			Hash:            conflict.Hash,
			Summary:         conflict.Summary,
			ThreeWayMerge:   merged,
			ArticleID:       article.ID,
			ArticleTitle:    article.Title,
			PreviousVersion: latest,
		}, nil
	}

	if article.Local {
		edit, err := s.commitEdit(ctx, article, article.Text, merged, conflict.Summary, conflict.CreatorID, latest)
		if err != nil {
			if errors.Is(err, store.ErrStaleVersion) {
				// Another edit landed mid-merge; the conflict stays open and
				// the next resolution run merges against the new state.
				return s.resolveConflictDescriptor(ctx, conflict, article)
			}
			return nil, err
		}
		article.Text = merged
		s.indexArticle(article)
		s.broadcastEdit(ctx, article, edit)
	} else {
		diff := history.CreateDiff(article.Text, merged)
		requester := Requester{PersonID: conflict.CreatorID}
		if err := s.proposeRemoteEdit(ctx, article, diff, conflict.Summary, latest, requester); err != nil {
			return nil, err
		}
	}

	deleted, err := s.store.DeleteConflict(ctx, conflict.ID, conflict.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("delete merged conflict: %w", err)
	}
	if deleted {
		s.metrics.ConflictsOpen.Dec()
	}
	return nil, nil
}

// resolveConflictDescriptor renders the conflict as a descriptor against the
// article's current latest without attempting another merge commit.
func (s *Service) resolveConflictDescriptor(ctx context.Context, conflict store.Conflict, article store.Article) (*ConflictView, error) {
	latest, err := s.store.LatestVersion(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ListEdits(ctx, article.ID)
	if err != nil {
		return nil, err
	}
	ancestor, err := history.Reconstruct(editRevs(edits), conflict.PreviousVersion)
	if err != nil {
		return nil, s.versionError(err)
	}
	ours, err := history.ApplyDiff(ancestor, conflict.Diff)
	if err != nil {
		return nil, fmt.Errorf("apply conflict diff: %w", err)
	}
	merged, _ := merge.ThreeWay(ancestor, ours, article.Text)
	return &ConflictView{
		ID:              conflict.ID,
		Hash:            conflict.Hash,
		Summary:         conflict.Summary,
		ThreeWayMerge:   merged,
		ArticleID:       article.ID,
		ArticleTitle:    article.Title,
		PreviousVersion: latest,
	}, nil
}

// ListConflicts returns the requester's open conflicts, each re-run through
// auto-merge first so conflicts that became cleanly mergeable disappear.
func (s *Service) ListConflicts(ctx context.Context, requester Requester) ([]ConflictView, error) {
	conflicts, err := s.store.ListConflictsByCreator(ctx, requester.PersonID)
	if err != nil {
		return nil, err
	}
	views := make([]ConflictView, 0, len(conflicts))
	for _, conflict := range conflicts {
		view, err := s.resolveConflict(ctx, conflict)
		if err != nil {
			s.log.Warn().Err(err).Str("conflict", conflict.ID).Msg("conflict re-resolution failed")
			continue
		}
		if view != nil {
			views = append(views, *view)
		}
	}
	return views, nil
}

// DeleteConflict discards one of the requester's own conflicts.
func (s *Service) DeleteConflict(ctx context.Context, conflictID string, requester Requester) error {
	deleted, err := s.store.DeleteConflict(ctx, conflictID, requester.PersonID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, CodeNotFound, "conflict not found", nil)
	}
	s.metrics.ConflictsOpen.Dec()
	return nil
}

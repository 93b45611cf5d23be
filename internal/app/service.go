// Package app composes the version store, diff cache and tag index
// into the read-only query service exposed over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"govwatch/internal/diff"
	"govwatch/internal/diffcache"
	"govwatch/internal/docstore"
	"govwatch/internal/tagindex"
)

// defaultUpdateLimit bounds list responses when the client sends no
// limit of its own.
const defaultUpdateLimit = 50

type Service struct {
	store  *docstore.Store
	index  *tagindex.Index
	diffs  *diffcache.Cache
	engine *diff.Engine
}

func NewService(store *docstore.Store, index *tagindex.Index, diffs *diffcache.Cache, engine *diff.Engine) *Service {
	return &Service{store: store, index: index, diffs: diffs, engine: engine}
}

// Bootstrap rebuilds the tag index from the store's commit history.
// The index is derived state; after a restart the history is the only
// source of truth for it.
func (s *Service) Bootstrap() error {
	paths, err := s.store.Paths()
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	var tagged []tagindex.Tagged
	for _, path := range paths {
		updates, err := s.store.Updates(path)
		if err != nil {
			return fmt.Errorf("replay updates of %s: %w", path, err)
		}
		for _, update := range updates {
			tagged = append(tagged, tagindex.Tagged{
				Update: update,
				Tags:   tagindex.DeriveTags(update.Path, update.Category),
			})
		}
	}
	s.index.Rebuild(tagged)
	log.Printf("app: rebuilt tag index with %d updates over %d documents", len(tagged), len(paths))
	return nil
}

// Ping verifies the diff cache connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.diffs.Ping(ctx)
}

// RecentUpdates returns the latest detected updates across every tag,
// most recent first.
func (s *Service) RecentUpdates(limit int) []tagindex.Tagged {
	if limit <= 0 {
		limit = defaultUpdateLimit
	}
	return s.index.Query("", limit)
}

// Tags lists every known tag.
func (s *Service) Tags() []string {
	return s.index.Tags()
}

// TagUpdates returns the updates filed under a tag prefix, most recent
// first. An unknown prefix yields an empty list, not an error.
func (s *Service) TagUpdates(prefix string, limit int) []tagindex.Tagged {
	if limit <= 0 {
		limit = defaultUpdateLimit
	}
	return s.index.Query(prefix, limit)
}

// DocumentHistory returns every revision of a document, oldest first.
func (s *Service) DocumentHistory(path string) ([]docstore.Revision, error) {
	history, err := s.store.History(path)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not tracked", nil)
	}
	return history, nil
}

// Revision returns one revision's stored bytes.
func (s *Service) Revision(path string, id docstore.RevisionID) ([]byte, error) {
	content, err := s.store.Read(path, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// UpdateDiff is the rendered diff of one update plus its metadata. A
// diff the engine refuses to compute inline is served degraded with
// TooLarge set instead of failing the request.
type UpdateDiff struct {
	Update   tagindex.Tagged `json:"update"`
	Diff     *diff.Result    `json:"diff,omitempty"`
	Inserted int             `json:"inserted"`
	Deleted  int             `json:"deleted"`
	TooLarge bool            `json:"tooLarge,omitempty"`
}

// Diff resolves the update of path at ts and returns its diff, served
// from the cache when present.
func (s *Service) Diff(ctx context.Context, path string, ts time.Time) (UpdateDiff, error) {
	update, err := s.findUpdate(path, ts)
	if err != nil {
		return UpdateDiff{}, err
	}
	out := UpdateDiff{Update: tagindex.Tagged{
		Update: update,
		Tags:   tagindex.DeriveTags(update.Path, update.Category),
	}}

	result, err := s.diffs.GetOrCompute(ctx, update.Previous, update.Current, func() (diff.Result, error) {
		old, err := s.store.Read(path, update.Previous)
		if err != nil {
			return diff.Result{}, err
		}
		current, err := s.store.Read(path, update.Current)
		if err != nil {
			return diff.Result{}, err
		}
		return s.engine.Compute(old, current)
	})
	if errors.Is(err, diff.ErrTooLarge) {
		out.TooLarge = true
		return out, nil
	}
	if err != nil {
		return UpdateDiff{}, fmt.Errorf("diff %s@%s: %w", path, ts.Format(time.RFC3339), err)
	}
	out.Diff = &result
	out.Inserted, out.Deleted = result.Stats()
	return out, nil
}

func (s *Service) findUpdate(path string, ts time.Time) (docstore.Update, error) {
	updates, err := s.store.Updates(path)
	if err != nil {
		return docstore.Update{}, err
	}
	if len(updates) == 0 {
		return docstore.Update{}, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document has no recorded updates", nil)
	}
	for _, update := range updates {
		if update.Timestamp.Equal(ts) {
			return update, nil
		}
	}
	return docstore.Update{}, domainError(http.StatusNotFound, "UPDATE_NOT_FOUND", "No update at that timestamp", nil)
}

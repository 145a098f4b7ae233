// Package search provides article search: Meilisearch when available, a
// Postgres ILIKE scan otherwise.
package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"fedipedia/api/internal/store"
)

type Query struct {
	Text   string
	Limit  int
	Offset int
}

type Result struct {
	ArticleID string `json:"articleId"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
}

// FallbackStore is the Postgres search used when Meilisearch is down or not
// configured.
type FallbackStore interface {
	SearchArticles(ctx context.Context, query string) ([]store.Article, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// database.
type Service struct {
	meili    *Meili
	fallback FallbackStore
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback FallbackStore, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return results, nil
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to database")
	}

	articles, err := s.fallback.SearchArticles(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(articles))
	for _, a := range articles {
		results = append(results, Result{
			ArticleID: a.ID,
			Title:     a.Title,
			Snippet:   snippet(a.Text),
		})
	}
	return results, nil
}

// Index pushes an article into Meilisearch, fire-and-forget.
func (s *Service) Index(record ArticleRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexArticle(record); err != nil {
			s.log.Warn().Err(err).Str("article", record.ID).Msg("index article")
		}
	}()
}

// Delete removes an article from Meilisearch, fire-and-forget.
func (s *Service) Delete(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteArticle(id); err != nil {
			s.log.Warn().Err(err).Str("article", id).Msg("delete article from index")
		}
	}()
}

// Close stops the Meilisearch health monitor if one is running.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 200 {
		return text
	}
	cut := text[:200]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

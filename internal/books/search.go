package books

import (
	"context"
	"encoding/json"

	"github.com/meilisearch/meilisearch-go"

	"libranexus/pkg/logging"
	"libranexus/pkg/projection"
)

const searchIndex = "books"

// SearchService serves catalog search from Meilisearch, falling back to
// the Postgres projection on any search-backend fault so the catalog
// stays listable when the index is down; the fallback does not filter by
// the query text.
type SearchService struct {
	client meilisearch.ServiceManager
	repo   *Repository
	log    logging.Logger
}

func NewSearchService(url, apiKey string, repo *Repository, log logging.Logger) *SearchService {
	if log == nil {
		log = logging.Noop()
	}
	client := meilisearch.New(url, meilisearch.WithAPIKey(apiKey))
	return &SearchService{client: client, repo: repo, log: log.With("component", "books.search")}
}

// IndexBook upserts a book's searchable fields. Best-effort: a search-index
// fault is logged, never returned, mirroring cache invalidation's failure
// mode. The books projection handler does not call IndexBook or
// RemoveFromIndex; nothing in this package keeps the index in step with
// the projection.
func (s *SearchService) IndexBook(ctx context.Context, doc Doc) {
	_, err := s.client.Index(searchIndex).AddDocuments([]Doc{doc}, "id")
	if err != nil {
		s.log.Warn("meilisearch index failed, catalog remains searchable via database fallback", "bookId", doc.ID, "error", err)
	}
}

// RemoveFromIndex deletes a book from the search index.
func (s *SearchService) RemoveFromIndex(ctx context.Context, id string) {
	_, err := s.client.Index(searchIndex).DeleteDocument(id)
	if err != nil {
		s.log.Warn("meilisearch delete failed", "bookId", id, "error", err)
	}
}

// Search implements searchCatalog: tries Meilisearch first and, on any
// backend error, falls back to the projection repository, returning the
// requested page of non-deleted books ordered by title. The fallback does
// not apply the query text.
func (s *SearchService) Search(ctx context.Context, query string, page, limit int) (projection.Page[Doc], error) {
	offset := (page - 1) * limit
	resp, err := s.client.Index(searchIndex).Search(query, &meilisearch.SearchRequest{
		Limit:  int64(limit),
		Offset: int64(offset),
	})
	if err != nil {
		s.log.Warn("meilisearch search failed, falling back to database", "query", query, "error", err)
		return s.fallback(ctx, query, page, limit)
	}

	docs := make([]Doc, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, marshalErr := json.Marshal(hit)
		if marshalErr != nil {
			continue
		}
		var d Doc
		if json.Unmarshal(raw, &d) == nil {
			docs = append(docs, d)
		}
	}

	return projection.Page[Doc]{
		Data:  docs,
		Total: int(resp.EstimatedTotalHits),
		Page:  page,
		Limit: limit,
	}, nil
}

func (s *SearchService) fallback(ctx context.Context, query string, page, limit int) (projection.Page[Doc], error) {
	skip := (page - 1) * limit
	return s.repo.Search(ctx, projection.Filter{}, projection.QueryOptions{
		Skip: skip, Limit: limit, SortBy: "title", SortOrder: "asc",
	})
}

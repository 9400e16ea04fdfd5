// Defines the document adapter contract shared by every backend.

package docstore

import (
	"context"

	"github.com/maruel/docstore/internal/jsondb"
)

// Document is one JSON object.
type Document = jsondb.Document

// GetDocumentsRequest selects, sorts and pages documents.
type GetDocumentsRequest struct {
	Collection string
	Match      map[string]any
	// Sort is a string ("a -b"), a list of [field, direction] pairs, a map of
	// field to direction, []query.SortKey, or JSON bytes of any of these.
	Sort     any
	Populate []string
	// Page is 1-based. Nil returns every matching document.
	Page     *int
	PageSize *int
}

// PageResult is one page of documents. Count is the number of matching
// documents across all pages.
type PageResult struct {
	Data        []Document `json:"data"`
	Count       int        `json:"count"`
	CurrentPage int        `json:"currentPage"`
	TotalPages  int        `json:"totalPages"`
}

// MatchRequest targets the documents of Collection matching Match.
type MatchRequest struct {
	Collection string
	Match      map[string]any
}

// CreateDocumentRequest creates a document from Update.
type CreateDocumentRequest struct {
	Collection string
	Update     map[string]any
}

// UpdateDocumentRequest shallow-merges Update onto the first document
// matching Match.
type UpdateDocumentRequest struct {
	Collection string
	Match      map[string]any
	Update     map[string]any
}

// DocumentResult holds a single document. Data is nil when nothing matched.
type DocumentResult struct {
	Data Document `json:"data"`
}

// Adapter is the persistence contract consumed by the application. Not found
// is never an error: callers check for a nil document or a zero count.
type Adapter interface {
	GetDocuments(ctx context.Context, req GetDocumentsRequest) (PageResult, error)
	GetDocument(ctx context.Context, req MatchRequest) (DocumentResult, error)
	CountDocuments(ctx context.Context, req MatchRequest) (int, error)
	CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error)
	UpdateDocument(ctx context.Context, req UpdateDocumentRequest) (DocumentResult, error)
	DeleteDocument(ctx context.Context, req MatchRequest) error
	DeleteDocuments(ctx context.Context, req MatchRequest) (int, error)
}

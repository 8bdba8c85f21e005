package index

import "context"

//go:generate mockgen -package mocks -destination mocks/mock.go github.com/jinayshah7/articleSearch/services/articlesearch/index Engine

// DefaultLimit is the page size used when a search request leaves Limit unset.
const DefaultLimit = 10

// Engine is implemented by the search back-ends. One Engine value owns one
// long-lived connection to the engine and is shared by the administrator and
// the executor.
type Engine interface {
	CreateIndex(ctx context.Context, name string) error
	PutMapping(ctx context.Context, index string, mapping *Mapping) error
	Index(ctx context.Context, index, docType string, doc *Document) error
	Search(ctx context.Context, index string, req SearchRequest) (*SearchResult, error)
	Close() error
}

// Document is the record stored in an index.
type Document struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type QueryType uint8

const (
	// QueryTypeIDs matches documents whose identifier is in Query.IDs.
	QueryTypeIDs QueryType = iota

	// QueryTypeTerm matches documents where Query.Field holds the
	// un-analyzed term Query.Expression.
	QueryTypeTerm

	// QueryTypeString parses Query.Expression with the engine's query
	// string syntax, using Query.Field as the default field.
	QueryTypeString

	// QueryTypeMatchAll matches every document.
	QueryTypeMatchAll
)

func (t QueryType) String() string {
	switch t {
	case QueryTypeIDs:
		return "ids"
	case QueryTypeTerm:
		return "term"
	case QueryTypeString:
		return "query_string"
	case QueryTypeMatchAll:
		return "match_all"
	default:
		return "unknown"
	}
}

type Query struct {
	Type       QueryType
	IDs        []int64
	Field      string
	Expression string
}

// Highlight asks the engine for a fragment of Field with every match wrapped
// in PreTag and PostTag.
type Highlight struct {
	Field   string
	PreTag  string
	PostTag string
}

type SearchRequest struct {
	Query     Query
	Offset    int
	Limit     int
	Highlight *Highlight

	// After resumes the relevance order (score descending, id ascending)
	// right behind a previously returned hit. It replaces Offset, which
	// must be 0, and is not bound by the engine's result window.
	After *Cursor
}

// Cursor marks the position of a hit in the relevance order.
type Cursor struct {
	Score float64
	ID    int64
}

// CursorOf returns the position of h.
func CursorOf(h *Hit) *Cursor {
	return &Cursor{Score: h.Score, ID: h.Document.ID}
}

// Size returns the effective page size of the request.
func (r SearchRequest) Size() int {
	if r.Limit <= 0 {
		return DefaultLimit
	}
	return r.Limit
}

type SearchResult struct {
	Total uint64
	Hits  []Hit
}

// Hit is a matched document. Fragments is nil unless highlighting was
// requested and the engine produced a fragment for the document.
type Hit struct {
	Document  *Document
	Score     float64
	Fragments []string
}

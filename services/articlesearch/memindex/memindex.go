// Package memindex provides an in-process index.Engine backed by in-memory
// bleve indices. It mirrors the behavior of the Elasticsearch engine closely
// enough for the tools to run without a cluster and for tests to exercise
// real query semantics.
package memindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/hashicorp/go-multierror"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"golang.org/x/xerrors"
)

var _ index.Engine = (*Engine)(nil)

// ErrClosed is returned by every operation on a closed Engine.
var ErrClosed = xerrors.New("engine is closed")

// Analyzer names accepted in a mapping and the bleve analyzer serving them.
var analyzers = map[string]string{
	"":         standard.Name,
	"standard": standard.Name,
	"simple":   simple.Name,
	"keyword":  keyword.Name,
	"english":  en.AnalyzerName,
	"en":       en.AnalyzerName,
}

type storedDoc struct {
	doc    index.Document
	fields map[string]interface{}
}

type memIndex struct {
	mapping *index.Mapping
	idx     bleve.Index
	docs    map[string]storedDoc

	// numeric records the fields that were seen holding numbers; bleve maps
	// them dynamically as numeric fields, like a dynamic long mapping.
	numeric map[string]bool
}

// Engine keeps one bleve index per index name.
type Engine struct {
	mu      sync.RWMutex
	indices map[string]*memIndex
	closed  bool
}

func NewEngine() *Engine {
	return &Engine{indices: make(map[string]*memIndex)}
}

func (e *Engine) CreateIndex(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, exists := e.indices[name]; exists {
		return xerrors.Errorf("create index %q: %w", name, index.NewIndexExistsError(name))
	}

	mi, err := newMemIndex(nil)
	if err != nil {
		return xerrors.Errorf("create index %q: %w", name, err)
	}
	e.indices[name] = mi
	return nil
}

// PutMapping replaces the mapping of an existing index and reindexes the
// documents it already holds.
func (e *Engine) PutMapping(ctx context.Context, name string, m *index.Mapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return xerrors.Errorf("put mapping %q: %w", name, mapperError(err.Error()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	mi, exists := e.indices[name]
	if !exists {
		return xerrors.Errorf("put mapping %q: %w", name, index.NewIndexNotFoundError(name))
	}

	idx, err := newBleveIndex(m)
	if err != nil {
		return xerrors.Errorf("put mapping %q: %w", name, err)
	}

	batch := idx.NewBatch()
	for id, stored := range mi.docs {
		if err = batch.Index(id, stored.fields); err != nil {
			_ = idx.Close()
			return xerrors.Errorf("put mapping %q: reindex %s: %w", name, id, err)
		}
	}
	if err = idx.Batch(batch); err != nil {
		_ = idx.Close()
		return xerrors.Errorf("put mapping %q: reindex: %w", name, err)
	}

	old := mi.idx
	mi.idx, mi.mapping = idx, m
	return old.Close()
}

// Index stores doc under its id, replacing any previous document with the
// same id. A missing index is created with the default mapping.
func (e *Engine) Index(ctx context.Context, name, _ string, doc *index.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return &index.SerializationError{What: "encode document", Err: err}
	}
	var fields map[string]interface{}
	if err = json.Unmarshal(data, &fields); err != nil {
		return &index.SerializationError{What: "encode document", Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	mi, exists := e.indices[name]
	if !exists {
		if mi, err = newMemIndex(nil); err != nil {
			return xerrors.Errorf("index document %d: %w", doc.ID, err)
		}
		e.indices[name] = mi
	}

	id := strconv.FormatInt(doc.ID, 10)
	if err = mi.idx.Index(id, fields); err != nil {
		return xerrors.Errorf("index document %d: %w", doc.ID, err)
	}
	mi.docs[id] = storedDoc{doc: *doc, fields: fields}
	for name, v := range fields {
		if _, isNumber := v.(float64); isNumber {
			mi.numeric[name] = true
		}
	}
	return nil
}

func (e *Engine) Search(ctx context.Context, name string, req index.SearchRequest) (*index.SearchResult, error) {
	if req.Offset < 0 {
		return nil, &index.EngineError{Status: 400, Type: "illegal_argument_exception", Reason: "[from] parameter cannot be negative"}
	}
	if req.After != nil && req.Offset != 0 {
		return nil, &index.EngineError{Status: 400, Type: "illegal_argument_exception", Reason: "[from] parameter must be set to 0 when [search_after] is used"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}
	mi, exists := e.indices[name]
	if !exists {
		return nil, xerrors.Errorf("search %q: %w", name, index.NewIndexNotFoundError(name))
	}

	q, err := mi.buildQuery(req.Query)
	if err != nil {
		return nil, xerrors.Errorf("search %q: %w", name, err)
	}

	searchReq := bleve.NewSearchRequestOptions(q, req.Size(), req.Offset, false)
	searchReq.SortBy([]string{"-_score", "_id"})
	if req.After != nil {
		searchReq.SetSearchAfter([]string{
			strconv.FormatFloat(req.After.Score, 'g', -1, 64),
			strconv.FormatInt(req.After.ID, 10),
		})
	}
	searchReq.IncludeLocations = req.Highlight != nil

	res, err := mi.idx.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, xerrors.Errorf("search %q: %w", name, err)
	}

	out := &index.SearchResult{
		Total: res.Total,
		Hits:  make([]index.Hit, 0, len(res.Hits)),
	}
	for _, match := range res.Hits {
		stored, ok := mi.docs[match.ID]
		if !ok {
			continue
		}
		doc := stored.doc
		hit := index.Hit{Document: &doc, Score: match.Score}
		if h := req.Highlight; h != nil {
			if fragment, ok := highlight(stored.fields[h.Field], match.Locations[h.Field], h.PreTag, h.PostTag); ok {
				hit.Fragments = []string{fragment}
			}
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	for name, mi := range e.indices {
		if cErr := mi.idx.Close(); cErr != nil {
			err = multierror.Append(err, xerrors.Errorf("close index %q: %w", name, cErr))
		}
	}
	return err
}

func newMemIndex(m *index.Mapping) (*memIndex, error) {
	idx, err := newBleveIndex(m)
	if err != nil {
		return nil, err
	}
	return &memIndex{mapping: m, idx: idx, docs: make(map[string]storedDoc), numeric: make(map[string]bool)}, nil
}

// newBleveIndex builds an in-memory index. A nil mapping yields bleve's
// dynamic default mapping.
func newBleveIndex(m *index.Mapping) (bleve.Index, error) {
	indexMapping := bleve.NewIndexMapping()
	if m != nil {
		docMapping := bleve.NewDocumentMapping()
		for _, name := range m.FieldNames() {
			fm, err := fieldMapping(name, m.Fields[name])
			if err != nil {
				return nil, err
			}
			docMapping.AddFieldMappingsAt(name, fm)
		}
		indexMapping.DefaultMapping = docMapping
	}
	if err := indexMapping.Validate(); err != nil {
		return nil, mapperError(err.Error())
	}
	return bleve.NewMemOnly(indexMapping)
}

func fieldMapping(name string, f index.FieldMapping) (*mapping.FieldMapping, error) {
	var fm *mapping.FieldMapping
	switch f.Type {
	case index.FieldTypeLong:
		fm = bleve.NewNumericFieldMapping()
	case index.FieldTypeKeyword:
		fm = bleve.NewKeywordFieldMapping()
	case index.FieldTypeText:
		analyzer, ok := analyzers[f.Analyzer]
		if !ok {
			return nil, mapperError(fmt.Sprintf("analyzer [%s] has not been configured in mappings for field [%s]", f.Analyzer, name))
		}
		fm = bleve.NewTextFieldMapping()
		fm.Analyzer = analyzer
		fm.IncludeTermVectors = true
	default:
		return nil, mapperError(fmt.Sprintf("no handler for type [%s] declared on field [%s]", f.Type, name))
	}
	fm.Store = f.Store
	return fm, nil
}

func mapperError(reason string) *index.EngineError {
	return &index.EngineError{Status: 400, Type: "mapper_parsing_exception", Reason: reason}
}

func queryError(reason string) *index.EngineError {
	return &index.EngineError{Status: 400, Type: "query_shard_exception", Reason: reason}
}

func (mi *memIndex) buildQuery(q index.Query) (query.Query, error) {
	switch q.Type {
	case index.QueryTypeIDs:
		ids := make([]string, 0, len(q.IDs))
		for _, id := range q.IDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		return bleve.NewDocIDQuery(ids), nil
	case index.QueryTypeTerm:
		return mi.termQuery(q.Field, q.Expression)
	case index.QueryTypeString:
		return parseQueryString(q.Expression, q.Field)
	default:
		return bleve.NewMatchAllQuery(), nil
	}
}

// termQuery matches value without analysis. Fields mapped as long, or
// dynamically mapped fields holding numbers, are matched numerically.
func (mi *memIndex) termQuery(field, value string) (query.Query, error) {
	if mi.isNumeric(field) {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, queryError(fmt.Sprintf("failed to create query: for input string: %q", value))
		}
		inclusive := true
		q := bleve.NewNumericRangeInclusiveQuery(&v, &v, &inclusive, &inclusive)
		q.SetField(field)
		return q, nil
	}

	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q, nil
}

func (mi *memIndex) isNumeric(field string) bool {
	if f, ok := mi.mapping.Field(field); ok {
		return f.Type == index.FieldTypeLong
	}
	return mi.numeric[field]
}

func parseQueryString(expr, field string) (query.Query, error) {
	if strings.TrimSpace(expr) == "" {
		return bleve.NewMatchNoneQuery(), nil
	}
	q, err := bleve.NewQueryStringQuery(expr).Parse()
	if err != nil {
		return nil, queryError(fmt.Sprintf("failed to parse query [%s]: %v", expr, err))
	}
	setDefaultField(q, field)
	return q, nil
}

// setDefaultField points every clause of a parsed query string that names no
// field at field.
func setDefaultField(q query.Query, field string) {
	switch q := q.(type) {
	case *query.BooleanQuery:
		if q == nil {
			return
		}
		for _, clause := range []query.Query{q.Must, q.Should, q.MustNot} {
			if clause != nil {
				setDefaultField(clause, field)
			}
		}
	case *query.ConjunctionQuery:
		if q == nil {
			return
		}
		for _, clause := range q.Conjuncts {
			setDefaultField(clause, field)
		}
	case *query.DisjunctionQuery:
		if q == nil {
			return
		}
		for _, clause := range q.Disjuncts {
			setDefaultField(clause, field)
		}
	case query.FieldableQuery:
		if q.Field() == "" {
			q.SetField(field)
		}
	}
}

// highlight wraps every located term of value in pre and post. It reports
// false when value is not a string or no term was located in it.
func highlight(value interface{}, terms search.TermLocationMap, pre, post string) (string, bool) {
	text, ok := value.(string)
	if !ok || len(terms) == 0 {
		return "", false
	}

	var spans [][2]int
	for _, locations := range terms {
		for _, loc := range locations {
			start, end := int(loc.Start), int(loc.End)
			if start >= end || end > len(text) {
				continue
			}
			spans = append(spans, [2]int{start, end})
		}
	}
	if len(spans) == 0 {
		return "", false
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	var b strings.Builder
	last := 0
	for _, span := range spans {
		if span[0] < last {
			continue
		}
		b.WriteString(text[last:span[0]])
		b.WriteString(pre)
		b.WriteString(text[span[0]:span[1]])
		b.WriteString(post)
		last = span[1]
	}
	b.WriteString(text[last:])
	return b.String(), true
}

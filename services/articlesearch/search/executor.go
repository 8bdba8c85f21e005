package search

import (
	"context"
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"github.com/jinayshah7/articleSearch/services/articlesearch/metrics"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	DefaultPreTag  = "<em>"
	DefaultPostTag = "</em>"

	// MaxWindow bounds offset+limit of a page, matching the engine's default
	// result window.
	MaxWindow = 10000

	defaultBatchSize = 10
)

type Config struct {
	Engine index.Engine
	Logger *logrus.Entry
	Clock  clock.Clock

	// PreTag and PostTag wrap highlighted terms.
	PreTag  string
	PostTag string

	// BatchSize is the number of results fetched per round-trip by
	// iterators.
	BatchSize int
}

func (cfg *Config) validate() error {
	var err error
	if cfg.Engine == nil {
		err = multierror.Append(err, xerrors.New("search engine has not been provided"))
	}
	if cfg.BatchSize < 0 {
		err = multierror.Append(err, xerrors.New("batch size must not be negative"))
	}
	if (cfg.PreTag == "") != (cfg.PostTag == "") {
		err = multierror.Append(err, xerrors.New("highlight pre and post tags must be set together"))
	}
	if cfg.PreTag == "" && cfg.PostTag == "" {
		cfg.PreTag, cfg.PostTag = DefaultPreTag, DefaultPostTag
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return err
}

// Page is one window of a ranked result set.
type Page struct {
	Offset  int
	Total   uint64
	Hits    []index.Hit
	HasMore bool
}

// Documents returns the documents of the page in rank order.
func (p *Page) Documents() []*index.Document {
	docs := make([]*index.Document, 0, len(p.Hits))
	for i := range p.Hits {
		docs = append(docs, p.Hits[i].Document)
	}
	return docs
}

// Executor runs read-only queries against an index.
type Executor struct {
	cfg Config
}

func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("query executor: config validation failed: %w", err)
	}
	return &Executor{cfg: cfg}, nil
}

// FindByIDs returns the documents whose id is in ids. Unknown ids are
// silently absent from the result.
func (e *Executor) FindByIDs(ctx context.Context, indexName string, ids []int64) (docs []*index.Document, err error) {
	defer e.observe("find_by_ids", e.cfg.Clock.Now(), &err, logrus.Fields{"index": indexName, "ids": len(ids)})

	unique := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return []*index.Document{}, nil
	}

	res, err := e.cfg.Engine.Search(ctx, indexName, index.SearchRequest{
		Query: index.Query{Type: index.QueryTypeIDs, IDs: unique},
		Limit: len(unique),
	})
	if err != nil {
		return nil, xerrors.Errorf("find by ids: %w", err)
	}

	docs = make([]*index.Document, 0, len(res.Hits))
	for i := range res.Hits {
		docs = append(docs, res.Hits[i].Document)
	}
	return docs, nil
}

// FindByExactField iterates over the documents whose field holds the
// un-analyzed term value.
func (e *Executor) FindByExactField(ctx context.Context, indexName, field, value string) (it Iterator, err error) {
	defer e.observe("find_by_term", e.cfg.Clock.Now(), &err, logrus.Fields{"index": indexName, "field": field})

	if field == "" {
		return nil, xerrors.New("find by term: field not specified")
	}
	it, err = e.iterate(ctx, indexName, index.Query{Type: index.QueryTypeTerm, Field: field, Expression: value})
	if err != nil {
		return nil, xerrors.Errorf("find by term: %w", err)
	}
	return it, nil
}

// FindByQueryText iterates, in relevance order, over the documents matching
// queryText parsed with the engine's query string syntax. Clauses that name
// no field apply to field.
func (e *Executor) FindByQueryText(ctx context.Context, indexName, field, queryText string) (it Iterator, err error) {
	defer e.observe("find_by_text", e.cfg.Clock.Now(), &err, logrus.Fields{"index": indexName, "field": field})

	it, err = e.iterate(ctx, indexName, textQuery(field, queryText))
	if err != nil {
		return nil, xerrors.Errorf("find by text: %w", err)
	}
	return it, nil
}

// FindPaged returns the window [offset, offset+limit) of the ranked matches
// of queryText together with the total match count. A negative offset is
// treated as 0 and a non-positive limit as index.DefaultLimit.
func (e *Executor) FindPaged(ctx context.Context, indexName, field, queryText string, offset, limit int) (page *Page, err error) {
	defer e.observe("find_paged", e.cfg.Clock.Now(), &err, logrus.Fields{"index": indexName, "field": field, "offset": offset, "limit": limit})

	page, err = e.page(ctx, indexName, textQuery(field, queryText), offset, limit, nil)
	if err != nil {
		return nil, xerrors.Errorf("find paged: %w", err)
	}
	return page, nil
}

// FindHighlighted behaves like FindPaged and additionally attaches to every
// hit a fragment of highlightField with the matched terms wrapped in the
// configured tags. Hits without a highlightable fragment carry none.
func (e *Executor) FindHighlighted(ctx context.Context, indexName, field, queryText, highlightField string, offset, limit int) (page *Page, err error) {
	defer e.observe("find_highlighted", e.cfg.Clock.Now(), &err, logrus.Fields{"index": indexName, "field": field, "highlight": highlightField})

	if highlightField == "" {
		return nil, xerrors.New("find highlighted: highlight field not specified")
	}
	h := &index.Highlight{Field: highlightField, PreTag: e.cfg.PreTag, PostTag: e.cfg.PostTag}
	page, err = e.page(ctx, indexName, textQuery(field, queryText), offset, limit, h)
	if err != nil {
		return nil, xerrors.Errorf("find highlighted: %w", err)
	}
	return page, nil
}

func textQuery(field, queryText string) index.Query {
	return index.Query{Type: index.QueryTypeString, Field: field, Expression: queryText}
}

func (e *Executor) page(ctx context.Context, indexName string, q index.Query, offset, limit int, h *index.Highlight) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = index.DefaultLimit
	}
	if offset >= MaxWindow {
		return nil, xerrors.Errorf("offset %d exceeds the result window of %d", offset, MaxWindow)
	}
	if offset+limit > MaxWindow {
		limit = MaxWindow - offset
	}

	res, err := e.cfg.Engine.Search(ctx, indexName, index.SearchRequest{
		Query:     q,
		Offset:    offset,
		Limit:     limit,
		Highlight: h,
	})
	if err != nil {
		return nil, err
	}

	hits := res.Hits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &Page{
		Offset:  offset,
		Total:   res.Total,
		Hits:    hits,
		HasMore: uint64(offset+len(hits)) < res.Total,
	}, nil
}

func (e *Executor) iterate(ctx context.Context, indexName string, q index.Query) (Iterator, error) {
	req := index.SearchRequest{Query: q, Limit: e.cfg.BatchSize}
	rs, err := e.cfg.Engine.Search(ctx, indexName, req)
	if err != nil {
		return nil, err
	}
	return &resultIterator{ctx: ctx, engine: e.cfg.Engine, index: indexName, req: req, rs: rs}, nil
}

func (e *Executor) observe(op string, start time.Time, err *error, fields logrus.Fields) {
	took := e.cfg.Clock.Now().Sub(start)
	metrics.Observe("search", op, took, *err)

	entry := e.cfg.Logger.WithFields(fields).WithField("took", took)
	if *err != nil {
		entry.WithField("err", *err).Error(op + " failed")
		return
	}
	entry.Debug(op)
}

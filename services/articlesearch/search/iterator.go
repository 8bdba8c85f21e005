package search

import (
	"context"

	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
)

// Iterator walks a result set that is fetched from the engine in batches,
// in relevance order with ties broken by document id.
type Iterator interface {
	// Next advances the iterator. It returns false when the results are
	// exhausted or an error occurred.
	Next() bool

	// Hit returns the current hit.
	Hit() *index.Hit

	// Document returns the document of the current hit.
	Document() *index.Document

	// TotalCount returns the number of matches reported by the engine.
	TotalCount() uint64

	Error() error
	Close() error
}

type resultIterator struct {
	ctx    context.Context
	engine index.Engine
	index  string
	req    index.SearchRequest

	// The current batch and the position inside it.
	rs    *index.SearchResult
	rsIdx int

	// The number of hits consumed across all batches.
	cumIdx uint64

	latched *index.Hit
	lastErr error
}

func (it *resultIterator) Next() bool {
	if it.lastErr != nil || it.rs == nil || it.cumIdx >= it.rs.Total {
		return false
	}

	if it.rsIdx >= len(it.rs.Hits) {
		if len(it.rs.Hits) == 0 {
			return false
		}
		// Resume behind the last hit of the batch; unlike an offset this is
		// not bound by the engine's result window.
		it.req.Offset = 0
		it.req.After = index.CursorOf(&it.rs.Hits[len(it.rs.Hits)-1])
		rs, err := it.engine.Search(it.ctx, it.index, it.req)
		if err != nil {
			it.lastErr = err
			return false
		}
		it.rs, it.rsIdx = rs, 0
		if len(rs.Hits) == 0 {
			return false
		}
	}

	it.latched = &it.rs.Hits[it.rsIdx]
	it.rsIdx++
	it.cumIdx++
	return true
}

func (it *resultIterator) Hit() *index.Hit { return it.latched }

func (it *resultIterator) Document() *index.Document {
	if it.latched == nil {
		return nil
	}
	return it.latched.Document
}

func (it *resultIterator) TotalCount() uint64 {
	if it.rs == nil {
		return 0
	}
	return it.rs.Total
}

func (it *resultIterator) Error() error { return it.lastErr }

func (it *resultIterator) Close() error {
	it.rs = nil
	it.latched = nil
	return nil
}

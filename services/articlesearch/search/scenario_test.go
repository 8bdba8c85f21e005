package search_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinayshah7/articleSearch/services/articlesearch/admin"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"github.com/jinayshah7/articleSearch/services/articlesearch/memindex"
	"github.com/jinayshah7/articleSearch/services/articlesearch/search"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(ScenarioTestSuite))

const (
	indexName = "index-es"
	docType   = "article"
)

// ScenarioTestSuite drives the administrator and the executor against the
// embedded engine.
type ScenarioTestSuite struct {
	engine *memindex.Engine
	adm    *admin.Administrator
	exec   *search.Executor
}

func (s *ScenarioTestSuite) SetUpTest(c *gc.C) {
	var err error
	s.engine = memindex.NewEngine()
	s.adm, err = admin.NewAdministrator(admin.Config{Engine: s.engine})
	c.Assert(err, gc.IsNil)
	s.exec, err = search.NewExecutor(search.Config{Engine: s.engine, BatchSize: 7})
	c.Assert(err, gc.IsNil)

	ctx := context.TODO()
	c.Assert(s.adm.CreateIndex(ctx, indexName), gc.IsNil)
	c.Assert(s.adm.DefineMapping(ctx, indexName, docType, index.DocumentMapping(docType, "standard").Fields), gc.IsNil)
}

func (s *ScenarioTestSuite) TearDownTest(c *gc.C) {
	c.Assert(s.engine.Close(), gc.IsNil)
}

func (s *ScenarioTestSuite) seed(c *gc.C) {
	docs := make([]*index.Document, 0, 197)
	for i := int64(3); i < 200; i++ {
		docs = append(docs, &index.Document{
			ID:      i,
			Title:   fmt.Sprintf("how blue the ocean is %d", i),
			Content: fmt.Sprintf("walking towards the sea %d", i),
		})
	}
	res, err := s.adm.InsertBatch(context.TODO(), indexName, docType, docs)
	c.Assert(err, gc.IsNil)
	c.Assert(res.Indexed, gc.HasLen, 197)
}

func (s *ScenarioTestSuite) TestInsertThenFindByID(c *gc.C) {
	doc := &index.Document{ID: 1, Title: "ocean test", Content: "I like the sea"}
	c.Assert(s.adm.InsertOne(context.TODO(), indexName, docType, doc), gc.IsNil)

	docs, err := s.exec.FindByIDs(context.TODO(), indexName, []int64{1})
	c.Assert(err, gc.IsNil)
	c.Assert(docs, gc.HasLen, 1)
	c.Assert(docs[0].Title, gc.Equals, "ocean test")
	c.Assert(*docs[0], gc.DeepEquals, *doc)
}

func (s *ScenarioTestSuite) TestLatestWriteWins(c *gc.C) {
	ctx := context.TODO()
	c.Assert(s.adm.InsertOne(ctx, indexName, docType, &index.Document{ID: 2, Title: "before", Content: "x"}), gc.IsNil)
	c.Assert(s.adm.InsertOne(ctx, indexName, docType, &index.Document{ID: 2, Title: "after", Content: "y"}), gc.IsNil)

	docs, err := s.exec.FindByIDs(ctx, indexName, []int64{2})
	c.Assert(err, gc.IsNil)
	c.Assert(docs, gc.HasLen, 1)
	c.Assert(docs[0].Title, gc.Equals, "after")
}

func (s *ScenarioTestSuite) TestPagingCoversAllDocuments(c *gc.C) {
	s.seed(c)
	ctx := context.TODO()

	page, err := s.exec.FindPaged(ctx, indexName, "title", "ocean", 0, 197)
	c.Assert(err, gc.IsNil)
	c.Assert(page.Total, gc.Equals, uint64(197))
	c.Assert(page.Hits, gc.HasLen, 197)
	c.Assert(page.HasMore, gc.Equals, false)

	seen := make(map[int64]bool)
	for _, doc := range page.Documents() {
		c.Assert(seen[doc.ID], gc.Equals, false)
		seen[doc.ID] = true
	}
	c.Assert(seen, gc.HasLen, 197)

	page, err = s.exec.FindPaged(ctx, indexName, "title", "ocean", 197, 10)
	c.Assert(err, gc.IsNil)
	c.Assert(page.Hits, gc.HasLen, 0)

	// Sequential pages of 10 cover the same set exactly once.
	paged := make(map[int64]int)
	for offset := 0; ; offset += 10 {
		page, err = s.exec.FindPaged(ctx, indexName, "title", "ocean", offset, 10)
		c.Assert(err, gc.IsNil)
		c.Assert(len(page.Hits) <= 10, gc.Equals, true)
		for _, doc := range page.Documents() {
			paged[doc.ID]++
		}
		if !page.HasMore {
			break
		}
	}
	c.Assert(paged, gc.HasLen, 197)
	for id, count := range paged {
		c.Assert(count, gc.Equals, 1, gc.Commentf("document %d", id))
	}
}

func (s *ScenarioTestSuite) TestIteratorsVisitEveryMatch(c *gc.C) {
	s.seed(c)

	it, err := s.exec.FindByQueryText(context.TODO(), indexName, "content", "sea")
	c.Assert(err, gc.IsNil)
	count := 0
	for it.Next() {
		count++
	}
	c.Assert(it.Error(), gc.IsNil)
	c.Assert(it.Close(), gc.IsNil)
	c.Assert(count, gc.Equals, 197)

	it, err = s.exec.FindByExactField(context.TODO(), indexName, "id", "42")
	c.Assert(err, gc.IsNil)
	c.Assert(it.Next(), gc.Equals, true)
	c.Assert(it.Document().ID, gc.Equals, int64(42))
	c.Assert(it.Next(), gc.Equals, false)
}

func (s *ScenarioTestSuite) TestHighlightMarksQueryTerm(c *gc.C) {
	s.seed(c)

	page, err := s.exec.FindHighlighted(context.TODO(), indexName, "title", "OCEAN", "title", 60, 5)
	c.Assert(err, gc.IsNil)
	c.Assert(page.Hits, gc.HasLen, 5)
	for _, hit := range page.Hits {
		c.Assert(hit.Fragments, gc.HasLen, 1)
		c.Assert(strings.Contains(hit.Fragments[0], search.DefaultPreTag+"ocean"+search.DefaultPostTag), gc.Equals, true,
			gc.Commentf("fragment %q", hit.Fragments[0]))
	}
}

func (s *ScenarioTestSuite) TestDefineMappingOnMissingIndexFails(c *gc.C) {
	err := s.adm.DefineMapping(context.TODO(), "missing", docType, index.DocumentMapping(docType, "standard").Fields)
	c.Assert(err, gc.ErrorMatches, ".*index_not_found_exception.*")
}

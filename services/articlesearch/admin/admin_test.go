package admin

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/hashicorp/go-multierror"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index/mocks"
	"github.com/jinayshah7/articleSearch/services/articlesearch/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/xerrors"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(AdministratorTestSuite))

func Test(t *testing.T) {
	gc.TestingT(t)
}

type AdministratorTestSuite struct{}

func (s *AdministratorTestSuite) setup(c *gc.C) (*Administrator, *mocks.MockEngine, *gomock.Controller) {
	ctrl := gomock.NewController(c)
	engine := mocks.NewMockEngine(ctrl)
	adm, err := NewAdministrator(Config{Engine: engine})
	c.Assert(err, gc.IsNil)
	return adm, engine, ctrl
}

func (s *AdministratorTestSuite) TestConfigValidation(c *gc.C) {
	_, err := NewAdministrator(Config{})
	c.Assert(err, gc.ErrorMatches, "(?s).*search engine has not been provided.*")
}

func (s *AdministratorTestSuite) TestCreateIndex(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	engine.EXPECT().CreateIndex(gomock.Any(), "index-es").Return(nil)
	c.Assert(adm.CreateIndex(context.TODO(), "index-es"), gc.IsNil)

	c.Assert(adm.CreateIndex(context.TODO(), ""), gc.ErrorMatches, ".*index name not specified")
}

func (s *AdministratorTestSuite) TestCreateIndexTwice(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	engine.EXPECT().CreateIndex(gomock.Any(), "index-es").Return(index.NewIndexExistsError("index-es")).Times(2)

	err := adm.CreateIndex(context.TODO(), "index-es")
	c.Assert(xerrors.Is(err, index.ErrIndexExists), gc.Equals, true)

	c.Assert(adm.EnsureIndex(context.TODO(), "index-es"), gc.IsNil)
}

func (s *AdministratorTestSuite) TestEnsureIndexExistingIsNotAFailure(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()
	engine := mocks.NewMockEngine(ctrl)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	adm, err := NewAdministrator(Config{Engine: engine, Logger: logrus.NewEntry(logger)})
	c.Assert(err, gc.IsNil)

	engine.EXPECT().CreateIndex(gomock.Any(), "index-es").Return(index.NewIndexExistsError("index-es"))

	failures := testutil.ToFloat64(metrics.Operations.WithLabelValues("admin", "ensure_index", "error"))
	c.Assert(adm.EnsureIndex(context.TODO(), "index-es"), gc.IsNil)

	c.Assert(testutil.ToFloat64(metrics.Operations.WithLabelValues("admin", "ensure_index", "error")), gc.Equals, failures)
	for _, entry := range hook.AllEntries() {
		c.Assert(entry.Level > logrus.WarnLevel, gc.Equals, true, gc.Commentf("unexpected %s entry %q", entry.Level, entry.Message))
	}
}

func (s *AdministratorTestSuite) TestEnsureIndexPropagatesOtherErrors(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	engine.EXPECT().CreateIndex(gomock.Any(), "index-es").Return(&index.TransportError{Op: "create index", Err: xerrors.New("connection refused")})

	err := adm.EnsureIndex(context.TODO(), "index-es")
	c.Assert(xerrors.Is(err, index.ErrUnreachable), gc.Equals, true)
}

func (s *AdministratorTestSuite) TestDefineMapping(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	expected := index.DocumentMapping("article", "standard")
	engine.EXPECT().PutMapping(gomock.Any(), "index-es", expected).Return(nil)

	c.Assert(adm.DefineMapping(context.TODO(), "index-es", "article", expected.Fields), gc.IsNil)
}

func (s *AdministratorTestSuite) TestDefineMappingRejectsInvalidSchema(c *gc.C) {
	adm, _, ctrl := s.setup(c)
	defer ctrl.Finish()

	err := adm.DefineMapping(context.TODO(), "index-es", "article", map[string]index.FieldMapping{
		"id": {Type: index.FieldTypeLong, Analyzer: "standard"},
	})
	c.Assert(err, gc.ErrorMatches, "(?s)define mapping: invalid mapping: .*analyzer is only valid on text fields.*")
}

func (s *AdministratorTestSuite) TestDefineMappingMissingIndex(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	engine.EXPECT().PutMapping(gomock.Any(), "missing", gomock.Any()).Return(index.NewIndexNotFoundError("missing"))

	err := adm.DefineMapping(context.TODO(), "missing", "article", index.DocumentMapping("article", "standard").Fields)
	c.Assert(xerrors.Is(err, index.ErrIndexNotFound), gc.Equals, true)
}

func (s *AdministratorTestSuite) TestInsertOne(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	doc := &index.Document{ID: 1, Title: "ocean test", Content: "I like the sea"}
	engine.EXPECT().Index(gomock.Any(), "index-es", "article", doc).Return(nil)

	c.Assert(adm.InsertOne(context.TODO(), "index-es", "article", doc), gc.IsNil)
	c.Assert(adm.InsertOne(context.TODO(), "index-es", "article", nil), gc.ErrorMatches, "insert: nil document")
}

func (s *AdministratorTestSuite) TestInsertBatchContinuesPastFailures(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	docs := []*index.Document{{ID: 3}, {ID: 4}, {ID: 5}}
	rejected := &index.EngineError{Status: 400, Type: "mapper_parsing_exception", Reason: "failed to parse"}
	gomock.InOrder(
		engine.EXPECT().Index(gomock.Any(), "index-es", "article", docs[0]).Return(nil),
		engine.EXPECT().Index(gomock.Any(), "index-es", "article", docs[1]).Return(rejected),
		engine.EXPECT().Index(gomock.Any(), "index-es", "article", docs[2]).Return(nil),
	)

	res, err := adm.InsertBatch(context.TODO(), "index-es", "article", docs)
	c.Assert(res.Indexed, gc.DeepEquals, []int64{3, 5})
	c.Assert(res.Failed, gc.HasLen, 1)
	c.Assert(res.Failed[0].ID, gc.Equals, int64(4))
	c.Assert(xerrors.Is(res.Failed[0], rejected), gc.Equals, true)

	mErr, ok := err.(*multierror.Error)
	c.Assert(ok, gc.Equals, true)
	c.Assert(mErr.Errors, gc.HasLen, 1)
	c.Assert(err, gc.ErrorMatches, "(?s).*document 4: insert: mapper_parsing_exception: failed to parse.*")
}

func (s *AdministratorTestSuite) TestInsertBatchAllSucceed(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	engine.EXPECT().Index(gomock.Any(), "index-es", "article", gomock.Any()).Return(nil).Times(2)

	res, err := adm.InsertBatch(context.TODO(), "index-es", "article", []*index.Document{{ID: 1}, {ID: 2}})
	c.Assert(err, gc.IsNil)
	c.Assert(res.Indexed, gc.DeepEquals, []int64{1, 2})
	c.Assert(res.Failed, gc.HasLen, 0)
}

func (s *AdministratorTestSuite) TestInsertBatchStopsCallingEngineOnceCancelled(c *gc.C) {
	adm, engine, ctrl := s.setup(c)
	defer ctrl.Finish()

	ctx, cancelFn := context.WithCancel(context.TODO())
	defer cancelFn()

	engine.EXPECT().Index(gomock.Any(), "index-es", "article", gomock.Any()).DoAndReturn(
		func(context.Context, string, string, *index.Document) error {
			cancelFn()
			return nil
		},
	)

	res, err := adm.InsertBatch(ctx, "index-es", "article", []*index.Document{{ID: 1}, {ID: 2}, {ID: 3}})
	c.Assert(res.Indexed, gc.DeepEquals, []int64{1})
	c.Assert(res.Failed, gc.HasLen, 2)
	c.Assert(xerrors.Is(err, context.Canceled), gc.Equals, true)
}

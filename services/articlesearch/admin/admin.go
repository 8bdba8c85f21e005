package admin

import (
	"context"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"github.com/jinayshah7/articleSearch/services/articlesearch/metrics"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type Config struct {
	Engine index.Engine
	Logger *logrus.Entry
	Clock  clock.Clock
}

func (cfg *Config) validate() error {
	var err error
	if cfg.Engine == nil {
		err = multierror.Append(err, xerrors.New("search engine has not been provided"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return err
}

// Administrator creates indices, defines their mappings and inserts
// documents. It holds no state besides its configuration.
type Administrator struct {
	cfg Config
}

func NewAdministrator(cfg Config) (*Administrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("index administrator: config validation failed: %w", err)
	}
	return &Administrator{cfg: cfg}, nil
}

// CreateIndex asks the engine to create name. Creating an existing index
// fails with an error matching index.ErrIndexExists.
func (a *Administrator) CreateIndex(ctx context.Context, name string) (err error) {
	defer a.observe("create_index", a.cfg.Clock.Now(), &err, logrus.Fields{"index": name})

	if name == "" {
		return xerrors.New("create index: index name not specified")
	}
	if err = a.cfg.Engine.CreateIndex(ctx, name); err != nil {
		return xerrors.Errorf("create index: %w", err)
	}
	return nil
}

// EnsureIndex creates name unless it already exists. An existing index is
// a success and is neither logged nor counted as a failure.
func (a *Administrator) EnsureIndex(ctx context.Context, name string) (err error) {
	defer a.observe("ensure_index", a.cfg.Clock.Now(), &err, logrus.Fields{"index": name})

	if name == "" {
		return xerrors.New("ensure index: index name not specified")
	}
	if err = a.cfg.Engine.CreateIndex(ctx, name); err != nil {
		if xerrors.Is(err, index.ErrIndexExists) {
			return nil
		}
		return xerrors.Errorf("ensure index: %w", err)
	}
	return nil
}

// DefineMapping submits the schema of docType to an existing index.
func (a *Administrator) DefineMapping(ctx context.Context, name, docType string, fields map[string]index.FieldMapping) (err error) {
	defer a.observe("define_mapping", a.cfg.Clock.Now(), &err, logrus.Fields{"index": name, "doc_type": docType})

	mapping := &index.Mapping{DocumentType: docType, Fields: fields}
	if err = mapping.Validate(); err != nil {
		return xerrors.Errorf("define mapping: invalid mapping: %w", err)
	}
	if err = a.cfg.Engine.PutMapping(ctx, name, mapping); err != nil {
		return xerrors.Errorf("define mapping: %w", err)
	}
	return nil
}

// InsertOne stores doc under doc.ID, overwriting any document with the same
// id.
func (a *Administrator) InsertOne(ctx context.Context, indexName, docType string, doc *index.Document) (err error) {
	fields := logrus.Fields{"index": indexName}
	if doc != nil {
		fields["doc_id"] = doc.ID
	}
	defer a.observe("insert", a.cfg.Clock.Now(), &err, fields)

	if doc == nil {
		return xerrors.New("insert: nil document")
	}
	if err = a.cfg.Engine.Index(ctx, indexName, docType, doc); err != nil {
		return xerrors.Errorf("insert: %w", err)
	}
	return nil
}

// DocumentError is the failure to insert one document of a batch.
type DocumentError struct {
	ID  int64
	Err error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %d: %v", e.ID, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// BatchResult lists the outcome of every document of a batch, in input order.
type BatchResult struct {
	Indexed []int64
	Failed  []*DocumentError
}

// InsertBatch inserts docs one at a time. A failed document neither rolls
// back the documents before it nor stops the ones after it. The returned
// error aggregates every DocumentError and is nil when all inserts
// succeeded. Once ctx is done the remaining documents fail with ctx.Err().
func (a *Administrator) InsertBatch(ctx context.Context, indexName, docType string, docs []*index.Document) (*BatchResult, error) {
	start := a.cfg.Clock.Now()
	res := &BatchResult{Indexed: make([]int64, 0, len(docs))}

	var err error
	for i, doc := range docs {
		var id int64
		if doc != nil {
			id = doc.ID
		}

		var insertErr error
		if insertErr = ctx.Err(); insertErr == nil {
			insertErr = a.InsertOne(ctx, indexName, docType, doc)
		}
		if insertErr != nil {
			docErr := &DocumentError{ID: id, Err: insertErr}
			res.Failed = append(res.Failed, docErr)
			err = multierror.Append(err, docErr)
			a.cfg.Logger.WithFields(logrus.Fields{
				"index":    indexName,
				"doc_id":   id,
				"position": i,
				"err":      insertErr,
			}).Warn("skipping document that could not be inserted")
			continue
		}
		res.Indexed = append(res.Indexed, id)
	}

	a.cfg.Logger.WithFields(logrus.Fields{
		"index":   indexName,
		"indexed": len(res.Indexed),
		"failed":  len(res.Failed),
		"took":    a.cfg.Clock.Now().Sub(start),
	}).Info("batch insert completed")
	return res, err
}

func (a *Administrator) observe(op string, start time.Time, err *error, fields logrus.Fields) {
	took := a.cfg.Clock.Now().Sub(start)
	metrics.Observe("admin", op, took, *err)

	entry := a.cfg.Logger.WithFields(fields).WithField("took", took)
	if *err != nil {
		entry.WithField("err", *err).Error(op + " failed")
		return
	}
	entry.Debug(op)
}

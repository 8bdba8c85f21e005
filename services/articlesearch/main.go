package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jinayshah7/articleSearch/services/articlesearch/admin"
	"github.com/jinayshah7/articleSearch/services/articlesearch/config"
	"github.com/jinayshah7/articleSearch/services/articlesearch/es"
	"github.com/jinayshah7/articleSearch/services/articlesearch/frontend"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"github.com/jinayshah7/articleSearch/services/articlesearch/memindex"
	"github.com/jinayshah7/articleSearch/services/articlesearch/metrics"
	"github.com/jinayshah7/articleSearch/services/articlesearch/search"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

var (
	appName = "articlesearch"
	logger  *logrus.Entry

	// statefulCommands keep a single engine for their whole run and are the
	// only ones the in-memory engine can serve.
	statefulCommands = map[string]bool{"serve": true, "demo": true}
)

func main() {
	// A missing .env file is not an error; the environment may already be set.
	_ = godotenv.Load()

	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "manage and query an article search index"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Value:  "articlesearch.yaml",
			EnvVar: "ARTICLESEARCH_CONFIG",
			Usage:  "The YAML configuration file; defaults apply when it does not exist",
		},
		cli.StringFlag{
			Name:   "engine",
			EnvVar: "ARTICLESEARCH_ENGINE",
			Usage:  "Override the configured engine (elasticsearch or memory)",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			EnvVar: "LOG_LEVEL",
			Usage:  "The logging level (debug, info, warn, error)",
		},
	}
	app.Before = func(appCtx *cli.Context) error {
		level, err := logrus.ParseLevel(appCtx.GlobalString("log-level"))
		if err != nil {
			return err
		}
		logger.Logger.SetLevel(level)
		return nil
	}

	queryFlags := []cli.Flag{
		cli.StringFlag{Name: "field", Value: "title", Usage: "The field that unqualified query terms apply to"},
		cli.StringFlag{Name: "query", Usage: "The query string"},
	}
	windowFlags := []cli.Flag{
		cli.IntFlag{Name: "offset", Value: 0, Usage: "The rank of the first result"},
		cli.IntFlag{Name: "limit", Value: index.DefaultLimit, Usage: "The maximum number of results"},
	}

	app.Commands = []cli.Command{
		{
			Name:   "create-index",
			Usage:  "Create the configured index",
			Action: withAppEnv(runCreateIndex),
		},
		{
			Name:   "define-mapping",
			Usage:  "Define the article mapping on the configured index",
			Action: withAppEnv(runDefineMapping),
		},
		{
			Name:  "insert",
			Usage: "Insert a single article",
			Flags: []cli.Flag{
				cli.Int64Flag{Name: "id", Value: 1, Usage: "The article id"},
				cli.StringFlag{Name: "title", Value: "ocean test", Usage: "The article title"},
				cli.StringFlag{Name: "content", Value: "I like the sea", Usage: "The article content"},
			},
			Action: withAppEnv(runInsert),
		},
		{
			Name:  "seed",
			Usage: "Insert a batch of generated articles",
			Flags: []cli.Flag{
				cli.Int64Flag{Name: "from", Value: 3, Usage: "The first generated id"},
				cli.Int64Flag{Name: "to", Value: 200, Usage: "The generated ids stop before this value"},
			},
			Action: withAppEnv(runSeed),
		},
		{
			Name:      "find-ids",
			Usage:     "Fetch articles by id",
			ArgsUsage: "ID [ID...]",
			Action:    withAppEnv(runFindIDs),
		},
		{
			Name:  "find-term",
			Usage: "Find articles whose field holds an exact term",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "field", Value: "id", Usage: "The field to match"},
				cli.StringFlag{Name: "value", Usage: "The exact term"},
			},
			Action: withAppEnv(runFindTerm),
		},
		{
			Name:   "find-text",
			Usage:  "Find every article matching a query string",
			Flags:  queryFlags,
			Action: withAppEnv(runFindText),
		},
		{
			Name:   "find-page",
			Usage:  "Fetch one page of articles matching a query string",
			Flags:  append(append([]cli.Flag{}, queryFlags...), windowFlags...),
			Action: withAppEnv(runFindPage),
		},
		{
			Name:  "find-highlight",
			Usage: "Fetch one page of matching articles with highlighted fragments",
			Flags: append(append(append([]cli.Flag{}, queryFlags...), windowFlags...),
				cli.StringFlag{Name: "highlight", Value: "title", Usage: "The field to highlight"},
			),
			Action: withAppEnv(runFindHighlight),
		},
		{
			Name:   "serve",
			Usage:  "Expose the index over HTTP",
			Action: withAppEnv(runServe),
		},
		{
			Name:   "demo",
			Usage:  "Create, map, populate and query the configured index in a single run",
			Action: withAppEnv(runDemo),
		},
	}
	return app
}

type appEnv struct {
	cfg    *config.Config
	engine index.Engine
	admin  *admin.Administrator
	exec   *search.Executor
	out    *json.Encoder
}

func withAppEnv(fn func(context.Context, *cli.Context, *appEnv) error) func(*cli.Context) error {
	return func(appCtx *cli.Context) error {
		ctx, cancelFn := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancelFn()

		rt, err := newAppEnv(ctx, appCtx)
		if err != nil {
			return err
		}
		defer func() { _ = rt.engine.Close() }()

		return fn(ctx, appCtx, rt)
	}
}

func newAppEnv(ctx context.Context, appCtx *cli.Context) (*appEnv, error) {
	cfg, err := config.Load(appCtx.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if engine := appCtx.GlobalString("engine"); engine != "" {
		cfg.Engine = engine
	}
	if err = cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid configuration: %w", err)
	}
	if cfg.Engine == config.EngineMemory && !statefulCommands[appCtx.Command.Name] {
		return nil, xerrors.Errorf("%s: the %s engine keeps no state between runs; use it with serve or demo", appCtx.Command.Name, cfg.Engine)
	}

	engine, err := getEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	adm, err := admin.NewAdministrator(admin.Config{
		Engine: engine,
		Logger: logger.WithField("component", "admin"),
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	exec, err := search.NewExecutor(search.Config{
		Engine:  engine,
		Logger:  logger.WithField("component", "search"),
		PreTag:  cfg.Highlight.PreTag,
		PostTag: cfg.Highlight.PostTag,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	return &appEnv{
		cfg:    cfg,
		engine: engine,
		admin:  adm,
		exec:   exec,
		out:    json.NewEncoder(appCtx.App.Writer),
	}, nil
}

func getEngine(ctx context.Context, cfg *config.Config) (index.Engine, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		logger.Info("using in-memory engine")
		return memindex.NewEngine(), nil
	default:
		logger.WithFields(logrus.Fields{
			"cluster": cfg.Cluster.Name,
			"nodes":   cfg.Cluster.NodeURLs(),
		}).Info("using elasticsearch engine")
		return es.NewElasticSearchEngine(ctx, es.Config{
			ClusterName: cfg.Cluster.Name,
			Nodes:       cfg.Cluster.NodeURLs(),
			Username:    cfg.Cluster.Username,
			Password:    cfg.Cluster.Password,
			SyncUpdates: cfg.Cluster.SyncUpdates,
		})
	}
}

func runCreateIndex(ctx context.Context, _ *cli.Context, rt *appEnv) error {
	if err := rt.admin.CreateIndex(ctx, rt.cfg.Index.Name); err != nil {
		return err
	}
	return rt.out.Encode(map[string]string{"created": rt.cfg.Index.Name})
}

func runDefineMapping(ctx context.Context, _ *cli.Context, rt *appEnv) error {
	m := index.DocumentMapping(rt.cfg.Index.DocumentType, rt.cfg.Index.Analyzer)
	if err := rt.admin.DefineMapping(ctx, rt.cfg.Index.Name, m.DocumentType, m.Fields); err != nil {
		return err
	}
	return rt.out.Encode(m)
}

func runInsert(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	doc := &index.Document{
		ID:      appCtx.Int64("id"),
		Title:   appCtx.String("title"),
		Content: appCtx.String("content"),
	}
	if err := rt.admin.InsertOne(ctx, rt.cfg.Index.Name, rt.cfg.Index.DocumentType, doc); err != nil {
		return err
	}
	return rt.out.Encode(doc)
}

func runSeed(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	from, to := appCtx.Int64("from"), appCtx.Int64("to")
	if to < from {
		return xerrors.Errorf("seed: empty id range [%d, %d)", from, to)
	}

	res, err := rt.admin.InsertBatch(ctx, rt.cfg.Index.Name, rt.cfg.Index.DocumentType, seedDocuments(from, to))
	if encErr := rt.out.Encode(map[string]int{"indexed": len(res.Indexed), "failed": len(res.Failed)}); encErr != nil {
		return encErr
	}
	return err
}

func seedDocuments(from, to int64) []*index.Document {
	docs := make([]*index.Document, 0, to-from)
	for id := from; id < to; id++ {
		docs = append(docs, &index.Document{
			ID:      id,
			Title:   fmt.Sprintf("how blue the ocean is %d", id),
			Content: fmt.Sprintf("walking towards the sea %d", id),
		})
	}
	return docs
}

func runFindIDs(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	ids := make([]int64, 0, appCtx.NArg())
	for _, arg := range appCtx.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return xerrors.Errorf("find-ids: invalid id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}

	docs, err := rt.exec.FindByIDs(ctx, rt.cfg.Index.Name, ids)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err = rt.out.Encode(doc); err != nil {
			return err
		}
	}
	return nil
}

func runFindTerm(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	it, err := rt.exec.FindByExactField(ctx, rt.cfg.Index.Name, appCtx.String("field"), appCtx.String("value"))
	if err != nil {
		return err
	}
	return drain(rt.out, it)
}

func runFindText(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	it, err := rt.exec.FindByQueryText(ctx, rt.cfg.Index.Name, appCtx.String("field"), appCtx.String("query"))
	if err != nil {
		return err
	}
	return drain(rt.out, it)
}

func runFindPage(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	page, err := rt.exec.FindPaged(ctx, rt.cfg.Index.Name, appCtx.String("field"), appCtx.String("query"), appCtx.Int("offset"), appCtx.Int("limit"))
	if err != nil {
		return err
	}
	return printPage(rt.out, page)
}

func runFindHighlight(ctx context.Context, appCtx *cli.Context, rt *appEnv) error {
	page, err := rt.exec.FindHighlighted(ctx, rt.cfg.Index.Name, appCtx.String("field"), appCtx.String("query"),
		appCtx.String("highlight"), appCtx.Int("offset"), appCtx.Int("limit"))
	if err != nil {
		return err
	}
	return printPage(rt.out, page)
}

// prepareIndex creates the configured index if needed and defines the
// article mapping on it.
func prepareIndex(ctx context.Context, rt *appEnv) error {
	if err := rt.admin.EnsureIndex(ctx, rt.cfg.Index.Name); err != nil {
		return err
	}
	m := index.DocumentMapping(rt.cfg.Index.DocumentType, rt.cfg.Index.Analyzer)
	return rt.admin.DefineMapping(ctx, rt.cfg.Index.Name, m.DocumentType, m.Fields)
}

func runServe(ctx context.Context, _ *cli.Context, rt *appEnv) error {
	if err := prepareIndex(ctx, rt); err != nil {
		return err
	}

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	svc, err := frontend.NewService(frontend.Config{
		Indexer:        rt.admin,
		Searcher:       rt.exec,
		IndexName:      rt.cfg.Index.Name,
		DocumentType:   rt.cfg.Index.DocumentType,
		ListenAddr:     rt.cfg.Frontend.ListenAddr,
		ResultsPerPage: rt.cfg.Frontend.ResultsPerPage,
		PreTag:         rt.cfg.Highlight.PreTag,
		PostTag:        rt.cfg.Highlight.PostTag,
		Logger:         logger.WithField("component", "frontend"),
	})
	if err != nil {
		return err
	}

	pprofListener, err := net.Listen("tcp", rt.cfg.Frontend.PprofAddr)
	if err != nil {
		return err
	}
	defer func() { _ = pprofListener.Close() }()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(groupCtx)
	})
	group.Go(func() error {
		srv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-groupCtx.Done()
			_ = srv.Close()
		}()
		logger.WithField("addr", rt.cfg.Frontend.PprofAddr).Info("listening for pprof requests")
		if err := srv.Serve(pprofListener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	return group.Wait()
}

type demoLine struct {
	Step   string      `json:"step"`
	Result interface{} `json:"result"`
}

type demoPage struct {
	pageLine
	IDs []int64 `json:"ids"`
}

func runDemo(ctx context.Context, _ *cli.Context, rt *appEnv) error {
	name, docType := rt.cfg.Index.Name, rt.cfg.Index.DocumentType
	emit := func(step string, result interface{}) error {
		return rt.out.Encode(demoLine{Step: step, Result: result})
	}

	if err := prepareIndex(ctx, rt); err != nil {
		return err
	}

	first := &index.Document{ID: 1, Title: "ocean test", Content: "I like the sea"}
	if err := rt.admin.InsertOne(ctx, name, docType, first); err != nil {
		return err
	}
	if err := emit("insert_one", first); err != nil {
		return err
	}

	res, err := rt.admin.InsertBatch(ctx, name, docType, seedDocuments(3, 200))
	if err != nil {
		return err
	}
	if err = emit("insert_batch", map[string]int{"indexed": len(res.Indexed), "failed": len(res.Failed)}); err != nil {
		return err
	}

	docs, err := rt.exec.FindByIDs(ctx, name, []int64{1})
	if err != nil {
		return err
	}
	if err = emit("find_by_ids", docs); err != nil {
		return err
	}

	ids, err := collectIDs(rt.exec.FindByExactField(ctx, name, "id", "42"))
	if err != nil {
		return err
	}
	if err = emit("find_by_exact_field", ids); err != nil {
		return err
	}

	ids, err = collectIDs(rt.exec.FindByQueryText(ctx, name, "content", "sea"))
	if err != nil {
		return err
	}
	if err = emit("find_by_query_text", map[string]int{"matches": len(ids)}); err != nil {
		return err
	}

	for _, window := range [][2]int{{0, 197}, {197, 10}} {
		page, err := rt.exec.FindPaged(ctx, name, "title", "ocean", window[0], window[1])
		if err != nil {
			return err
		}
		if err = emit("find_paged", pageSummary(page)); err != nil {
			return err
		}
	}

	page, err := rt.exec.FindHighlighted(ctx, name, "title", "ocean", "title", 0, 3)
	if err != nil {
		return err
	}
	hits := make([]hitLine, 0, len(page.Hits))
	for _, hit := range page.Hits {
		hits = append(hits, hitLine{Document: hit.Document, Score: hit.Score, Fragments: hit.Fragments})
	}
	return emit("find_highlighted", hits)
}

func collectIDs(it search.Iterator, err error) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	ids := []int64{}
	for it.Next() {
		ids = append(ids, it.Document().ID)
	}
	return ids, it.Error()
}

func pageSummary(page *search.Page) demoPage {
	sum := demoPage{
		pageLine: pageLine{Offset: page.Offset, Total: page.Total, HasMore: page.HasMore},
		IDs:      make([]int64, 0, len(page.Hits)),
	}
	for _, hit := range page.Hits {
		sum.IDs = append(sum.IDs, hit.Document.ID)
	}
	return sum
}

type pageLine struct {
	Offset  int    `json:"offset"`
	Total   uint64 `json:"total"`
	HasMore bool   `json:"has_more"`
}

type hitLine struct {
	*index.Document
	Score     float64  `json:"score"`
	Fragments []string `json:"fragments,omitempty"`
}

func printPage(out *json.Encoder, page *search.Page) error {
	if err := out.Encode(pageLine{Offset: page.Offset, Total: page.Total, HasMore: page.HasMore}); err != nil {
		return err
	}
	for _, hit := range page.Hits {
		if err := out.Encode(hitLine{Document: hit.Document, Score: hit.Score, Fragments: hit.Fragments}); err != nil {
			return err
		}
	}
	return nil
}

func drain(out *json.Encoder, it search.Iterator) error {
	defer func() { _ = it.Close() }()
	for it.Next() {
		hit := it.Hit()
		if err := out.Encode(hitLine{Document: hit.Document, Score: hit.Score}); err != nil {
			return err
		}
	}
	return it.Error()
}

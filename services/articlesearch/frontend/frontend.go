package frontend

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/jinayshah7/articleSearch/services/articlesearch/admin"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"github.com/jinayshah7/articleSearch/services/articlesearch/search"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/xerrors"
)

const (
	searchEndpoint   = "/search"
	termEndpoint     = "/term"
	articlesEndpoint = "/articles"
	articleEndpoint  = "/articles/{id:[0-9]+}"
	metricsEndpoint  = "/metrics"

	requestIDHeader       = "X-Request-Id"
	defaultResultsPerPage = 10
	defaultField          = "title"
	maxBodySize           = 8 << 20
)

// Indexer is the subset of the index administrator used by the front-end.
type Indexer interface {
	InsertOne(ctx context.Context, indexName, docType string, doc *index.Document) error
	InsertBatch(ctx context.Context, indexName, docType string, docs []*index.Document) (*admin.BatchResult, error)
}

// Searcher is the subset of the query executor used by the front-end.
type Searcher interface {
	FindByIDs(ctx context.Context, indexName string, ids []int64) ([]*index.Document, error)
	FindByExactField(ctx context.Context, indexName, field, value string) (search.Iterator, error)
	FindPaged(ctx context.Context, indexName, field, queryText string, offset, limit int) (*search.Page, error)
	FindHighlighted(ctx context.Context, indexName, field, queryText, highlightField string, offset, limit int) (*search.Page, error)
}

type Config struct {
	Indexer  Indexer
	Searcher Searcher

	IndexName    string
	DocumentType string

	ListenAddr     string
	ResultsPerPage int

	// PreTag and PostTag must match the highlight markers the Searcher
	// wraps matched terms with. They are the only markup that survives
	// sanitization of the returned fragments and default to the executor's
	// defaults.
	PreTag  string
	PostTag string

	// Gatherer serves /metrics. It defaults to the prometheus default
	// registry.
	Gatherer prometheus.Gatherer

	Logger *logrus.Entry
}

func (cfg *Config) validate() error {
	var err error
	if cfg.ListenAddr == "" {
		err = multierror.Append(err, xerrors.New("listen address has not been specified"))
	}
	if cfg.Indexer == nil {
		err = multierror.Append(err, xerrors.New("index administrator has not been provided"))
	}
	if cfg.Searcher == nil {
		err = multierror.Append(err, xerrors.New("query executor has not been provided"))
	}
	if cfg.IndexName == "" {
		err = multierror.Append(err, xerrors.New("index name has not been specified"))
	}
	if cfg.DocumentType == "" {
		err = multierror.Append(err, xerrors.New("document type has not been specified"))
	}
	if cfg.ResultsPerPage <= 0 {
		cfg.ResultsPerPage = defaultResultsPerPage
	}
	if cfg.PreTag == "" && cfg.PostTag == "" {
		cfg.PreTag, cfg.PostTag = search.DefaultPreTag, search.DefaultPostTag
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Service exposes the query executor and the index administrator over a
// JSON HTTP API.
type Service struct {
	cfg       Config
	router    *mux.Router
	sanitizer *bluemonday.Policy
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("front-end service: config validation failed: %w", err)
	}

	sanitizer, err := markerPolicy(cfg.PreTag, cfg.PostTag)
	if err != nil {
		return nil, xerrors.Errorf("front-end service: %w", err)
	}

	svc := &Service{
		cfg:       cfg,
		router:    mux.NewRouter(),
		sanitizer: sanitizer,
	}

	svc.router.Use(svc.withRequestID)
	svc.router.HandleFunc(searchEndpoint, svc.search).Methods("GET")
	svc.router.HandleFunc(termEndpoint, svc.findByTerm).Methods("GET")
	svc.router.HandleFunc(articlesEndpoint, svc.findByIDs).Methods("GET")
	svc.router.HandleFunc(articlesEndpoint, svc.insertBatch).Methods("POST")
	svc.router.HandleFunc(articleEndpoint, svc.insertOne).Methods("PUT")
	svc.router.Handle(metricsEndpoint, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	svc.router.NotFoundHandler = http.HandlerFunc(svc.notFound)
	return svc, nil
}

func (svc *Service) Name() string { return "front-end" }

// ServeHTTP allows the service to be mounted or exercised without a listener.
func (svc *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc.router.ServeHTTP(w, r)
}

// Run serves requests until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", svc.cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	srv := &http.Server{
		Addr:              svc.cfg.ListenAddr,
		Handler:           svc.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	svc.cfg.Logger.WithField("addr", svc.cfg.ListenAddr).Info("starting front-end server")
	if err = srv.Serve(l); err == http.ErrServerClosed {
		err = nil
	}
	return err
}

type ctxKey struct{}

func (svc *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, reqID)

		logger := svc.cfg.Logger.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, logger)))
	})
}

func (svc *Service) logger(r *http.Request) *logrus.Entry {
	if l, ok := r.Context().Value(ctxKey{}).(*logrus.Entry); ok {
		return l
	}
	return svc.cfg.Logger
}

type hitResponse struct {
	*index.Document
	Score     float64  `json:"score"`
	Fragments []string `json:"fragments,omitempty"`
}

type searchResponse struct {
	Total   uint64        `json:"total"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
	Hits    []hitResponse `json:"hits"`
}

type documentsResponse struct {
	Documents []*index.Document `json:"documents"`
}

type batchResponse struct {
	Indexed []int64          `json:"indexed"`
	Failed  []failedDocument `json:"failed,omitempty"`
}

type failedDocument struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (svc *Service) search(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	field := params.Get("field")
	if field == "" {
		field = defaultField
	}
	offset, err := intParam(params.Get("offset"), 0)
	if err != nil {
		svc.writeError(w, r, http.StatusBadRequest, xerrors.Errorf("invalid offset: %w", err))
		return
	}
	limit, err := limitParam(params.Get("limit"), svc.cfg.ResultsPerPage)
	if err != nil {
		svc.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if offset >= search.MaxWindow {
		svc.writeError(w, r, http.StatusBadRequest, xerrors.Errorf("offset %d exceeds the result window of %d", offset, search.MaxWindow))
		return
	}

	var page *search.Page
	if hl := params.Get("highlight"); hl != "" {
		page, err = svc.cfg.Searcher.FindHighlighted(r.Context(), svc.cfg.IndexName, field, params.Get("q"), hl, offset, limit)
	} else {
		page, err = svc.cfg.Searcher.FindPaged(r.Context(), svc.cfg.IndexName, field, params.Get("q"), offset, limit)
	}
	if err != nil {
		svc.writeError(w, r, statusFor(err), err)
		return
	}

	res := searchResponse{
		Total:   page.Total,
		Offset:  page.Offset,
		HasMore: page.HasMore,
		Hits:    make([]hitResponse, 0, len(page.Hits)),
	}
	for _, hit := range page.Hits {
		res.Hits = append(res.Hits, hitResponse{
			Document:  hit.Document,
			Score:     hit.Score,
			Fragments: svc.sanitize(hit.Fragments),
		})
	}
	svc.writeJSON(w, r, http.StatusOK, res)
}

func (svc *Service) findByTerm(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if params.Get("field") == "" {
		svc.writeError(w, r, http.StatusBadRequest, xerrors.New("field not specified"))
		return
	}
	limit, err := limitParam(params.Get("limit"), svc.cfg.ResultsPerPage)
	if err != nil {
		svc.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	it, err := svc.cfg.Searcher.FindByExactField(r.Context(), svc.cfg.IndexName, params.Get("field"), params.Get("value"))
	if err != nil {
		svc.writeError(w, r, statusFor(err), err)
		return
	}
	defer func() { _ = it.Close() }()

	docs := []*index.Document{}
	for len(docs) < limit && it.Next() {
		docs = append(docs, it.Document())
	}
	if err = it.Error(); err != nil {
		svc.writeError(w, r, statusFor(err), err)
		return
	}
	svc.writeJSON(w, r, http.StatusOK, documentsResponse{Documents: docs})
}

func (svc *Service) findByIDs(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	for _, raw := range r.URL.Query()["id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			svc.writeError(w, r, http.StatusBadRequest, xerrors.Errorf("invalid id %q", raw))
			return
		}
		ids = append(ids, id)
	}

	docs, err := svc.cfg.Searcher.FindByIDs(r.Context(), svc.cfg.IndexName, ids)
	if err != nil {
		svc.writeError(w, r, statusFor(err), err)
		return
	}
	svc.writeJSON(w, r, http.StatusOK, documentsResponse{Documents: docs})
}

func (svc *Service) insertOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		svc.writeError(w, r, http.StatusBadRequest, xerrors.Errorf("invalid id: %w", err))
		return
	}

	var doc index.Document
	if err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&doc); err != nil {
		svc.writeError(w, r, http.StatusBadRequest, xerrors.Errorf("malformed document: %w", err))
		return
	}
	doc.ID = id

	if err = svc.cfg.Indexer.InsertOne(r.Context(), svc.cfg.IndexName, svc.cfg.DocumentType, &doc); err != nil {
		svc.writeError(w, r, statusFor(err), err)
		return
	}
	svc.writeJSON(w, r, http.StatusOK, &doc)
}

func (svc *Service) insertBatch(w http.ResponseWriter, r *http.Request) {
	var docs []*index.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&docs); err != nil {
		svc.writeError(w, r, http.StatusBadRequest, xerrors.Errorf("malformed documents: %w", err))
		return
	}

	res, err := svc.cfg.Indexer.InsertBatch(r.Context(), svc.cfg.IndexName, svc.cfg.DocumentType, docs)
	if res == nil {
		svc.writeError(w, r, statusFor(err), err)
		return
	}

	out := batchResponse{Indexed: res.Indexed}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, failedDocument{ID: f.ID, Error: f.Err.Error()})
	}
	status := http.StatusOK
	if err != nil {
		svc.logger(r).WithField("err", err).Warn("batch insert partially failed")
		status = http.StatusMultiStatus
	}
	svc.writeJSON(w, r, status, out)
}

func (svc *Service) notFound(w http.ResponseWriter, r *http.Request) {
	svc.writeError(w, r, http.StatusNotFound, xerrors.Errorf("no route for %s %s", r.Method, r.URL.Path))
}

// sanitize strips everything from highlight fragments except the marker
// elements.
func (svc *Service) sanitize(fragments []string) []string {
	if len(fragments) == 0 {
		return nil
	}
	out := make([]string, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, svc.sanitizer.Sanitize(f))
	}
	return out
}

func (svc *Service) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		svc.logger(r).WithField("err", err).Error("could not write response")
	}
}

func (svc *Service) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	entry := svc.logger(r).WithFields(logrus.Fields{"err": err, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	svc.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var engineErr *index.EngineError
	switch {
	case xerrors.Is(err, index.ErrIndexNotFound):
		return http.StatusNotFound
	case xerrors.Is(err, index.ErrUnreachable):
		return http.StatusBadGateway
	case xerrors.As(err, &engineErr) && engineErr.Status >= 400 && engineErr.Status < 500:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// limitParam parses a page size. Values above the result window are capped
// to it.
func limitParam(raw string, def int) (int, error) {
	limit, err := intParam(raw, def)
	if err != nil {
		return 0, xerrors.Errorf("invalid limit: %w", err)
	}
	if limit <= 0 {
		return 0, xerrors.Errorf("invalid limit %d: must be positive", limit)
	}
	if limit > search.MaxWindow {
		limit = search.MaxWindow
	}
	return limit, nil
}

// markerPolicy builds a sanitizer that keeps only the element used by the
// highlight markers, with the exact attribute values of the opening marker.
// Text is HTML-escaped, so fragments are safe to render as HTML.
func markerPolicy(preTag, postTag string) (*bluemonday.Policy, error) {
	z := html.NewTokenizer(strings.NewReader(preTag))
	if z.Next() != html.StartTagToken {
		return nil, xerrors.Errorf("highlight pre tag %q is not an HTML start tag", preTag)
	}
	open := z.Token()
	if z.Next() != html.ErrorToken {
		return nil, xerrors.Errorf("highlight pre tag %q must be a single HTML start tag", preTag)
	}

	z = html.NewTokenizer(strings.NewReader(postTag))
	if z.Next() != html.EndTagToken || z.Token().Data != open.Data {
		return nil, xerrors.Errorf("highlight post tag %q does not close %q", postTag, preTag)
	}
	if z.Next() != html.ErrorToken {
		return nil, xerrors.Errorf("highlight post tag %q must be a single HTML end tag", postTag)
	}

	policy := bluemonday.NewPolicy()
	policy.AllowElements(open.Data)
	for _, attr := range open.Attr {
		policy.AllowAttrs(attr.Key).
			Matching(regexp.MustCompile("^" + regexp.QuoteMeta(attr.Val) + "$")).
			OnElements(open.Data)
	}
	return policy, nil
}

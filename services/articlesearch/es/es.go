package es

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/jinayshah7/articleSearch/services/articlesearch/index"
	"golang.org/x/xerrors"
)

var _ index.Engine = (*ElasticSearchEngine)(nil)

type esSearchRes struct {
	Hits esSearchResHits `json:"hits"`
}

type esSearchResHits struct {
	Total   esTotal        `json:"total"`
	HitList []esHitWrapper `json:"hits"`
}

type esTotal struct {
	Count uint64 `json:"value"`
}

type esHitWrapper struct {
	Score     *float64            `json:"_score"`
	DocSource index.Document      `json:"_source"`
	Highlight map[string][]string `json:"highlight"`
}

type esInfoRes struct {
	ClusterName string `json:"cluster_name"`
}

// The "error" member is an object for most failures but a plain string for
// some of them (e.g. unknown endpoints).
type esErrorRes struct {
	Error  json.RawMessage `json:"error"`
	Status int             `json:"status"`
}

type esError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Config configures an ElasticSearchEngine.
type Config struct {
	// ClusterName, when set, must match the cluster_name reported by the
	// nodes.
	ClusterName string

	// Nodes lists the node URLs, e.g. http://127.0.0.1:9200.
	Nodes []string

	Username string
	Password string

	// SyncUpdates makes every indexed document visible to searches before
	// the index call returns.
	SyncUpdates bool

	// Transport overrides the HTTP transport. When nil the engine owns a
	// pooled transport and releases it on Close.
	Transport http.RoundTripper
}

// ElasticSearchEngine implements index.Engine on top of an Elasticsearch
// cluster. A single client is kept for the lifetime of the engine.
type ElasticSearchEngine struct {
	es        *elasticsearch.Client
	transport *http.Transport
	refresh   string
}

// NewElasticSearchEngine connects to the nodes in cfg and checks that they
// belong to the configured cluster.
func NewElasticSearchEngine(ctx context.Context, cfg Config) (*ElasticSearchEngine, error) {
	if len(cfg.Nodes) == 0 {
		return nil, xerrors.New("no elasticsearch nodes specified")
	}

	var owned *http.Transport
	transport := cfg.Transport
	if transport == nil {
		owned = http.DefaultTransport.(*http.Transport).Clone()
		transport = owned
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Nodes,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("create elasticsearch client: %w", err)
	}

	refresh := "false"
	if cfg.SyncUpdates {
		refresh = "true"
	}

	e := &ElasticSearchEngine{es: es, transport: owned, refresh: refresh}
	if err = e.verifyCluster(ctx, cfg.ClusterName); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *ElasticSearchEngine) verifyCluster(ctx context.Context, clusterName string) error {
	res, err := e.es.Info(e.es.Info.WithContext(ctx))
	if err != nil {
		return &index.TransportError{Op: "info", Err: err}
	}

	var info esInfoRes
	if err = unmarshalResponse(res, &info); err != nil {
		return xerrors.Errorf("info: %w", err)
	}
	if clusterName != "" && info.ClusterName != clusterName {
		return xerrors.Errorf("connected to cluster %q, expected %q: %w", info.ClusterName, clusterName, index.ErrClusterMismatch)
	}
	return nil
}

func (e *ElasticSearchEngine) CreateIndex(ctx context.Context, name string) error {
	res, err := e.es.Indices.Create(name, e.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return &index.TransportError{Op: "create index", Err: err}
	}
	if err = unmarshalResponse(res, nil); err != nil {
		return xerrors.Errorf("create index %q: %w", name, err)
	}
	return nil
}

// PutMapping sends the typeless form of mapping. Mapping types no longer
// exist in the engine, so the document type is not part of the request.
func (e *ElasticSearchEngine) PutMapping(ctx context.Context, indexName string, mapping *index.Mapping) error {
	body, err := json.Marshal(mapping.Properties())
	if err != nil {
		return &index.SerializationError{What: "encode mapping", Err: err}
	}

	res, err := e.es.Indices.PutMapping(
		[]string{indexName},
		bytes.NewReader(body),
		e.es.Indices.PutMapping.WithContext(ctx),
	)
	if err != nil {
		return &index.TransportError{Op: "put mapping", Err: err}
	}
	if err = unmarshalResponse(res, nil); err != nil {
		return xerrors.Errorf("put mapping %q: %w", indexName, err)
	}
	return nil
}

func (e *ElasticSearchEngine) Index(ctx context.Context, indexName, _ string, doc *index.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return &index.SerializationError{What: "encode document", Err: err}
	}

	res, err := e.es.Index(
		indexName,
		bytes.NewReader(body),
		e.es.Index.WithDocumentID(strconv.FormatInt(doc.ID, 10)),
		e.es.Index.WithRefresh(e.refresh),
		e.es.Index.WithContext(ctx),
	)
	if err != nil {
		return &index.TransportError{Op: "index", Err: err}
	}
	if err = unmarshalResponse(res, nil); err != nil {
		return xerrors.Errorf("index document %d: %w", doc.ID, err)
	}
	return nil
}

func (e *ElasticSearchEngine) Search(ctx context.Context, indexName string, req index.SearchRequest) (*index.SearchResult, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildSearchBody(req)); err != nil {
		return nil, &index.SerializationError{What: "encode query", Err: err}
	}

	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(indexName),
		e.es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, &index.TransportError{Op: "search", Err: err}
	}

	var esRes esSearchRes
	if err = unmarshalResponse(res, &esRes); err != nil {
		return nil, xerrors.Errorf("search %q: %w", indexName, err)
	}
	return mapSearchRes(&esRes, req.Highlight), nil
}

// Close releases the pooled connections owned by the engine.
func (e *ElasticSearchEngine) Close() error {
	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}

func buildSearchBody(req index.SearchRequest) map[string]interface{} {
	body := map[string]interface{}{
		"query":            buildQuery(req.Query),
		"size":             req.Size(),
		"track_total_hits": true,
		// Ties are broken on the document id so that windows and cursors
		// see one stable order.
		"sort": []interface{}{
			map[string]interface{}{"_score": map[string]interface{}{"order": "desc"}},
			map[string]interface{}{"id": map[string]interface{}{"order": "asc"}},
		},
	}
	if req.After != nil {
		body["search_after"] = []interface{}{req.After.Score, req.After.ID}
	} else {
		body["from"] = req.Offset
	}
	if h := req.Highlight; h != nil {
		body["highlight"] = map[string]interface{}{
			"pre_tags":  []string{h.PreTag},
			"post_tags": []string{h.PostTag},
			"fields": map[string]interface{}{
				h.Field: map[string]interface{}{},
			},
		}
	}
	return body
}

func buildQuery(q index.Query) map[string]interface{} {
	switch q.Type {
	case index.QueryTypeIDs:
		values := make([]string, 0, len(q.IDs))
		for _, id := range q.IDs {
			values = append(values, strconv.FormatInt(id, 10))
		}
		return map[string]interface{}{
			"ids": map[string]interface{}{"values": values},
		}
	case index.QueryTypeTerm:
		return map[string]interface{}{
			"term": map[string]interface{}{q.Field: q.Expression},
		}
	case index.QueryTypeString:
		return map[string]interface{}{
			"query_string": map[string]interface{}{
				"query":         q.Expression,
				"default_field": q.Field,
			},
		}
	default:
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}
}

func mapSearchRes(res *esSearchRes, h *index.Highlight) *index.SearchResult {
	out := &index.SearchResult{
		Total: res.Hits.Total.Count,
		Hits:  make([]index.Hit, 0, len(res.Hits.HitList)),
	}
	for i := range res.Hits.HitList {
		wrapper := &res.Hits.HitList[i]
		hit := index.Hit{Document: &wrapper.DocSource}
		if wrapper.Score != nil {
			hit.Score = *wrapper.Score
		}
		if h != nil {
			if fragments := wrapper.Highlight[h.Field]; len(fragments) != 0 {
				hit.Fragments = fragments
			}
		}
		out.Hits = append(out.Hits, hit)
	}
	return out
}

func unmarshalResponse(res *esapi.Response, to interface{}) error {
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return unmarshalError(res)
	}
	if to == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(to); err != nil {
		return &index.SerializationError{What: "decode response", Err: err}
	}
	return nil
}

func unmarshalError(res *esapi.Response) error {
	engineErr := &index.EngineError{Status: res.StatusCode, Type: "unknown", Reason: res.Status()}

	var errRes esErrorRes
	if err := json.NewDecoder(res.Body).Decode(&errRes); err != nil || len(errRes.Error) == 0 {
		return engineErr
	}

	var obj esError
	if err := json.Unmarshal(errRes.Error, &obj); err == nil {
		engineErr.Type, engineErr.Reason = obj.Type, obj.Reason
		return engineErr
	}

	var reason string
	if err := json.Unmarshal(errRes.Error, &reason); err == nil {
		engineErr.Reason = reason
	}
	return engineErr
}

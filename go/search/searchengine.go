package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SearchEngine is an Elasticsearch/OpenSearch style backend. Queries
// are bool queries with must/must_not clauses; deep paging uses
// search_after on the uniq key sort.
type SearchEngine struct {
	baseURL   string
	index     string
	client    *http.Client
	batchSize int
}

func NewSearchEngine(host string, port int, index string) *SearchEngine {
	return &SearchEngine{
		baseURL:   fmt.Sprintf("http://%s:%d", host, port),
		index:     index,
		client:    &http.Client{Timeout: 30 * time.Second},
		batchSize: DefaultBatchSize,
	}
}

// boolQuery renders the request as a bool query body.
func (e *SearchEngine) boolQuery(req *Request) map[string]any {
	var must, mustNot []any
	var term = func(facet string, values []string) map[string]any {
		return map[string]any{"terms": map[string]any{facet: lowerValues(facet, values)}}
	}
	for _, facet := range sortedKeys(req.Facets) {
		must = append(must, term(facet, req.Facets[facet]))
	}
	for _, facet := range sortedKeys(req.NotFacets) {
		mustNot = append(mustNot, term(facet, req.NotFacets[facet]))
	}
	if req.UserOnly {
		must = append(must, map[string]any{"exists": map[string]any{"field": "user"}})
	} else {
		mustNot = append(mustNot, map[string]any{"exists": map[string]any{"field": "user"}})
	}
	if tr := req.Time; tr != nil {
		var relation = map[SelectOp]string{
			OpWithin: "within", OpIntersects: "intersects", OpContains: "contains",
		}[tr.Op]
		must = append(must, map[string]any{"range": map[string]any{"time": map[string]any{
			"gte":      tr.Start.Format(time.RFC3339),
			"lte":      tr.End.Format(time.RFC3339),
			"relation": relation,
		}}})
	}
	if b := req.BBox; b != nil {
		var relation = map[SelectOp]string{
			OpWithin: "within", OpIntersects: "intersects", OpContains: "contains",
		}[b.Op]
		must = append(must, map[string]any{"geo_shape": map[string]any{"bbox": map[string]any{
			"shape": map[string]any{
				"type":        "envelope",
				"coordinates": [][]float64{{b.MinLon, b.MaxLat}, {b.MaxLon, b.MinLat}},
			},
			"relation": relation,
		}}})
	}
	var boolBody = map[string]any{}
	if len(must) > 0 {
		boolBody["must"] = must
	}
	if len(mustNot) > 0 {
		boolBody["must_not"] = mustNot
	}
	return map[string]any{"bool": boolBody}
}

type engineResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source Doc   `json:"_source"`
			Sort   []any `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Buckets []struct {
			Key      any   `json:"key"`
			DocCount int64 `json:"doc_count"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

func (e *SearchEngine) search(ctx context.Context, body map[string]any) (*engineResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	var u = fmt.Sprintf("%s/%s/_search", e.baseURL, e.index)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("search engine request failed: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var b, _ = io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &ErrBackend{Err: fmt.Errorf("search engine returned %d: %s", resp.StatusCode, b)}
	}
	var out engineResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("failed to decode search engine response: %w", err)}
	}
	return &out, nil
}

func (e *SearchEngine) Facets(context.Context) ([]string, error) {
	// The engine index mirrors the canonical schema.
	var out = make([]string, 0, len(rdbmsColumns)-1)
	for _, c := range rdbmsColumns {
		if c != "user_name" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *SearchEngine) aggregations(req *Request) map[string]any {
	var fields = req.FacetFields
	if len(fields) == 0 {
		fields, _ = e.Facets(context.Background())
	}
	var aggs = map[string]any{}
	for _, f := range fields {
		aggs[f] = map[string]any{"terms": map[string]any{"field": f, "size": 10000}}
	}
	return aggs
}

func (e *SearchEngine) MetadataSearch(ctx context.Context, req *Request) (*Result, error) {
	var resp, err = e.search(ctx, map[string]any{
		"query": e.boolQuery(req),
		"size":  0,
		"aggs":  e.aggregations(req),
	})
	if err != nil {
		return nil, err
	}
	return &Result{Total: resp.Hits.Total.Value, Facets: e.facetCounts(resp)}, nil
}

func (e *SearchEngine) facetCounts(resp *engineResponse) FacetCounts {
	var out = FacetCounts{}
	for facet, agg := range resp.Aggregations {
		var flat []any
		for _, b := range agg.Buckets {
			flat = append(flat, b.Key, b.DocCount)
		}
		if len(flat) > 0 {
			out[facet] = flat
		}
	}
	return out
}

func (e *SearchEngine) ExtendedSearch(ctx context.Context, req *Request) (*Result, error) {
	var resp, err = e.search(ctx, map[string]any{
		"query": e.boolQuery(req),
		"size":  req.MaxResults,
		"from":  req.Start,
		"aggs":  e.aggregations(req),
	})
	if err != nil {
		return nil, err
	}
	var res = &Result{Total: resp.Hits.Total.Value, Facets: e.facetCounts(resp)}
	for _, h := range resp.Hits.Hits {
		res.Docs = append(res.Docs, h.Source)
	}
	return res, nil
}

func (e *SearchEngine) StreamKeys(ctx context.Context, req *Request, emit func(string) error) (int64, error) {
	return e.afterWalk(ctx, req, func(doc Doc) error {
		if v, ok := doc[string(req.UniqKey)].(string); ok {
			return emit(v)
		}
		return nil
	})
}

func (e *SearchEngine) StreamDocs(ctx context.Context, req *Request, emit func(Doc) error) (int64, error) {
	return e.afterWalk(ctx, req, emit)
}

// afterWalk pages with search_after on the uniq key sort.
func (e *SearchEngine) afterWalk(ctx context.Context, req *Request, emit func(Doc) error) (int64, error) {
	var after []any
	var total int64
	for {
		var body = map[string]any{
			"query": e.boolQuery(req),
			"size":  e.batchSize,
			"sort":  []any{map[string]any{string(req.UniqKey): "desc"}},
		}
		if after != nil {
			body["search_after"] = after
		}
		var resp, err = e.search(ctx, body)
		if err != nil {
			return total, err
		}
		total = resp.Hits.Total.Value
		if len(resp.Hits.Hits) == 0 {
			return total, nil
		}
		for _, h := range resp.Hits.Hits {
			if err = emit(h.Source); err != nil {
				return total, err
			}
			after = h.Sort
		}
	}
}

var _ Backend = (*SearchEngine)(nil)

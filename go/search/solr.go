package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Solr is the native metadata index backend. It speaks the Solr JSON
// HTTP API and supports cursor-based deep paging and user data ingest.
type Solr struct {
	baseURL    string // http://host:port/solr
	core       string // all dataset versions
	latestCore string // latest version only
	client     *http.Client
	batchSize  int
}

// NewSolr builds a Solr backend. |core| holds every dataset version,
// |latestCore| only the most recent one.
func NewSolr(host string, port int, core, latestCore string) *Solr {
	return &Solr{
		baseURL:    fmt.Sprintf("http://%s:%d/solr", host, port),
		core:       core,
		latestCore: latestCore,
		client:     &http.Client{Timeout: 30 * time.Second},
		batchSize:  DefaultBatchSize,
	}
}

func (s *Solr) coreFor(req *Request) string {
	if req.MultiVersion {
		return s.core
	}
	return s.latestCore
}

// solrResponse is the subset of a Solr select response we consume.
type solrResponse struct {
	Response struct {
		NumFound int64 `json:"numFound"`
		Docs     []Doc `json:"docs"`
	} `json:"response"`
	FacetCounts struct {
		FacetFields map[string][]any `json:"facet_fields"`
	} `json:"facet_counts"`
	NextCursorMark string `json:"nextCursorMark"`
}

// FilterQueries renders the fq clauses of a request. Facet values are
// escaped and lowercased, uniq key values keep their case.
func FilterQueries(req *Request) []string {
	var fq []string
	if req.Time != nil {
		fq = append(fq, req.Time.SolrFilter())
	}
	if req.BBox != nil {
		fq = append(fq, req.BBox.SolrFilter())
	}
	if req.UserOnly {
		fq = append(fq, "user:*")
	} else {
		fq = append(fq, "{!ex=userTag}-user:*")
	}
	fq = append(fq, facetFilters(req.Facets, false)...)
	fq = append(fq, facetFilters(req.NotFacets, true)...)
	return fq
}

func facetFilters(facets map[string][]string, negate bool) []string {
	var out []string
	for _, facet := range sortedKeys(facets) {
		var rendered []string
		for _, v := range facets[facet] {
			if facet != "file" && facet != "uri" {
				v = strings.ToLower(v)
			}
			rendered = append(rendered, EscapeValue(v))
		}
		if len(rendered) == 0 {
			continue
		}
		var clause = fmt.Sprintf("%s:(%s)", facet, strings.Join(rendered, " OR "))
		if negate {
			clause = "-" + clause
		}
		out = append(out, clause)
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Solr) baseQuery(req *Request) url.Values {
	var q = url.Values{}
	q.Set("q", "*:*")
	q.Set("wt", "json")
	q.Set("facet", "true")
	q.Set("facet.mincount", "1")
	q.Set("facet.limit", "-1")
	for _, fq := range FilterQueries(req) {
		q.Add("fq", fq)
	}
	return q
}

func (s *Solr) addFacetFields(q url.Values, req *Request, all []string) {
	var fields = req.FacetFields
	if len(fields) == 0 {
		fields = all
	}
	for _, f := range fields {
		q.Add("facet.field", "{!ex=userTag}"+f)
	}
}

func (s *Solr) selectQuery(ctx context.Context, core string, q url.Values) (*solrResponse, error) {
	var u = fmt.Sprintf("%s/%s/select?%s", s.baseURL, core, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("solr request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body, _ = io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &ErrBackend{Err: fmt.Errorf("solr returned %d: %s", resp.StatusCode, body)}
	}
	var out solrResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("failed to decode solr response: %w", err)}
	}
	return &out, nil
}

// Facets queries the index schema for facet field names.
func (s *Solr) Facets(ctx context.Context) ([]string, error) {
	var u = fmt.Sprintf("%s/%s/schema/fields", s.baseURL, s.latestCore)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("solr schema request failed: %w", err)}
	}
	defer resp.Body.Close()

	var schema struct {
		Fields []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"fields"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&schema); err != nil {
		return nil, &ErrBackend{Err: fmt.Errorf("failed to decode solr schema: %w", err)}
	}
	var out []string
	for _, f := range schema.Fields {
		if strings.HasPrefix(f.Name, "_") {
			continue
		}
		if f.Type == "text_general" || f.Type == "extra_facet" {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

// MetadataSearch counts facets without fetching documents.
func (s *Solr) MetadataSearch(ctx context.Context, req *Request) (*Result, error) {
	all, err := s.Facets(ctx)
	if err != nil {
		return nil, err
	}
	var q = s.baseQuery(req)
	q.Set("rows", "0")
	s.addFacetFields(q, req, all)

	resp, err := s.selectQuery(ctx, s.coreFor(req), q)
	if err != nil {
		return nil, err
	}
	return &Result{
		Total:  resp.Response.NumFound,
		Facets: FacetCounts(resp.FacetCounts.FacetFields),
	}, nil
}

// ExtendedSearch counts facets and returns one page of documents.
func (s *Solr) ExtendedSearch(ctx context.Context, req *Request) (*Result, error) {
	all, err := s.Facets(ctx)
	if err != nil {
		return nil, err
	}
	var q = s.baseQuery(req)
	q.Set("rows", strconv.Itoa(req.MaxResults))
	q.Set("start", strconv.Itoa(req.Start))
	s.addFacetFields(q, req, all)

	resp, err := s.selectQuery(ctx, s.coreFor(req), q)
	if err != nil {
		return nil, err
	}
	return &Result{
		Total:  resp.Response.NumFound,
		Facets: FacetCounts(resp.FacetCounts.FacetFields),
		Docs:   resp.Response.Docs,
	}, nil
}

// StreamKeys walks the full result set via cursor paging and emits the
// uniq key of every match.
func (s *Solr) StreamKeys(ctx context.Context, req *Request, emit func(string) error) (int64, error) {
	return s.cursorWalk(ctx, req, string(req.UniqKey), func(doc Doc) error {
		if v, ok := doc[string(req.UniqKey)].(string); ok {
			return emit(v)
		}
		return nil
	})
}

// StreamDocs walks the full result set emitting complete records.
func (s *Solr) StreamDocs(ctx context.Context, req *Request, emit func(Doc) error) (int64, error) {
	return s.cursorWalk(ctx, req, "*", emit)
}

// cursorWalk pages with Solr cursorMarks. The walk terminates when the
// returned cursor equals the one we sent.
func (s *Solr) cursorWalk(ctx context.Context, req *Request, fl string, emit func(Doc) error) (int64, error) {
	var q = s.baseQuery(req)
	q.Set("facet", "false")
	q.Set("rows", strconv.Itoa(s.batchSize))
	q.Set("fl", fl)
	// Cursor paging needs a total order; _version_ breaks ties between
	// dataset versions sharing a file path.
	q.Set("sort", "file desc,_version_ asc")

	var cursor = "*"
	var total int64
	for {
		q.Set("cursorMark", cursor)
		var resp, err = s.selectQuery(ctx, s.coreFor(req), q)
		if err != nil {
			return total, err
		}
		total = resp.Response.NumFound
		for _, doc := range resp.Response.Docs {
			if err = emit(doc); err != nil {
				return total, err
			}
		}
		if resp.NextCursorMark == cursor || resp.NextCursorMark == "" {
			return total, nil
		}
		cursor = resp.NextCursorMark
	}
}

// IngestUserData adds user metadata records into the latest core with
// overwrite disabled, so re-ingesting an existing record is a no-op.
// Records lacking both the file and uri keys are skipped.
func (s *Solr) IngestUserData(ctx context.Context, username string, docs []Doc) (int, int, error) {
	var batch = make([]Doc, 0, len(docs))
	var skipped int
	for _, doc := range docs {
		if doc["file"] == nil && doc["uri"] == nil {
			skipped++
			continue
		}
		var d = make(Doc, len(doc)+1)
		for k, v := range doc {
			d[k] = v
		}
		d["user"] = username
		batch = append(batch, d)
	}
	if len(batch) > 0 {
		if err := s.update(ctx, "/update/json?commit=true&overwrite=false", batch); err != nil {
			return 0, skipped, err
		}
	}
	return len(batch), skipped, nil
}

// DeleteUserData removes the user's records matching the given facets.
// Non-file facet values are lowercased, mirroring how they are indexed.
func (s *Solr) DeleteUserData(ctx context.Context, username string, match map[string][]string) error {
	var clauses = []string{fmt.Sprintf("user:(%s)", EscapeValue(username))}
	for _, facet := range sortedKeys(match) {
		var rendered []string
		for _, v := range match[facet] {
			if facet != "file" && facet != "uri" {
				v = strings.ToLower(v)
			}
			rendered = append(rendered, EscapeValue(v))
		}
		clauses = append(clauses, fmt.Sprintf("%s:(%s)", facet, strings.Join(rendered, " OR ")))
	}
	var body = map[string]any{
		"delete": map[string]string{"query": strings.Join(clauses, " AND ")},
	}
	return s.update(ctx, "/update/json?commit=true", body)
}

func (s *Solr) update(ctx context.Context, path string, body any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	var u = s.baseURL + "/" + s.latestCore + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return &ErrBackend{Err: fmt.Errorf("solr update failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var b, _ = io.ReadAll(io.LimitReader(resp.Body, 2048))
		log.WithFields(log.Fields{"status": resp.StatusCode, "body": string(b)}).
			Error("solr update rejected")
		return &ErrBackend{Err: fmt.Errorf("solr update returned %d", resp.StatusCode)}
	}
	return nil
}

var _ Backend = (*Solr)(nil)
var _ Ingester = (*Solr)(nil)

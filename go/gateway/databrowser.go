package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/freva-org/freva-gateway/go/docstore"
	"github.com/freva-org/freva-gateway/go/search"
	"github.com/freva-org/freva-gateway/go/zarr"
)

// Query parameters which are not facet constraints.
var controlParams = map[string]bool{
	"translate":     true,
	"start":         true,
	"max-results":   true,
	"facets":        true,
	"multi-version": true,
	"zarr_stream":   true,
}

// parseSearchRequest validates and translates the query of a search
// endpoint into a canonical request.
func (s *Server) parseSearchRequest(r *http.Request, flavourName, uniqKeyName string) (*search.Request, error) {
	var ctx = r.Context()
	var uniqKey = search.UniqKey(uniqKeyName)
	if uniqKey != search.UniqFile && uniqKey != search.UniqURI {
		return nil, &search.ErrBadQuery{Detail: fmt.Sprintf(
			"uniq key must be file or uri, got %q", uniqKeyName)}
	}

	var username string
	if user := s.maybeUser(r); user != nil {
		username = user.Username
	}
	var flavour, err = s.flavours.Resolve(ctx, flavourName, username)
	if err != nil {
		return nil, err
	}

	var q = r.URL.Query()
	var req = &search.Request{
		UniqKey:      uniqKey,
		Flavour:      flavour,
		Translate:    q.Get("translate") != "false",
		Facets:       map[string][]string{},
		NotFacets:    map[string][]string{},
		MaxResults:   -1,
		UserOnly:     flavour.Name == "user",
		MultiVersion: q.Get("multi-version") == "true",
		FacetFields:  q["facets"],
	}
	if v := q.Get("start"); v != "" {
		if req.Start, err = strconv.Atoi(v); err != nil || req.Start < 0 {
			return nil, &search.ErrBadQuery{Detail: fmt.Sprintf("invalid start value %q", v)}
		}
	}
	if v := q.Get("max-results"); v != "" {
		if req.MaxResults, err = strconv.Atoi(v); err != nil {
			return nil, &search.ErrBadQuery{Detail: fmt.Sprintf("invalid max-results value %q", v)}
		}
	}

	var params = map[string][]string{}
	for key, values := range q {
		if !controlParams[key] {
			params[key] = values
		}
	}
	if req.Translate {
		params = flavour.TranslateQuery(params)
	}

	valid, err := s.validFacets(ctx)
	if err != nil {
		return nil, err
	}
	var keys = make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	if err = search.ValidateKeys(keys, valid, req.MultiVersion); err != nil {
		return nil, err
	}

	if v := params["time"]; len(v) > 0 {
		if req.Time, err = search.ParseTimeRange(v[0], first(params["time_select"])); err != nil {
			return nil, err
		}
	}
	if v := params["bbox"]; len(v) > 0 {
		if req.BBox, err = search.ParseBBox(v[0], first(params["bbox_select"])); err != nil {
			return nil, err
		}
	}
	delete(params, "time")
	delete(params, "time_select")
	delete(params, "bbox")
	delete(params, "bbox_select")

	for key, values := range params {
		var name, negatedKey = strings.CutSuffix(key, "_not_")
		var positive, negative = search.SplitNegations(values)
		if negatedKey {
			req.NotFacets[name] = append(req.NotFacets[name], values...)
			continue
		}
		if len(positive) > 0 {
			req.Facets[name] = append(req.Facets[name], positive...)
		}
		if len(negative) > 0 {
			req.NotFacets[name] = append(req.NotFacets[name], negative...)
		}
	}
	return req, nil
}

func first(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

// recordStat files a statistics record for a served search.
func (s *Server) recordStat(r *http.Request, req *search.Request, total int64, status int, apiType string) {
	var query = map[string]string{}
	for facet, values := range req.Facets {
		query[facet] = strings.Join(values, "&")
	}
	s.docs.RecordStat(&docstore.SearchStat{
		Metadata: docstore.StatMetadata{
			NumResults:   total,
			Flavour:      req.Flavour.Name,
			UniqKey:      string(req.UniqKey),
			ServerStatus: status,
			APIType:      apiType,
			Endpoint:     r.URL.Path,
			Date:         time.Now().UTC(),
		},
		Query: query,
	})
}

// translateCounts rewrites facet count keys into display vocabulary.
func translateCounts(req *search.Request, counts search.FacetCounts) search.FacetCounts {
	if !req.Translate {
		return counts
	}
	var out = make(search.FacetCounts, len(counts))
	for key, values := range counts {
		out[req.Flavour.Translate(key)] = values
	}
	return out
}

func translateDoc(req *search.Request, doc search.Doc) search.Doc {
	if !req.Translate {
		return doc
	}
	var out = make(search.Doc, len(doc))
	for key, v := range doc {
		out[req.Flavour.Translate(key)] = v
	}
	return out
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	var ctx = r.Context()
	var facets, err = s.validFacets(ctx)
	if err != nil {
		httpError(w, err)
		return
	}
	var username string
	if user := s.maybeUser(r); user != nil {
		username = user.Username
	}
	flavours, err := s.flavours.All(ctx, username)
	if err != nil {
		httpError(w, err)
		return
	}

	var names = make([]string, 0, len(flavours))
	var primary = map[string][]string{}
	for _, f := range flavours {
		names = append(names, f.Name)
		primary[f.Name] = f.PrimaryFacets()
	}
	var attributes = append([]string{}, facets...)
	attributes = append(attributes,
		"time", "time_select", "bbox", "bbox_select", "file", "uri")
	sort.Strings(attributes)

	writeJSON(w, http.StatusOK, map[string]any{
		"flavours":       names,
		"attributes":     attributes,
		"primary_facets": primary,
	})
}

func (s *Server) handleMetadataSearch(w http.ResponseWriter, r *http.Request) {
	var req, err = s.parseSearchRequest(r,
		chi.URLParam(r, "flavour"), chi.URLParam(r, "uniqKey"))
	if err != nil {
		httpError(w, err)
		return
	}
	res, err := s.backend.MetadataSearch(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	s.recordStat(r, req, res.Total, http.StatusOK, "databrowser")
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count":    res.Total,
		"facets":         translateCounts(req, res.Facets),
		"primary_facets": req.Flavour.PrimaryFacets(),
	})
}

func (s *Server) handleDataSearch(w http.ResponseWriter, r *http.Request) {
	var req, err = s.parseSearchRequest(r,
		chi.URLParam(r, "flavour"), chi.URLParam(r, "uniqKey"))
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	var flusher, _ = w.(http.Flusher)

	total, err := s.backend.StreamKeys(r.Context(), req, func(key string) error {
		if _, werr := fmt.Fprintln(w, key); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		log.WithField("err", err).Warn("data search stream aborted")
		return
	}
	s.recordStat(r, req, total, http.StatusOK, "databrowser")
}

// Extended search returns documents, so an unbounded default would ship
// the whole index; streaming endpoints keep -1 as "no limit".
const defaultExtendedResults = 150

func (s *Server) handleExtendedSearch(w http.ResponseWriter, r *http.Request) {
	var req, err = s.parseSearchRequest(r,
		chi.URLParam(r, "flavour"), chi.URLParam(r, "uniqKey"))
	if err != nil {
		httpError(w, err)
		return
	}
	if req.MaxResults < 0 {
		req.MaxResults = defaultExtendedResults
	}
	res, err := s.backend.ExtendedSearch(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	var docs = make([]search.Doc, 0, len(res.Docs))
	for _, doc := range res.Docs {
		docs = append(docs, translateDoc(req, doc))
	}
	s.recordStat(r, req, res.Total, http.StatusOK, "databrowser")
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count":    res.Total,
		"facets":         translateCounts(req, res.Facets),
		"search_results": docs,
		"primary_facets": req.Flavour.PrimaryFacets(),
	})
}

// catalogueTotal counts the matches of a catalogue request, enforcing
// the zero-hit and over-limit rules.
func (s *Server) catalogueTotal(r *http.Request, req *search.Request) (int64, error) {
	var res, err = s.backend.MetadataSearch(r.Context(), req)
	if err != nil {
		return 0, err
	}
	if res.Total == 0 {
		return 0, errNoHits
	}
	if req.MaxResults > 0 && res.Total > int64(req.MaxResults) {
		return res.Total, &errTooLarge{total: res.Total, limit: req.MaxResults}
	}
	return res.Total, nil
}

var errNoHits = fmt.Errorf("the query produced no results")

type errTooLarge struct {
	total int64
	limit int
}

func (e *errTooLarge) Error() string {
	return fmt.Sprintf("result set of %d entries exceeds the requested limit of %d", e.total, e.limit)
}

func (s *Server) handleIntakeCatalogue(w http.ResponseWriter, r *http.Request) {
	var req, err = s.parseSearchRequest(r,
		chi.URLParam(r, "flavour"), chi.URLParam(r, "uniqKey"))
	if err != nil {
		httpError(w, err)
		return
	}
	total, err := s.catalogueTotal(r, req)
	if err != nil {
		s.catalogueError(w, err)
		return
	}
	facets, err := s.validFacets(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="catalogue.json"`)
	var variableCol = "variable"
	if req.Translate {
		variableCol = req.Flavour.Translate("variable")
	}
	cat, err := search.NewIntakeCatalogue(w, req.UniqKey, facets, variableCol)
	if err != nil {
		httpError(w, err)
		return
	}
	if _, err = s.backend.StreamDocs(r.Context(), req, cat.Write); err != nil {
		log.WithField("err", err).Warn("intake catalogue stream aborted")
		return
	}
	if err = cat.Close(); err != nil {
		log.WithField("err", err).Warn("failed to finish intake catalogue")
	}
	s.recordStat(r, req, total, http.StatusOK, "databrowser")
}

func (s *Server) handleStacCatalogue(w http.ResponseWriter, r *http.Request) {
	var req, err = s.parseSearchRequest(r,
		chi.URLParam(r, "flavour"), chi.URLParam(r, "uniqKey"))
	if err != nil {
		httpError(w, err)
		return
	}
	total, err := s.catalogueTotal(r, req)
	if err != nil {
		s.catalogueError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="stac-catalog.zip"`)
	var writer = search.NewStacWriter(w, req.UniqKey, s.cfg.BaseURL)
	if _, err = s.backend.StreamDocs(r.Context(), req, writer.Write); err != nil {
		log.WithField("err", err).Warn("stac catalogue stream aborted")
		return
	}
	if err = writer.Close(); err != nil {
		log.WithField("err", err).Warn("failed to finish stac catalogue")
	}
	s.recordStat(r, req, total, http.StatusOK, "databrowser")
}

func (s *Server) catalogueError(w http.ResponseWriter, err error) {
	var tooLarge *errTooLarge
	switch {
	case errors.Is(err, errNoHits):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		httpError(w, err)
	}
}

// handleLoad submits every matching file for zarr materialization and
// streams the resulting stream URLs.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var _, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	req, err := s.parseSearchRequest(r, chi.URLParam(r, "flavour"), "file")
	if err != nil {
		httpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	var flusher, _ = w.(http.Flusher)
	var ctx = r.Context()

	total, err := s.backend.StreamKeys(ctx, req, func(key string) error {
		var token = zarr.EncodeToken(key)
		if perr := s.broker.PublishLoad(ctx, key, token); perr != nil {
			return perr
		}
		if _, werr := fmt.Fprintf(w, "%s%s/data-portal/zarr/%s.zarr\n",
			s.cfg.BaseURL, APIPrefix, token); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		log.WithField("err", err).Warn("zarr load stream aborted")
		return
	}
	s.recordStat(r, req, total, http.StatusCreated, "zarr-stream")
}

// userDataBody is the ingest request payload. Facets are common
// metadata merged into every record.
type userDataBody struct {
	UserMetadata []map[string]any `json:"user_metadata"`
	Facets       map[string]any   `json:"facets"`
}

func (s *Server) handleUserDataAdd(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable,
			"user data ingest requires the solr backend")
		return
	}
	var body userDataBody
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.UserMetadata) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "request carries no metadata records")
		return
	}
	var docs = make([]search.Doc, 0, len(body.UserMetadata))
	for _, rec := range body.UserMetadata {
		if rec["file"] == nil && rec["uri"] == nil {
			writeError(w, http.StatusUnprocessableEntity,
				"every record needs a file or uri key")
			return
		}
		for k, v := range body.Facets {
			rec[k] = v
		}
		docs = append(docs, search.Doc(rec))
	}

	added, skipped, err := s.ingester.IngestUserData(r.Context(), user.Username, docs)
	if err != nil {
		httpError(w, err)
		return
	}
	if err = s.docs.UpsertUserData(r.Context(), user.Username, body.UserMetadata); err != nil {
		log.WithField("err", err).Warn("failed to mirror user data records")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "ingested",
		"added":   added,
		"skipped": skipped,
	})
}

func (s *Server) handleUserDataDelete(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable,
			"user data ingest requires the solr backend")
		return
	}
	var match = map[string][]string{}
	if r.Body != nil {
		var raw map[string]any
		if derr := json.NewDecoder(r.Body).Decode(&raw); derr == nil {
			for key, v := range raw {
				switch t := v.(type) {
				case string:
					match[key] = []string{t}
				case []any:
					for _, e := range t {
						if sv, ok := e.(string); ok {
							match[key] = append(match[key], sv)
						}
					}
				}
			}
		}
	}
	if err = s.ingester.DeleteUserData(r.Context(), user.Username, match); err != nil {
		httpError(w, err)
		return
	}
	var removed, derr = s.docs.DeleteUserData(r.Context(), user.Username, match)
	if derr != nil {
		log.WithField("err", derr).Warn("failed to remove mirrored user data records")
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "deleted",
		"removed": removed,
	})
}

// flavourBody is the flavour creation payload.
type flavourBody struct {
	Name     string            `json:"flavour_name"`
	Mapping  map[string]string `json:"mapping"`
	IsGlobal bool              `json:"is_global"`
}

func (s *Server) handleFlavourPut(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var body flavourBody
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "a flavour needs a name and a mapping")
		return
	}
	var owner = user.Username
	if body.IsGlobal {
		if !s.auth.IsAdmin(user) {
			writeError(w, http.StatusForbidden, "global flavours require admin rights")
			return
		}
		owner = ""
	}
	if err = s.flavours.Add(r.Context(), body.Name, owner, body.Mapping); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"status":       "created",
		"flavour_name": body.Name,
	})
}

func (s *Server) handleFlavourList(w http.ResponseWriter, r *http.Request) {
	var username string
	if user := s.maybeUser(r); user != nil {
		username = user.Username
	}
	var flavours, err = s.flavours.All(r.Context(), username)
	if err != nil {
		httpError(w, err)
		return
	}
	var out = make([]map[string]any, 0, len(flavours))
	for _, f := range flavours {
		out = append(out, map[string]any{
			"flavour_name": f.Name,
			"owner":        f.Owner,
			"mapping":      f.Forward,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"flavours": out})
}

func (s *Server) handleFlavourDelete(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var owner = user.Username
	if r.URL.Query().Get("is_global") == "true" && s.auth.IsAdmin(user) {
		owner = ""
	}
	if err = s.flavours.Delete(r.Context(), chi.URLParam(r, "name"), owner); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

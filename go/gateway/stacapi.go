package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/freva-org/freva-gateway/go/search"
	"github.com/freva-org/freva-gateway/go/translate"
)

const stacVersion = "1.0.0"

var stacConformance = []string{
	"https://api.stacspec.org/v1.0.0/core",
	"https://api.stacspec.org/v1.0.0/collections",
	"https://api.stacspec.org/v1.0.0/ogcapi-features",
	"https://api.stacspec.org/v1.0.0/item-search",
}

const (
	stacDefaultLimit = 10
	stacMaxLimit     = 100
)

func (s *Server) stacBase() string {
	return s.cfg.BaseURL + APIPrefix + "/stacapi"
}

// stacRequest builds a canonical-vocabulary search over the whole
// index, the way STAC clients expect: no translation, latest versions.
func stacRequest() *search.Request {
	return &search.Request{
		UniqKey:    search.UniqFile,
		Flavour:    translate.Builtin("freva"),
		Facets:     map[string][]string{},
		NotFacets:  map[string][]string{},
		MaxResults: -1,
	}
}

func (s *Server) handleStacLanding(w http.ResponseWriter, r *http.Request) {
	var base = s.stacBase()
	writeJSON(w, http.StatusOK, map[string]any{
		"type":         "Catalog",
		"stac_version": stacVersion,
		"id":           "freva",
		"description":  "STAC access to the freva data catalogue",
		"conformsTo":   stacConformance,
		"links": []map[string]string{
			{"rel": "self", "type": "application/json", "href": base + "/"},
			{"rel": "conformance", "type": "application/json", "href": base + "/conformance"},
			{"rel": "data", "type": "application/json", "href": base + "/collections"},
			{"rel": "search", "type": "application/geo+json", "href": base + "/search"},
		},
	})
}

func (s *Server) handleStacConformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conformsTo": stacConformance})
}

// projectIDs lists the collection identifiers, one per project facet
// value.
func (s *Server) projectIDs(r *http.Request) ([]string, error) {
	var req = stacRequest()
	req.FacetFields = []string{"project"}
	var res, err = s.backend.MetadataSearch(r.Context(), req)
	if err != nil {
		return nil, err
	}
	var values = res.Facets["project"]
	var out = make([]string, 0, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		if name, ok := values[i].(string); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Server) stacCollection(id string) map[string]any {
	var base = s.stacBase()
	return map[string]any{
		"type":         "Collection",
		"stac_version": stacVersion,
		"id":           id,
		"description":  fmt.Sprintf("Datasets of project %s", id),
		"license":      "proprietary",
		"extent": map[string]any{
			"spatial":  map[string]any{"bbox": [][]float64{{-180, -90, 180, 90}}},
			"temporal": map[string]any{"interval": [][]any{{nil, nil}}},
		},
		"links": []map[string]string{
			{"rel": "self", "href": fmt.Sprintf("%s/collections/%s", base, id)},
			{"rel": "items", "href": fmt.Sprintf("%s/collections/%s/items", base, id)},
			{"rel": "root", "href": base + "/"},
		},
	}
}

func (s *Server) handleStacCollections(w http.ResponseWriter, r *http.Request) {
	var ids, err = s.projectIDs(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var collections = make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		collections = append(collections, s.stacCollection(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": collections,
		"links": []map[string]string{
			{"rel": "self", "href": s.stacBase() + "/collections"},
		},
	})
}

func (s *Server) handleStacCollection(w http.ResponseWriter, r *http.Request) {
	var id = chi.URLParam(r, "id")
	var ids, err = s.projectIDs(r)
	if err != nil {
		httpError(w, err)
		return
	}
	for _, known := range ids {
		if known == id {
			writeJSON(w, http.StatusOK, s.stacCollection(id))
			return
		}
	}
	writeError(w, http.StatusNotFound, "no such collection: "+id)
}

// parsePagingToken decodes a `next:<collection>:<offset>` token.
func parsePagingToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	var parts = strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != "next" {
		return 0, &search.ErrBadQuery{Detail: "invalid paging token"}
	}
	var offset, err = strconv.Atoi(parts[2])
	if err != nil || offset < 0 {
		return 0, &search.ErrBadQuery{Detail: "invalid paging token"}
	}
	return offset, nil
}

func stacLimit(raw string) (int, error) {
	if raw == "" {
		return stacDefaultLimit, nil
	}
	var limit, err = strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, &search.ErrBadQuery{Detail: "invalid limit"}
	}
	if limit > stacMaxLimit {
		limit = stacMaxLimit
	}
	return limit, nil
}

// serveStacItems pages one item search and renders a FeatureCollection.
func (s *Server) serveStacItems(w http.ResponseWriter, r *http.Request, req *search.Request, collection string, limit, offset int) {
	req.Start = offset
	req.MaxResults = limit
	var res, err = s.backend.ExtendedSearch(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}

	var features = make([]map[string]any, 0, len(res.Docs))
	for _, doc := range res.Docs {
		features = append(features, search.StacItem(doc, req.UniqKey))
	}
	var out = map[string]any{
		"type":           "FeatureCollection",
		"features":       features,
		"numberMatched":  res.Total,
		"numberReturned": len(features),
	}
	if int64(offset+limit) < res.Total {
		out["next"] = fmt.Sprintf("next:%s:%d", collection, offset+limit)
	}
	s.recordStat(r, req, res.Total, http.StatusOK, "stacapi")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStacItems(w http.ResponseWriter, r *http.Request) {
	var id = chi.URLParam(r, "id")
	var offset, err = parsePagingToken(r.URL.Query().Get("token"))
	if err != nil {
		httpError(w, err)
		return
	}
	limit, err := stacLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httpError(w, err)
		return
	}
	var req = stacRequest()
	req.Facets["project"] = []string{id}
	s.serveStacItems(w, r, req, id, limit, offset)
}

func (s *Server) handleStacItem(w http.ResponseWriter, r *http.Request) {
	var id = chi.URLParam(r, "id")
	var itemID = chi.URLParam(r, "item")
	var req = stacRequest()
	req.Facets["project"] = []string{id}

	var found map[string]any
	var _, err = s.backend.StreamDocs(r.Context(), req, func(doc search.Doc) error {
		var item = search.StacItem(doc, req.UniqKey)
		if item["id"] == itemID {
			found = item
			return errStacItemFound
		}
		return nil
	})
	if err != nil && found == nil {
		httpError(w, err)
		return
	}
	if found == nil {
		writeError(w, http.StatusNotFound, "no such item: "+itemID)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// errStacItemFound aborts the stream walk once the item is found.
var errStacItemFound = fmt.Errorf("item found")

// stacSearchBody is the POST /search payload; GET uses the same fields
// as query parameters.
type stacSearchBody struct {
	Collections []string  `json:"collections"`
	BBox        []float64 `json:"bbox"`
	Datetime    string    `json:"datetime"`
	Limit       int       `json:"limit"`
	Token       string    `json:"token"`
}

func (s *Server) handleStacSearch(w http.ResponseWriter, r *http.Request) {
	var body stacSearchBody
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid request body")
			return
		}
	} else {
		var q = r.URL.Query()
		if v := q.Get("collections"); v != "" {
			body.Collections = strings.Split(v, ",")
		}
		if v := q.Get("bbox"); v != "" {
			for _, p := range strings.Split(v, ",") {
				var f, err = strconv.ParseFloat(strings.TrimSpace(p), 64)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "invalid bbox")
					return
				}
				body.BBox = append(body.BBox, f)
			}
		}
		body.Datetime = q.Get("datetime")
		body.Token = q.Get("token")
		if v := q.Get("limit"); v != "" {
			body.Limit, _ = strconv.Atoi(v)
		}
	}

	var offset, err = parsePagingToken(body.Token)
	if err != nil {
		httpError(w, err)
		return
	}
	var limit = body.Limit
	if limit < 1 {
		limit = stacDefaultLimit
	}
	if limit > stacMaxLimit {
		limit = stacMaxLimit
	}

	var req = stacRequest()
	if len(body.Collections) > 0 {
		req.Facets["project"] = body.Collections
	}
	if len(body.BBox) == 4 {
		// STAC order is minLon, minLat, maxLon, maxLat.
		var value = fmt.Sprintf("%g,%g,%g,%g",
			body.BBox[0], body.BBox[2], body.BBox[1], body.BBox[3])
		if req.BBox, err = search.ParseBBox(value, ""); err != nil {
			httpError(w, err)
			return
		}
	}
	if body.Datetime != "" {
		var start, end, _ = strings.Cut(body.Datetime, "/")
		if end == "" {
			end = start
		}
		if start == ".." {
			start = ""
		}
		if end == ".." {
			end = ""
		}
		if req.Time, err = search.ParseTimeRange(start+" to "+end, ""); err != nil {
			httpError(w, err)
			return
		}
	}
	s.serveStacItems(w, r, req, "", limit, offset)
}

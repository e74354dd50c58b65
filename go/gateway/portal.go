package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/freva-org/freva-gateway/go/cache"
	"github.com/freva-org/freva-gateway/go/docstore"
	"github.com/freva-org/freva-gateway/go/zarr"
)

// How long a zarr request waits for the worker pool before telling the
// client to retry.
const portalWait = 30 * time.Second

// How long a chunk request polls the cache after publishing.
const chunkPollInterval = 100 * time.Millisecond

// handleZarr serves one key of a materialized zarr store.
func (s *Server) handleZarr(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		httpError(w, err)
		return
	}
	var token = chi.URLParam(r, "token")
	var path, err = zarr.DecodeToken(token)
	if err != nil {
		// Aggregated stores use opaque tokens; their status entry names
		// the path instead.
		path = ""
	}
	s.serveZarrKey(w, r, token, path, chi.URLParam(r, "*"))
}

// serveZarrKey dispatches on the store key. Shared by the
// authenticated and the pre-signed entry points.
func (s *Server) serveZarrKey(w http.ResponseWriter, r *http.Request, token, path, key string) {
	var ctx = r.Context()
	key = strings.Trim(key, "/")

	switch {
	case key == "zarr.json":
		writeError(w, http.StatusNotFound, "Zarr v3 stores are not supported")
		return
	case key == "":
		writeError(w, http.StatusNotFound, "missing store key")
		return
	}

	var entry, err = s.ensureLoaded(ctx, token, path)
	if err != nil {
		s.portalError(w, entry, err)
		return
	}

	switch key {
	case ".zmetadata":
		w.Header().Set("Content-Type", "application/json")
		w.Write(entry.Meta)
		return
	}

	var cons zarr.Consolidated
	if err = json.Unmarshal(entry.Meta, &cons); err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt consolidated metadata")
		return
	}
	if raw := cons.Get(key); raw != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
		return
	}
	if strings.HasSuffix(key, ".zgroup") || strings.HasSuffix(key, ".zattrs") ||
		strings.HasSuffix(key, ".zarray") {
		writeError(w, http.StatusNotFound, "no such store key: "+key)
		return
	}

	s.serveChunk(w, r, &cons, token, key)
}

// serveChunk serves raw chunk bytes, asking the worker pool to encode
// them when they are not cached yet.
func (s *Server) serveChunk(w http.ResponseWriter, r *http.Request, cons *zarr.Consolidated, token, key string) {
	var ctx = r.Context()
	var slash = strings.LastIndex(key, "/")
	if slash < 0 {
		writeError(w, http.StatusNotFound, "no such store key: "+key)
		return
	}
	var variable, chunk = key[:slash], key[slash+1:]
	if cons.Get(variable+"/.zarray") == nil {
		writeError(w, http.StatusNotFound, "no such variable: "+variable)
		return
	}
	if !validChunkID(chunk) {
		writeError(w, http.StatusBadRequest, "malformed chunk key: "+chunk)
		return
	}

	var data, err = s.broker.GetChunk(ctx, token, variable, chunk)
	if errors.Is(err, cache.ErrMiss) {
		if err = s.broker.PublishChunk(ctx, token, variable, chunk); err != nil {
			httpError(w, err)
			return
		}
		data, err = s.pollChunk(ctx, token, variable, chunk)
	}
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) pollChunk(ctx context.Context, token, variable, chunk string) ([]byte, error) {
	var ctxT, cancel = context.WithTimeout(ctx, portalWait)
	defer cancel()
	var ticker = time.NewTicker(chunkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctxT.Done():
			return nil, ctxT.Err()
		case <-ticker.C:
			var data, err = s.broker.GetChunk(ctxT, token, variable, chunk)
			if err == nil {
				return data, nil
			}
			if !errors.Is(err, cache.ErrMiss) {
				return nil, err
			}
		}
	}
}

func validChunkID(id string) bool {
	if id == "" {
		return false
	}
	for _, part := range strings.Split(id, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// ensureLoaded waits for the dataset behind a token to finish loading,
// submitting a load job when none is known. Failed jobs are
// resubmitted when the token still names a path.
func (s *Server) ensureLoaded(ctx context.Context, token, path string) (*cache.StatusEntry, error) {
	var entry, err = s.broker.GetStatus(ctx, token)
	switch {
	case errors.Is(err, cache.ErrMiss), err == nil && entry.Status == cache.StatusFailed:
		if path == "" && entry != nil {
			path = entry.ObjPath
		}
		if path == "" {
			return entry, fmt.Errorf("unknown dataset token")
		}
		if err = s.broker.PublishLoad(ctx, path, token); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case entry.Status == cache.StatusFinished:
		return entry, nil
	}

	var ctxT, cancel = context.WithTimeout(ctx, portalWait)
	defer cancel()
	entry, err = s.broker.WaitStatus(ctxT, token)
	if err != nil && entry == nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("unknown dataset token")
	}
	if entry.Status != cache.StatusFinished {
		return entry, fmt.Errorf("dataset is not loaded")
	}
	return entry, nil
}

// portalError maps a load state onto the dispatch status codes.
func (s *Server) portalError(w http.ResponseWriter, entry *cache.StatusEntry, err error) {
	if entry == nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	switch entry.Status {
	case cache.StatusFailed:
		var detail = entry.Reason
		if detail == "" {
			detail = "dataset failed to load"
		}
		switch {
		case strings.Contains(detail, "no such variable"),
			strings.Contains(detail, "chunk"):
			writeError(w, http.StatusBadRequest, detail)
		case strings.Contains(detail, "cache"), strings.Contains(detail, "redis"):
			writeError(w, http.StatusServiceUnavailable, detail)
		default:
			writeError(w, http.StatusNotFound, detail)
		}
	case cache.StatusSubmitted:
		writeError(w, http.StatusNotFound, "dataset load is still queued, retry shortly")
	default:
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "dataset is still loading")
	}
}

// handleStatus reports a load job without triggering any work.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var token = chi.URLParam(r, "token")
	var entry, err = s.broker.GetStatus(r.Context(), token)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      int(entry.Status),
		"status_name": entry.Status.String(),
		"obj_path":    entry.ObjPath,
		"reason":      entry.Reason,
		"url":         entry.URL,
	})
}

// convertBody is the aggregation request payload. Path accepts a
// single string or a list.
type convertBody struct {
	Path       json.RawMessage `json:"path"`
	Aggregate  string          `json:"aggregate"`
	Join       string          `json:"join"`
	Compat     string          `json:"compat"`
	DataVars   string          `json:"data_vars"`
	Coords     string          `json:"coords"`
	Dim        string          `json:"dim"`
	GroupBy []string `json:"group_by"`
	Engine  string   `json:"engine"`

	ZarrOptions struct {
		Public     bool  `json:"public"`
		TTLSeconds int64 `json:"ttl_seconds"`
	} `json:"zarr_options"`
}

func (b *convertBody) paths() ([]string, error) {
	if len(b.Path) == 0 {
		return nil, fmt.Errorf("path is required")
	}
	var single string
	if err := json.Unmarshal(b.Path, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(b.Path, &many); err != nil || len(many) == 0 {
		return nil, fmt.Errorf("path must be a string or a non-empty list of strings")
	}
	return many, nil
}

// handleConvert submits a (possibly aggregated) dataset for zarr
// materialization and returns its stream URL.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var body convertBody
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	paths, err := body.paths()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	switch body.Aggregate {
	case "", "auto", "merge", "concat":
	default:
		writeError(w, http.StatusUnprocessableEntity,
			"aggregate must be auto, merge or concat")
		return
	}

	var req = &cache.URIRequest{Path: paths[0], Engine: body.Engine}
	if len(paths) == 1 {
		req.UUID = zarr.EncodeToken(paths[0])
	} else {
		// Aggregated stores are not reversible from their inputs; an
		// opaque token names them.
		req.UUID = uuid.NewString()
		req.Paths = paths
		var plan = map[string]any{
			"aggregate": body.Aggregate,
			"join":      body.Join,
			"compat":    body.Compat,
			"data_vars": body.DataVars,
			"coords":    body.Coords,
			"dim":       body.Dim,
		}
		if len(body.GroupBy) > 0 {
			plan["group_by"] = body.GroupBy
		}
		req.Aggregate, _ = json.Marshal(plan)
	}

	if err = s.broker.PublishLoadRequest(r.Context(), req); err != nil {
		httpError(w, err)
		return
	}
	var out = map[string]any{
		"status": cache.StatusSubmitted.String(),
		"token":  req.UUID,
		"url": fmt.Sprintf("%s%s/data-portal/zarr/%s.zarr",
			s.cfg.BaseURL, APIPrefix, req.UUID),
	}
	if body.ZarrOptions.Public {
		// A public store is shared through a pre-signed URL so it can
		// be fetched without a bearer token.
		var streamPath = fmt.Sprintf("%s/data-portal/zarr/%s.zarr", APIPrefix, req.UUID)
		token, sig, exp, serr := s.signer.Sign(streamPath, body.ZarrOptions.TTLSeconds, time.Now())
		if serr != nil {
			httpError(w, serr)
			return
		}
		if serr = s.docs.PutShare(r.Context(), &docstore.ShareRecord{
			Sig:       sig,
			Path:      streamPath,
			Owner:     user.Username,
			ExpiresAt: exp,
		}); serr != nil {
			httpError(w, serr)
			return
		}
		out["url"] = fmt.Sprintf("%s%s/share/%s/%s.zarr",
			s.cfg.BaseURL, APIPrefix, sig, token)
		out["sig"] = sig
		out["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, out)
}

// shareBody is the share creation payload.
type shareBody struct {
	Path       string `json:"path"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var body shareBody
	if err = json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusUnprocessableEntity, "a share needs a path")
		return
	}

	token, sig, exp, err := s.signer.Sign(body.Path, body.TTLSeconds, time.Now())
	if err != nil {
		httpError(w, err)
		return
	}
	if err = s.docs.PutShare(r.Context(), &docstore.ShareRecord{
		Sig:       sig,
		Path:      body.Path,
		Owner:     user.Username,
		ExpiresAt: exp,
	}); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"url": fmt.Sprintf("%s%s/share/%s/%s.zarr",
			s.cfg.BaseURL, APIPrefix, sig, token),
		"token":      token,
		"sig":        sig,
		"expires_at": exp.UTC().Format(time.RFC3339),
		"method":     http.MethodGet,
	})
}

func (s *Server) handleShareDelete(w http.ResponseWriter, r *http.Request) {
	var user, err = s.authenticate(r)
	if err != nil {
		httpError(w, err)
		return
	}
	var owner = user.Username
	if s.auth.IsAdmin(user) {
		owner = ""
	}
	found, err := s.docs.DeleteShare(r.Context(), chi.URLParam(r, "sig"), owner)
	if err != nil {
		httpError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no such share")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleSharedZarr serves zarr keys through a pre-signed share link,
// without a bearer token.
func (s *Server) handleSharedZarr(w http.ResponseWriter, r *http.Request) {
	var sig = chi.URLParam(r, "sig")
	var claims, err = s.signer.Verify(chi.URLParam(r, "token"), sig, time.Now())
	if err != nil {
		httpError(w, err)
		return
	}
	exists, err := s.docs.ShareExists(r.Context(), sig)
	if err != nil {
		httpError(w, err)
		return
	}
	if !exists {
		writeError(w, http.StatusForbidden, "share has been revoked")
		return
	}

	var datasetToken, terr = extractZarrToken(claims.Path)
	if terr != nil {
		writeError(w, http.StatusUnprocessableEntity, terr.Error())
		return
	}
	var path, _ = zarr.DecodeToken(datasetToken)
	s.serveZarrKey(w, r, datasetToken, path, chi.URLParam(r, "*"))
}

// extractZarrToken pulls the dataset token out of a shared stream
// path of the form .../data-portal/zarr/<token>.zarr[/...].
func extractZarrToken(path string) (string, error) {
	var _, rest, ok = strings.Cut(path, "/data-portal/zarr/")
	if !ok {
		return "", fmt.Errorf("share path names no zarr stream")
	}
	var token, _, _ = strings.Cut(rest, ".zarr")
	if token == "" {
		return "", fmt.Errorf("share path names no zarr stream")
	}
	return token, nil
}

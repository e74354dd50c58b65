// Package gateway implements the HTTP API of the service: the facet
// search endpoints, the zarr streaming portal, sharing, user data
// ingest, flavour management, the OIDC proxy and a minimal STAC API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/freva-org/freva-gateway/go/auth"
	"github.com/freva-org/freva-gateway/go/cache"
	"github.com/freva-org/freva-gateway/go/docstore"
	"github.com/freva-org/freva-gateway/go/search"
	"github.com/freva-org/freva-gateway/go/translate"
)

// APIPrefix roots every route of the service.
const APIPrefix = "/api/freva-nextgen"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "HTTP requests served, by method and status code.",
	}, []string{"method", "code"})
	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

// Broker is the slice of the cache client the gateway uses. The worker
// side of the protocol lives in the worker package.
type Broker interface {
	Ping(ctx context.Context) error
	GetStatus(ctx context.Context, token string) (*cache.StatusEntry, error)
	SetStatus(ctx context.Context, token string, entry *cache.StatusEntry) error
	WaitStatus(ctx context.Context, token string) (*cache.StatusEntry, error)
	GetChunk(ctx context.Context, token, variable, chunk string) ([]byte, error)
	PublishLoad(ctx context.Context, path, token string) error
	PublishLoadRequest(ctx context.Context, req *cache.URIRequest) error
	PublishChunk(ctx context.Context, token, variable, chunk string) error
}

// Documents is the document store surface of the gateway.
type Documents interface {
	translate.FlavourStore
	RecordStat(stat *docstore.SearchStat)
	PutShare(ctx context.Context, rec *docstore.ShareRecord) error
	ShareExists(ctx context.Context, sig string) (bool, error)
	DeleteShare(ctx context.Context, sig, owner string) (bool, error)
	UpsertUserData(ctx context.Context, username string, records []map[string]any) error
	DeleteUserData(ctx context.Context, username string, facets map[string][]string) (int64, error)
}

// Verifier is the token validation surface of the gateway.
type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.UserInfo, error)
	IsAdmin(user *auth.UserInfo) bool
	Discovery(ctx context.Context) (*auth.Discovery, error)
	Userinfo(ctx context.Context, token string) (map[string]any, error)
	ClientID() string
	ClientSecret() string
}

// Config carries the HTTP server settings.
type Config struct {
	// BaseURL is the externally reachable base of the service, used to
	// render zarr stream and share URLs.
	BaseURL string
	// Services toggles endpoint groups: databrowser, zarr-stream,
	// stacapi. Requests to a disabled group answer 503.
	Services map[string]bool
	// MultiVersion accepts the dataset_version facet.
	MultiVersion bool
	DevMode      bool
}

// Server wires the handlers to their collaborators.
type Server struct {
	cfg      Config
	backend  search.Backend
	ingester search.Ingester
	flavours *translate.Resolver
	broker   Broker
	docs     Documents
	auth     Verifier
	signer   *auth.Signer

	facetsMu   sync.Mutex
	facets     []string
	facetsFrom time.Time
}

// NewServer builds the API server. The ingester is nil for backends
// without user-data support.
func NewServer(cfg Config, backend search.Backend, ingester search.Ingester,
	flavours *translate.Resolver, broker Broker, docs Documents,
	verifier Verifier, signer *auth.Signer) *Server {
	return &Server{
		cfg:      cfg,
		backend:  backend,
		ingester: ingester,
		flavours: flavours,
		broker:   broker,
		docs:     docs,
		auth:     verifier,
		signer:   signer,
	}
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	var r = chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.well-known/openid-configuration", s.handleWellKnown)

	r.Route(APIPrefix, func(r chi.Router) {
		r.Route("/databrowser", func(r chi.Router) {
			r.Use(s.requireService("databrowser"))
			r.Get("/overview", s.handleOverview)
			r.Get("/metadata-search/{flavour}/{uniqKey}", s.handleMetadataSearch)
			r.Get("/data-search/{flavour}/{uniqKey}", s.handleDataSearch)
			r.Get("/extended-search/{flavour}/{uniqKey}", s.handleExtendedSearch)
			r.Get("/intake-catalogue/{flavour}/{uniqKey}", s.handleIntakeCatalogue)
			r.Get("/stac-catalogue/{flavour}/{uniqKey}", s.handleStacCatalogue)
			r.With(s.requireService("zarr-stream")).Get("/load/{flavour}", s.handleLoad)
			r.Post("/userdata", s.handleUserDataAdd)
			r.Delete("/userdata", s.handleUserDataDelete)
			r.Put("/flavours", s.handleFlavourPut)
			r.Get("/flavours", s.handleFlavourList)
			r.Delete("/flavours/{name}", s.handleFlavourDelete)
		})
		r.Route("/data-portal", func(r chi.Router) {
			r.Use(s.requireService("zarr-stream"))
			r.Get("/zarr/{token}.zarr/*", s.handleZarr)
			r.Get("/status/{token}", s.handleStatus)
			r.Post("/zarr/convert", s.handleConvert)
			r.Post("/share-zarr", s.handleShareCreate)
			r.Delete("/share-zarr/{sig}", s.handleShareDelete)
		})
		r.With(s.requireService("zarr-stream")).
			Get("/share/{sig}/{token}.zarr/*", s.handleSharedZarr)
		r.Route("/auth/v2", func(r chi.Router) {
			r.Get("/login", s.handleLogin)
			r.Get("/callback", s.handleCallback)
			r.Post("/token", s.handleToken)
			r.Get("/device", s.handleDevice)
			r.Get("/status", s.handleAuthStatus)
			r.Get("/userinfo", s.handleUserinfo)
			r.Get("/systemuser", s.handleSystemUser)
		})
		r.Route("/stacapi", func(r chi.Router) {
			r.Use(s.requireService("stacapi"))
			r.Get("/", s.handleStacLanding)
			r.Get("/conformance", s.handleStacConformance)
			r.Get("/collections", s.handleStacCollections)
			r.Get("/collections/{id}", s.handleStacCollection)
			r.Get("/collections/{id}/items", s.handleStacItems)
			r.Get("/collections/{id}/items/{item}", s.handleStacItem)
			r.Get("/search", s.handleStacSearch)
			r.Post("/search", s.handleStacSearch)
		})
	})
	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start = time.Now()
		var ww = chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		requestSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) requireService(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.cfg.Services[name] {
				writeError(w, http.StatusServiceUnavailable,
					"service "+name+" is disabled on this deployment")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate resolves the request's bearer token to a user.
func (s *Server) authenticate(r *http.Request) (*auth.UserInfo, error) {
	var token = auth.BearerToken(r)
	if token == "" {
		return nil, auth.ErrUnauthorized
	}
	return s.auth.Verify(r.Context(), token)
}

// maybeUser resolves the user when a token is present; anonymous
// requests pass with a nil user.
func (s *Server) maybeUser(r *http.Request) *auth.UserInfo {
	if auth.BearerToken(r) == "" {
		return nil
	}
	var user, err = s.authenticate(r)
	if err != nil {
		return nil
	}
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Debug("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// httpError maps domain errors onto the API's status codes.
func httpError(w http.ResponseWriter, err error) {
	var unknownFlavour *translate.ErrUnknownFlavour
	var badQuery *search.ErrBadQuery
	var invalidSelect *search.ErrInvalidSelect
	var backendErr *search.ErrBackend

	switch {
	case errors.As(err, &unknownFlavour), errors.As(err, &badQuery):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, translate.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, translate.ErrNotFound), errors.Is(err, translate.ErrBuiltin):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, auth.ErrShareExpired), errors.Is(err, auth.ErrBadSignature):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrBadShareToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cache.ErrMiss):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidSelect), errors.As(err, &backendErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timed out waiting for the data portal")
	default:
		log.WithField("err", err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// validFacets returns the index schema facets, cached briefly so hot
// search paths do not hit the schema endpoint per request.
func (s *Server) validFacets(ctx context.Context) ([]string, error) {
	s.facetsMu.Lock()
	defer s.facetsMu.Unlock()
	if s.facets != nil && time.Since(s.facetsFrom) < 5*time.Minute {
		return s.facets, nil
	}
	var facets, err = s.backend.Facets(ctx)
	if err != nil {
		if s.facets != nil {
			return s.facets, nil
		}
		return nil, err
	}
	s.facets = facets
	s.facetsFrom = time.Now()
	return facets, nil
}

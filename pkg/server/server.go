// Package server exposes the search engine and validator over HTTP:
// streaming JSONL search results to the WARC-fetcher collaborator and
// on-demand collection health reports to operators.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/kalbasit/ccindex/pkg/search"
	"github.com/kalbasit/ccindex/pkg/validator"
)

const (
	routeHealthz  = "/healthz"
	routeSearch   = "/search"
	routeValidate = "/validate"
	routeMetrics  = "/metrics"

	contentType       = "Content-Type"
	contentTypeNDJSON = "application/x-ndjson"
	contentTypeJSON   = "application/json"
	contentTypeText   = "text/plain; charset=utf-8"

	serviceName = "ccindex"
)

// Server is the HTTP surface for `ccindex serve`.
type Server struct {
	engine       *search.Engine
	validatorCfg validator.Config
	manifest     validator.ManifestReader
	router       *chi.Mux
}

// New constructs a Server. manifest may be nil, in which case /validate
// reports ExpectedShardsKnown=false for every collection.
func New(engine *search.Engine, validatorCfg validator.Config, manifest validator.ManifestReader) *Server {
	s := &Server{
		engine:       engine,
		validatorCfg: validatorCfg,
		manifest:     manifest,
	}

	s.router = createRouter(s)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// SetPrometheusGatherer mounts a Prometheus scrape endpoint at /metrics for
// the given gatherer. Call before the server starts accepting requests.
func (s *Server) SetPrometheusGatherer(g prometheus.Gatherer) {
	s.router.Get(routeMetrics, promhttp.HandlerFor(g, promhttp.HandlerOpts{}).ServeHTTP)
}

func createRouter(s *Server) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(router)))
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(routeHealthz, s.getHealthz)
	router.Get(routeSearch, s.getSearch)
	router.Get(routeValidate, s.getValidate)

	return router
}

func requestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		reqID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			zerolog.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("query", r.URL.RawQuery).
				Str("request_id", reqID).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(startedAt)).
				Str("remote_addr", r.RemoteAddr).
				Msg("http request")
		}()

		next.ServeHTTP(ww, r)
	}

	return http.HandlerFunc(fn)
}

func (s *Server) getHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set(contentType, contentTypeText)
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("ok")) //nolint:errcheck
}

// getSearch streams matching pointers as newline-delimited JSON, one object
// per captured URL, flushing after every write so a long-running descent
// doesn't leave a client waiting on a single buffered response.
func (s *Server) getSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	domain := q.Get("domain")
	if domain == "" {
		http.Error(w, "missing required query parameter: domain", http.StatusBadRequest)

		return
	}

	opts := search.Options{
		Prefix:     q.Get("prefix") == "true",
		YearFilter: q.Get("year"),
		Ascending:  q.Get("ascending") == "true",
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		opts.Limit = limit
	}

	w.Header().Set(contentType, contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher) //nolint:errcheck

	encoder := json.NewEncoder(w)

	err := s.engine.Search(r.Context(), domain, opts, func(p search.Pointer) error {
		if err := encoder.Encode(p); err != nil {
			return err
		}

		if flusher != nil {
			flusher.Flush()
		}

		return nil
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("domain", domain).Msg("search failed mid-stream")
	}
}

// getValidate reports a collection's current validator.Status as JSON.
func (s *Server) getValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	collection := q.Get("collection")
	year := q.Get("year")

	if collection == "" || year == "" {
		http.Error(w, "missing required query parameters: collection, year", http.StatusBadRequest)

		return
	}

	status, err := validator.Validate(r.Context(), s.validatorCfg, collection, year, s.manifest)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("collection", collection).Msg("validate failed")
		http.Error(w, "validation failed", http.StatusInternalServerError)

		return
	}

	w.Header().Set(contentType, contentTypeJSON)

	if !status.OK() {
		w.WriteHeader(http.StatusConflict)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing validate response")
	}
}

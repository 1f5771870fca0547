// Package devserver is a local stand-in for the subscriber backend. It keeps
// subscribers in memory and signs every response with a development key
// pair, so the client can run end to end with verification enforced.
package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/backend"
	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	codeBadRequest   = 7000
	codeUnauthorized = 7225
	codeConflict     = 7220
	codeInternal     = 7110
)

// MaxRequestBytes caps request bodies.
const MaxRequestBytes = 1 << 20

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status, code int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, apiError{Code: code, Message: msg})
}

type Server struct {
	store   *Store
	signer  *verification.Signer
	mapping *models.ProductEntitlementMapping
	apiKey  string
	now     timex.Clock
	logger  logging.Logger

	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

type Option func(*Server)

// WithAPIKey requires "Bearer <key>" on every /v1 request.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

func WithMapping(m *models.ProductEntitlementMapping) Option {
	return func(s *Server) {
		if m != nil {
			s.mapping = m
		}
	}
}

func WithClock(c timex.Clock) Option {
	return func(s *Server) { s.now = c }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithRegistry counts requests into reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

func NewServer(store *Store, signer *verification.Signer, opts ...Option) *Server {
	s := &Server{
		store:   store,
		signer:  signer,
		mapping: &models.ProductEntitlementMapping{Mappings: map[string]models.EntitlementMapping{}},
		logger:  logging.NopLogger{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "purchasesync", Subsystem: "devserver", Name: "requests_total",
			Help: "Requests served by route and status.",
		}, []string{"method", "route", "status"})
		s.registry.MustRegister(s.requests)
	}
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(s.authenticate)
		r.Use(signResponses(s.signer, s.now, s.logger))

		r.Get("/product_entitlement_mapping", s.handleMapping)
		r.Post("/subscribers/identify", s.handleIdentify)
		r.Get("/subscribers/{id}", s.handleGetSubscriber)
		r.Post("/subscribers/{id}/alias", s.handleAlias)
		r.Post("/subscribers/{id}/attributes", s.handleAttributes)
	})

	r.Route("/dev", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(s.authenticate)
		r.Post("/subscribers/{id}/grants", s.handleGrant)
		r.Get("/subscribers", func(w http.ResponseWriter, r *http.Request) {
			render.JSON(w, r, map[string][]string{"app_user_ids": s.store.IDs()})
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.requests != nil {
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			s.requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		}
		s.logger.Info(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pathID returns the {id} segment unescaped.
func pathID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return id, nil
	}
	return url.PathUnescape(id)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) subscriberResponse(sub backend.SubscriberWire) backend.SubscriberResponse {
	now := s.now.Now().UTC()
	return backend.SubscriberResponse{RequestDate: now, RequestDateMs: now.UnixMilli(), Subscriber: sub}
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBlankID):
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, ErrAliasTaken):
		writeError(w, r, http.StatusConflict, codeConflict, err.Error())
	default:
		s.logger.Error(r.Context(), "store failure", "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "malformed app user id")
		return
	}
	sub, err := s.store.Subscriber(id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	render.JSON(w, r, s.subscriberResponse(sub))
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppUserID    string `json:"app_user_id"`
		NewAppUserID string `json:"new_app_user_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	sub, created, err := s.store.Identify(body.AppUserID, body.NewAppUserID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if created {
		render.Status(r, http.StatusCreated)
	}
	render.JSON(w, r, s.subscriberResponse(sub))
}

func (s *Server) handleAlias(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "malformed app user id")
		return
	}
	var body struct {
		NewAppUserID string `json:"new_app_user_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.store.Alias(id, body.NewAppUserID); err != nil {
		s.storeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{})
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "malformed app user id")
		return
	}
	var body struct {
		Attributes map[string]struct {
			Value       string `json:"value"`
			UpdatedAtMs int64  `json:"updated_at_ms"`
		} `json:"attributes"`
	}
	if !decode(w, r, &body) {
		return
	}
	attrs := make(map[string]Attribute, len(body.Attributes))
	for k, a := range body.Attributes {
		if strings.TrimSpace(k) == "" {
			writeError(w, r, http.StatusBadRequest, codeBadRequest, "attribute key is blank")
			return
		}
		attrs[k] = Attribute{Value: a.Value, UpdatedAt: time.UnixMilli(a.UpdatedAtMs).UTC()}
	}
	if err := s.store.SetAttributes(id, attrs); err != nil {
		s.storeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{})
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.mapping)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "malformed app user id")
		return
	}
	var g Grant
	if !decode(w, r, &g) {
		return
	}
	if err := s.store.Grant(id, g); err != nil {
		if errors.Is(err, ErrBlankID) {
			s.storeError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	sub, err := s.store.Subscriber(id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, s.subscriberResponse(sub))
}

package main

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"saukidata/auth"
	"saukidata/catalog"
	"saukidata/metrics"
	"saukidata/order"
	"saukidata/payment"
	"saukidata/reconcile"
	"saukidata/tracing"
)

type ctxKey string

const ctxKeyRole ctxKey = "role"

type reconciler interface {
	Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error)
	Retry(ctx context.Context, reference string) (reconcile.Result, error)
	HandleWebhook(ctx context.Context, ev payment.WebhookEvent, payload []byte) (reconcile.Result, error)
}

type orderReader interface {
	Track(ctx context.Context, q string, limit int) ([]order.Order, error)
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]order.Order, error)
}

type authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Server exposes the poll, webhook, tracking and operator endpoints.
type Server struct {
	reconciler    reconciler
	orders        orderReader
	plans         catalog.Catalog
	auth          authenticator
	webhookSecret string
	stuckAfter    time.Duration
	log           zerolog.Logger
	tracer        trace.Tracer
}

func NewServer(rec reconciler, orders orderReader, plans catalog.Catalog, authn authenticator, webhookSecret string) *Server {
	return &Server{
		reconciler:    rec,
		orders:        orders,
		plans:         plans,
		auth:          authn,
		webhookSecret: webhookSecret,
		stuckAfter:    5 * time.Minute,
		log:           zerolog.Nop(),
		tracer:        noop.NewTracerProvider().Tracer("saukidata/http"),
	}
}

func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.log = l
	return s
}

func (s *Server) WithTracer(t trace.Tracer) *Server {
	s.tracer = t
	return s
}

// WithStuckAfter sets how old a claim must be before the operator listing shows it.
func (s *Server) WithStuckAfter(d time.Duration) *Server {
	if d > 0 {
		s.stuckAfter = d
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/purchase/confirm", s.handleConfirm)
		r.Post("/webhooks/flutterwave", s.handleWebhook)
		r.Get("/track", s.handleTrack)
		r.Get("/plans", s.handlePlans)

		r.Post("/operator/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Get("/operator/orders/stuck", s.handleStuck)
			r.With(requireRole(auth.RoleAdmin)).Post("/operator/orders/{reference}/retry", s.handleRetry)
		})
	})

	return r
}

// requestID honours an inbound X-Request-Id and otherwise mints one. The id is stored
// under chi's key so middleware.GetReqID keeps working.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lc := s.log.With().Str("request_id", middleware.GetReqID(r.Context()))
		if id := tracing.TraceID(r.Context()); id != "" {
			lc = lc.Str("trace_id", id)
		}
		l := lc.Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

// observe opens a server span and records latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyRole, claims.Role)
		l := zerolog.Ctx(ctx).With().Str("operator_id", claims.OperatorID).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(ctx)))
	})
}

// requireRole runs after requireOperator. Retries resubmit to the provider and spend
// wallet balance, so they are limited to admins.
func requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
			if !slices.Contains(roles, role) {
				zerolog.Ctx(r.Context()).Warn().Str("role", string(role)).Msg("operator lacks role")
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

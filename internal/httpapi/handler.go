package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/handd/internal/core"
	"pkt.systems/handd/internal/core/transport"
	"pkt.systems/handd/internal/correlation"
	"pkt.systems/handd/internal/ids"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerRequestID     = "X-Request-Id"
	// HeaderPassword carries the shared secret on read-only requests.
	HeaderPassword = "X-Handd-Password"
)

// DefaultJSONMaxBytes bounds request bodies.
const DefaultJSONMaxBytes = 16 << 10

// Config wires the handler to the reservation service.
type Config struct {
	Core              *core.Service
	Logger            pslog.Logger
	StrictAuthStatus  bool
	JSONMaxBytes      int64
	EnableHTTPTracing bool
	Version           string
}

// Handler wires HTTP endpoints to the reservation service.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	tracer             trace.Tracer
	mapping            transport.Options
	jsonMaxBytes       int64
	httpTracingEnabled bool
	version            string
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	return &Handler{
		core:               cfg.Core,
		logger:             logger,
		tracer:             otel.Tracer("pkt.systems/handd/httpapi"),
		mapping:            transport.Options{StrictAuthStatus: cfg.StrictAuthStatus},
		jsonMaxBytes:       maxBytes,
		httpTracingEnabled: cfg.EnableHTTPTracing,
		version:            cfg.Version,
	}
}

// Register wires the routes under /v1 and the health endpoint.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/reserve", h.wrap("reserve", http.MethodPost, h.handleReserve))
	mux.Handle("/v1/keep", h.wrap("keep", http.MethodPost, h.handleKeep))
	mux.Handle("/v1/renew", h.wrap("renew", http.MethodPost, h.fixedAction(core.ActionRenew)))
	mux.Handle("/v1/release", h.wrap("release", http.MethodPost, h.fixedAction(core.ActionRelease)))
	mux.Handle("/v1/slots", h.wrap("slots", http.MethodGet, h.handleSlots))
	mux.Handle("/healthz", h.wrap("healthz", "", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "handd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if h.httpTracingEnabled {
			ctx, span = h.tracer.Start(ctx, "handd.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("handd.sys", sys),
					attribute.String("handd.operation", operation),
				),
			)
			defer span.End()
		}

		reqID := ids.NewRequestID()
		if supplied, ok := correlation.Normalize(r.Header.Get(headerRequestID)); ok {
			reqID = supplied
		}
		w.Header().Set(headerRequestID, reqID)

		if corr, ok := correlation.Normalize(r.Header.Get(headerCorrelationID)); ok {
			ctx = correlation.With(ctx, corr)
		}
		ctx = correlation.Ensure(ctx)
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if method != "" && r.Method != method {
			w.Header().Set("Allow", method)
			h.handleError(ctx, w, httpError{
				Status: http.StatusMethodNotAllowed,
				Code:   "method_not_allowed",
				Detail: fmt.Sprintf("supported methods: %s", method),
			})
			return
		}

		if err := fn(w, r); err != nil {
			err = h.convertCoreError(err)
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("handd.error_code", httpErr.Code),
					attribute.Int("handd.error_status", httpErr.Status),
				)
				if httpErr.Status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, httpErr.Code)
				}
			} else {
				span.RecordError(err)
				span.SetStatus(codes.Error, "internal")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := svcfields.FromContext(ctx, h.logger)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"fields", httpErr.Fields,
		)
		h.writeJSON(w, httpErr.Status, httpErr.response(), nil)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse("internal_error", "internal server error", nil), nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) convertCoreError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return err
	}
	if mapped, ok := transport.ToHTTP(err, h.mapping); ok {
		return httpError{
			Status: mapped.Status,
			Code:   mapped.Code,
			Detail: mapped.Detail,
			Fields: mapped.Fields,
		}
	}
	return err
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		logger = logger.With("cid", id)
		if span != nil {
			span.SetAttributes(attribute.String("handd.correlation_id", id))
		}
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}

package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// Error codes returned by the API besides the instrument error codes.
const (
	errCodeUnauthorized = "UNAUTHORIZED"
	errCodeBadRequest   = "BAD_REQUEST"
	errCodeTooLarge     = "REQUEST_TOO_LARGE"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ExistingID string `json:"existing_id,omitempty"`
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.status = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader. A hijacked
// connection is reported as 101.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil && !w.written {
		w.status = http.StatusSwitchingProtocols
		w.written = true
	}
	return conn, rw, err
}

// loggingMiddleware logs each request and records its latency by route pattern.
func loggingMiddleware(logger zerolog.Logger, metrics *telemetry.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		d := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(route, sw.status, d)

		ev := logger.Debug()
		if sw.status >= http.StatusInternalServerError {
			ev = logger.Warn()
		}
		if traceID := telemetry.TraceID(r.Context()); traceID != "" {
			ev = ev.Str("trace_id", traceID)
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", d).
			Msg("http request")
	})
}

// tracingMiddleware wraps each request in a span named after its method. The
// route attribute is set once the mux has matched a pattern.
func tracingMiddleware(tracer *telemetry.Tracer, next http.Handler) http.Handler {
	if tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.StartSpan(r.Context(), "http "+r.Method,
			telemetry.AttrHTTPMethod.String(r.Method),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		if r.Pattern != "" {
			span.SetAttributes(telemetry.AttrHTTPRoute.String(r.Pattern))
		}
		span.SetAttributes(telemetry.AttrHTTPStatus.Int(sw.status))
		if sw.status >= http.StatusInternalServerError {
			telemetry.RecordError(span, fmt.Errorf("http status %d", sw.status))
		}
	})
}

// recoveryMiddleware turns handler panics into 500 responses.
func recoveryMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, instrument.ErrCodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates bearer tokens and puts the caller's identity in the
// request context. Without a JWT manager every request runs as auth.Anonymous.
// Websocket clients that cannot set headers may pass the token as access_token.
func authMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if jwtMgr == nil {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), auth.Anonymous)))
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, err.Error())
			return
		}

		claims, err := jwtMgr.ValidateToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "invalid or expired token")
			return
		}
		if claims.Role == auth.RoleAgent {
			writeError(w, http.StatusForbidden, instrument.ErrCodePermissionDenied, "agent tokens cannot call the API")
			return
		}

		ctx := auth.WithIdentity(r.Context(), auth.IdentityFromClaims(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

// limitBody caps request bodies at n bytes.
func limitBody(n int64, next http.Handler) http.Handler {
	if n <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, n)
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: message})
}

// writeInstrumentError maps a classified error onto its HTTP status.
func writeInstrumentError(w http.ResponseWriter, err error) {
	var ierr *instrument.Error
	if !errors.As(err, &ierr) {
		writeError(w, http.StatusInternalServerError, instrument.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, statusFor(ierr.Code), ErrorBody{
		Code:       ierr.Code,
		Message:    ierr.Message,
		ExistingID: ierr.ExistingID,
	})
}

func statusFor(code string) int {
	switch code {
	case instrument.ErrCodeConflict:
		return http.StatusConflict
	case instrument.ErrCodeNotFound:
		return http.StatusNotFound
	case instrument.ErrCodeValidation:
		return http.StatusBadRequest
	case instrument.ErrCodePermissionDenied:
		return http.StatusForbidden
	case instrument.ErrCodeRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/ratelimit"
	"github.com/lalithlochan/outreach/internal/tenant"
)

// TenantHeader carries the tenant resolved by the upstream auth gateway.
const TenantHeader = "X-Tenant-ID"

// apiChannel is the limiter channel for operator API calls, separate from
// the delivery channels.
const apiChannel = "api"

func problem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// RequireTenant puts the X-Tenant-ID header into the request context and
// rejects requests without a valid one.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			problem(w, http.StatusUnauthorized, "unauthorized", "Missing tenant", TenantHeader+" header is required")
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil || id == uuid.Nil {
			problem(w, http.StatusUnauthorized, "unauthorized", "Invalid tenant", TenantHeader+" must be a UUID")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), id)))
	})
}

// RateLimitMiddleware admits API calls per tenant. It must run after
// RequireTenant. A limiter error lets the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := tenant.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), ratelimit.Key{TenantID: id, Channel: apiChannel})
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				problem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"tenant API quota exhausted, retry after "+strconv.Itoa(retryAfter)+"s")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per completed request, at Warn for server
// errors.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if raw := r.Header.Get(TenantHeader); raw != "" {
				fields = append(fields, zap.String("tenant_id", raw))
			}
			if ww.Status() >= http.StatusInternalServerError {
				logger.Warn("request failed", fields...)
				return
			}
			logger.Info("request completed", fields...)
		})
	}
}

package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"mailrelay/internal/domain"
)

// requireAPIKey rejects any request whose x-api-key does not match exactly.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.MailAPIKey)) != 1 {
			h.record(r.Context(), domain.OutcomeUnauthorized)
			writeJSON(w, http.StatusUnauthorized, errorDetail{Detail: "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit admits at most RateLimitPerWindow requests per caller IP inside
// the rolling window. Limiter errors let the request through.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)

		allowed, err := h.deps.Limiter.Allow(ctx, ip)
		if err != nil {
			h.log.ErrorContext(ctx, "rate limiter unavailable", "ip", ip, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			h.record(ctx, domain.OutcomeRateLimited)
			w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.RateLimitWindow/time.Second)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", clientIP(r),
		)
	})
}

// clientIP strips the port from RemoteAddr. With TRUST_PROXY_HEADERS the
// RealIP middleware has already replaced RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package admin serves the operator endpoints: login, outcome counters and a
// non-secret view of the running configuration.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mailrelay/internal/config"
	"mailrelay/internal/domain"
	"mailrelay/internal/ratelimit"
)

type StatsSource interface {
	Stats(ctx context.Context) (*domain.OutcomeStats, error)
}

type Handler struct {
	cfg     *config.Config
	stats   StatsSource
	limiter ratelimit.Limiter
	auth    *AuthService
	log     *slog.Logger
}

// NewHandler builds the admin routes. stats may be nil when no store is
// configured; limiter throttles login attempts per caller IP.
func NewHandler(cfg *config.Config, stats StatsSource, limiter ratelimit.Limiter, log *slog.Logger) (*Handler, error) {
	auth, err := NewAuthService(cfg.AdminPassword, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	return &Handler{
		cfg:     cfg,
		stats:   stats,
		limiter: limiter,
		auth:    auth,
		log:     log,
	}, nil
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Get("/stats", h.GetStats)
		r.Get("/config", h.GetConfig)
	})
	return r
}

// AuthMiddleware requires a valid "Bearer <token>" header.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing authorization header", http.StatusUnauthorized)
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		if _, err := h.auth.ValidateToken(token); err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil {
		ip := remoteIP(r)
		allowed, err := h.limiter.Allow(ctx, ip)
		if err != nil {
			h.log.ErrorContext(ctx, "admin login limiter unavailable", "ip", ip, "error", err)
		} else if !allowed {
			http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
			return
		}
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.auth.ValidatePassword(req.Password); err != nil {
		h.log.WarnContext(ctx, "admin login failed", "ip", remoteIP(r))
		http.Error(w, "Invalid password", http.StatusUnauthorized)
		return
	}

	token, expires, err := h.auth.IssueToken()
	if err != nil {
		h.log.ErrorContext(ctx, "issue admin token", "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		http.Error(w, "Statistics require REDIS_URL", http.StatusServiceUnavailable)
		return
	}

	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "read outcome stats", "error", err)
		http.Error(w, "Failed to read statistics", http.StatusInternalServerError)
		return
	}

	writeJSON(w, stats)
}

// GetConfig reports settings an operator may want to confirm. SMTP endpoint,
// credentials and keys are never included.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"version":                h.cfg.Version,
		"allowedOrigins":         h.cfg.AllowedOrigins,
		"rateLimitPerWindow":     h.cfg.RateLimitPerWindow,
		"rateLimitWindowSeconds": int(h.cfg.RateLimitWindow / time.Second),
		"smtpTLS":                h.cfg.SMTPTLS,
		"trustProxyHeaders":      h.cfg.TrustProxyHeaders,
		"redisEnabled":           h.cfg.RedisURL != "",
		"captchaTimeoutSeconds":  int(h.cfg.CaptchaTimeout / time.Second),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

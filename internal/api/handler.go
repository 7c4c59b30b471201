package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"mailrelay/internal/captcha"
	"mailrelay/internal/config"
	"mailrelay/internal/domain"
	"mailrelay/internal/ratelimit"
	"mailrelay/internal/spamgate"
)

const maxBodyBytes = 64 << 10

type SpamGate interface {
	Check(ctx context.Context, sub *domain.MailSubmission, remoteIP string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, sub *domain.MailSubmission) error
}

type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome domain.Outcome) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the handler. Outcomes, Ready and Admin are
// optional.
type Deps struct {
	Limiter  ratelimit.Limiter
	Gate     SpamGate
	Mailer   Dispatcher
	Outcomes OutcomeRecorder
	Ready    Pinger
	Admin    http.Handler
}

type Handler struct {
	cfg  *config.Config
	log  *slog.Logger
	deps Deps
}

func New(cfg *config.Config, log *slog.Logger, deps Deps) *Handler {
	return &Handler{cfg: cfg, log: log, deps: deps}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if h.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	c := cors.New(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", h.readyz)

	r.With(h.requireAPIKey, h.rateLimit).Post("/send", h.send)

	if h.deps.Admin != nil {
		r.Mount("/admin", h.deps.Admin)
	}

	return r
}

type errorDetail struct {
	Detail string `json:"detail"`
}

type validationDetail struct {
	Detail string              `json:"detail"`
	Errors []domain.FieldError `json:"errors"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.record(ctx, domain.OutcomeInvalid)
		writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "Invalid request body"})
		return
	}

	sub, err := domain.NewMailSubmission(req)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			h.record(ctx, domain.OutcomeInvalid)
			writeJSON(w, http.StatusBadRequest, validationDetail{Detail: "Validation failed", Errors: verr.Fields})
			return
		}
		h.log.ErrorContext(ctx, "validate submission", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorDetail{Detail: "Internal server error"})
		return
	}

	if err := h.deps.Gate.Check(ctx, sub, ip); err != nil {
		switch {
		case errors.Is(err, spamgate.ErrBotDetected):
			h.record(ctx, domain.OutcomeBotDetected)
			writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "Bot detected"})
		case errors.Is(err, captcha.ErrVerificationFailed):
			h.record(ctx, domain.OutcomeCaptchaFailed)
			writeJSON(w, http.StatusBadRequest, errorDetail{Detail: "reCAPTCHA verification failed"})
		default:
			h.log.ErrorContext(ctx, "reCAPTCHA verification error", "ip", ip, "error", err)
			h.record(ctx, domain.OutcomeCaptchaError)
			writeJSON(w, http.StatusInternalServerError, errorDetail{Detail: "reCAPTCHA verification error"})
		}
		return
	}

	h.log.InfoContext(ctx, "send request", "ip", ip, "name", sub.Name(), "email", sub.Email())

	if err := h.deps.Mailer.Dispatch(ctx, sub); err != nil {
		h.log.ErrorContext(ctx, "mail delivery failed", "ip", ip, "error", err)
		h.record(ctx, domain.OutcomeDeliveryFailed)
		writeJSON(w, http.StatusInternalServerError, errorDetail{Detail: "Mail delivery failed"})
		return
	}

	h.record(ctx, domain.OutcomeSent)
	writeJSON(w, http.StatusOK, domain.SendResponse{Success: true, Version: h.cfg.Version})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready.Ping(ctx); err != nil {
			h.log.WarnContext(ctx, "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) record(ctx context.Context, outcome domain.Outcome) {
	if h.deps.Outcomes == nil {
		return
	}
	if err := h.deps.Outcomes.RecordOutcome(ctx, outcome); err != nil {
		h.log.WarnContext(ctx, "record outcome", "outcome", string(outcome), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/api"
	"mailrelay/internal/captcha"
	"mailrelay/internal/config"
	"mailrelay/internal/domain"
	"mailrelay/internal/logger"
	"mailrelay/internal/mailer"
	"mailrelay/internal/mailer/mailertest"
	"mailrelay/internal/ratelimit"
	"mailrelay/internal/spamgate"
)

const (
	testAPIKey   = "k-123"
	relayUser    = "relay-user"
	relaySecret  = "relay-secret"
	allowedSite  = "https://example.com"
	defaultPeer  = "192.0.2.1"
	captchaToken = "tok123"
)

type recorder struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
}

func (r *recorder) RecordOutcome(_ context.Context, o domain.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recorder) all() []domain.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Outcome(nil), r.outcomes...)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harnessOpts struct {
	captcha    http.HandlerFunc
	smtpPass   string
	trustProxy bool
	ready      api.Pinger
}

type harness struct {
	router       http.Handler
	smtp         *mailertest.Server
	outcomes     *recorder
	captchaCalls atomic.Int32
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	h := &harness{outcomes: &recorder{}}
	h.smtp = mailertest.NewServer(t, relayUser, relaySecret)

	verify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.captchaCalls.Add(1)
		if opts.captcha != nil {
			opts.captcha(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"hostname":"example.com"}`))
	}))
	t.Cleanup(verify.Close)

	pass := relaySecret
	if opts.smtpPass != "" {
		pass = opts.smtpPass
	}

	cfg := &config.Config{
		SMTPHost:           h.smtp.Host,
		SMTPPort:           h.smtp.Port,
		SMTPUser:           relayUser,
		SMTPPass:           pass,
		MailFrom:           "relay@example.org",
		MailTo:             "inbox@example.org",
		MailAPIKey:         testAPIKey,
		AllowedOrigins:     []string{allowedSite},
		CaptchaSecret:      "captcha-secret",
		Version:            "1.0.0",
		RateLimitPerWindow: 5,
		RateLimitWindow:    time.Minute,
		TrustProxyHeaders:  opts.trustProxy,
	}

	sender := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		Timeout:  5 * time.Second,
	})
	dispatcher, err := mailer.NewDispatcher(sender, cfg.MailFrom, cfg.MailTo)
	require.NoError(t, err)

	gate := spamgate.New(captcha.New(cfg.CaptchaSecret, verify.URL, 5*time.Second), logger.Nop())

	h.router = api.New(cfg, logger.Nop(), api.Deps{
		Limiter:  ratelimit.NewMemory(cfg.RateLimitPerWindow, cfg.RateLimitWindow),
		Gate:     gate,
		Mailer:   dispatcher,
		Outcomes: h.outcomes,
		Ready:    opts.ready,
	}).Router()

	return h
}

func validPayload() map[string]any {
	return map[string]any{
		"name":            "Jane Doe",
		"email":           "jane@example.com",
		"message":         "Hello, I'd like a quote.",
		"site":            allowedSite,
		"recaptcha_token": captchaToken,
	}
}

func invalidPayload() map[string]any {
	p := validPayload()
	p["name"] = "Jo"
	return p
}

type requestOpt func(*http.Request)

func fromPeer(ip string) requestOpt {
	return func(r *http.Request) { r.RemoteAddr = ip + ":40000" }
}

func withHeader(key, value string) requestOpt {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

func (h *harness) postRaw(t *testing.T, apiKey string, body []byte, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	req.RemoteAddr = defaultPeer + ":40000"
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) post(t *testing.T, apiKey string, payload map[string]any, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.postRaw(t, apiKey, body, opts...)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func readMail(t *testing.T, raw []byte) (mail.Header, string) {
	t.Helper()

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	return mr.Header, strings.ReplaceAll(string(body), "\r\n", "\n")
}

func TestSend_Delivers(t *testing.T) {
	t.Parallel()

	var form url.Values
	h := newHarness(t, harnessOpts{captcha: func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		_, _ = w.Write([]byte(`{"success":true}`))
	}})

	rec := h.post(t, testAPIKey, validPayload())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"version":"1.0.0"}`, rec.Body.String())

	assert.Equal(t, int32(1), h.captchaCalls.Load())
	assert.Equal(t, "captcha-secret", form.Get("secret"))
	assert.Equal(t, captchaToken, form.Get("response"))
	assert.Equal(t, defaultPeer, form.Get("remoteip"))

	msgs := h.smtp.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "relay@example.org", msgs[0].From)
	assert.Equal(t, []string{"inbox@example.org"}, msgs[0].To)

	header, body := readMail(t, msgs[0].Data)
	subject, err := header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "[https://example.com] New enquiry from Jane Doe", subject)
	replyTo, err := header.AddressList("Reply-To")
	require.NoError(t, err)
	require.Len(t, replyTo, 1)
	assert.Equal(t, "jane@example.com", replyTo[0].Address)
	assert.Equal(t, "Name: Jane Doe\nEmail: jane@example.com\n\nHello, I'd like a quote.\n", body)

	assert.Equal(t, []domain.Outcome{domain.OutcomeSent}, h.outcomes.all())
}

func TestSend_TrimsBeforeDelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	p := validPayload()
	p["name"] = "   Jane Doe  "
	p["service"] = "  Website redesign  "

	rec := h.post(t, testAPIKey, p)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msgs := h.smtp.Messages()
	require.Len(t, msgs, 1)
	header, body := readMail(t, msgs[0].Data)
	subject, err := header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "[https://example.com] New enquiry from Jane Doe", subject)
	assert.Contains(t, body, "Service: Website redesign\n")
}

func TestSend_APIKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"wrong", "nope"},
		{"prefix of the real key", "k-12"},
		{"real key with suffix", testAPIKey + " "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOpts{})
			rec := h.post(t, tc.key, validPayload())

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"detail":"Invalid API key"}`, rec.Body.String())
			assert.Zero(t, h.captchaCalls.Load())
			assert.Empty(t, h.smtp.Messages())
			assert.Equal(t, []domain.Outcome{domain.OutcomeUnauthorized}, h.outcomes.all())
		})
	}

	t.Run("rejections do not consume the rate limit", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		for range 10 {
			rec := h.post(t, "nope", validPayload())
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		}
		for i := range 5 {
			rec := h.post(t, testAPIKey, validPayload())
			require.Equal(t, http.StatusOK, rec.Code, "request %d: %s", i+1, rec.Body.String())
		}
	})
}

func TestSend_RateLimit(t *testing.T) {
	t.Parallel()

	t.Run("sixth request in the window is rejected whatever the payload", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		for i := range 5 {
			rec := h.post(t, testAPIKey, invalidPayload())
			require.Equal(t, http.StatusBadRequest, rec.Code, "request %d", i+1)
		}

		rec := h.post(t, testAPIKey, validPayload())
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.JSONEq(t, `{"error":"Too many requests"}`, rec.Body.String())
		assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		assert.Zero(t, h.captchaCalls.Load())
		assert.Empty(t, h.smtp.Messages())

		outcomes := h.outcomes.all()
		assert.Equal(t, domain.OutcomeRateLimited, outcomes[len(outcomes)-1])
	})

	t.Run("other callers keep their own window", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		for range 5 {
			h.post(t, testAPIKey, invalidPayload())
		}
		require.Equal(t, http.StatusTooManyRequests, h.post(t, testAPIKey, validPayload()).Code)

		rec := h.post(t, testAPIKey, validPayload(), fromPeer("198.51.100.7"))
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("forwarded headers ignored by default", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		for i := range 5 {
			h.post(t, testAPIKey, invalidPayload(), withHeader("X-Forwarded-For", "203.0.113."+strconv.Itoa(i+1)))
		}
		rec := h.post(t, testAPIKey, validPayload(), withHeader("X-Forwarded-For", "203.0.113.99"))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("forwarded headers honored when trusted", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{trustProxy: true})
		for range 5 {
			h.post(t, testAPIKey, invalidPayload(), withHeader("X-Forwarded-For", "203.0.113.1"))
		}
		limited := h.post(t, testAPIKey, validPayload(), withHeader("X-Forwarded-For", "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, limited.Code)

		other := h.post(t, testAPIKey, validPayload(), withHeader("X-Forwarded-For", "203.0.113.2"))
		assert.Equal(t, http.StatusOK, other.Code, other.Body.String())
	})
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	t.Run("field violations are listed", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		p := validPayload()
		p["name"] = "Jo"
		p["email"] = "not-an-address"

		rec := h.post(t, testAPIKey, p)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "Validation failed", body["detail"])

		fields := map[string]bool{}
		for _, e := range body["errors"].([]any) {
			fields[e.(map[string]any)["field"].(string)] = true
		}
		assert.Equal(t, map[string]bool{"name": true, "email": true}, fields)
		assert.Zero(t, h.captchaCalls.Load())
		assert.Empty(t, h.smtp.Messages())
		assert.Equal(t, []domain.Outcome{domain.OutcomeInvalid}, h.outcomes.all())
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		rec := h.postRaw(t, testAPIKey, []byte(`{"name":`))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"detail":"Invalid request body"}`, rec.Body.String())
	})

	t.Run("wrong field type", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		p := validPayload()
		p["name"] = 12345

		rec := h.post(t, testAPIKey, p)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{})
		p := validPayload()
		p["message"] = strings.Repeat("x", 70<<10)

		rec := h.post(t, testAPIKey, p)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"detail":"Invalid request body"}`, rec.Body.String())
		assert.Empty(t, h.smtp.Messages())
	})
}

func TestSend_Honeypot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})
	p := validPayload()
	p["monkeybusiness"] = "I am a bot"

	rec := h.post(t, testAPIKey, p)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"detail":"Bot detected"}`, rec.Body.String())
	assert.Zero(t, h.captchaCalls.Load())
	assert.Empty(t, h.smtp.Messages())
	assert.Equal(t, []domain.Outcome{domain.OutcomeBotDetected}, h.outcomes.all())
}

func TestSend_Captcha(t *testing.T) {
	t.Parallel()

	t.Run("declined", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{captcha: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
		}})

		rec := h.post(t, testAPIKey, validPayload())

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"detail":"reCAPTCHA verification failed"}`, rec.Body.String())
		assert.Empty(t, h.smtp.Messages())
		assert.Equal(t, []domain.Outcome{domain.OutcomeCaptchaFailed}, h.outcomes.all())
	})

	t.Run("provider unavailable", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, harnessOpts{captcha: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}})

		rec := h.post(t, testAPIKey, validPayload())

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"detail":"reCAPTCHA verification error"}`, rec.Body.String())
		assert.Empty(t, h.smtp.Messages())
		assert.Equal(t, []domain.Outcome{domain.OutcomeCaptchaError}, h.outcomes.all())
	})
}

func TestSend_DeliveryFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{smtpPass: "wrong-secret"})

	rec := h.post(t, testAPIKey, validPayload())

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Mail delivery failed"}`, rec.Body.String())

	body := rec.Body.String()
	for _, secret := range []string{h.smtp.Host, strconv.Itoa(h.smtp.Port), relayUser, "wrong-secret"} {
		assert.NotContains(t, body, secret)
	}
	assert.Equal(t, []domain.Outcome{domain.OutcomeDeliveryFailed}, h.outcomes.all())
}

func TestRouter_CORS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/send", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "content-type,x-api-key")
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		return rec
	}

	allowed := preflight(allowedSite)
	assert.Less(t, allowed.Code, 300)
	assert.Equal(t, allowedSite, allowed.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", allowed.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, strings.ToLower(allowed.Header().Get("Access-Control-Allow-Headers")), "x-api-key")

	denied := preflight("https://evil.example")
	assert.Empty(t, denied.Header().Get("Access-Control-Allow-Origin"))

	rec := h.post(t, testAPIKey, validPayload(), withHeader("Origin", allowedSite))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, allowedSite, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()

	get := func(h *harness, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	h := newHarness(t, harnessOpts{})
	assert.Equal(t, http.StatusOK, get(h, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(h, "/readyz").Code)

	down := newHarness(t, harnessOpts{ready: pinger{err: errors.New("redis down")}})
	assert.Equal(t, http.StatusOK, get(down, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(down, "/readyz").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, get(h, "/send").Code)
}

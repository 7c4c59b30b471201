package domain

// SendRequest is the raw JSON body of POST /send.
type SendRequest struct {
	Name           string `json:"name" validate:"required,min=5,max=100"`
	Email          string `json:"email" validate:"required,email"`
	Message        string `json:"message" validate:"required,min=10,max=1000"`
	Site           string `json:"site" validate:"required,url"`
	Service        string `json:"service,omitempty" validate:"omitempty,min=10,max=100"`
	MonkeyBusiness string `json:"monkeybusiness,omitempty" validate:"max=100"`
	RecaptchaToken string `json:"recaptcha_token" validate:"required"`
}

type SendResponse struct {
	Success bool   `json:"success"`
	Version string `json:"version"`
}

// MailSubmission is a validated enquiry. It only lives for one request.
type MailSubmission struct {
	name         string
	email        string
	message      string
	site         string
	service      string
	honeypot     string
	captchaToken string
}

func (s *MailSubmission) Name() string         { return s.name }
func (s *MailSubmission) Email() string        { return s.email }
func (s *MailSubmission) Message() string      { return s.message }
func (s *MailSubmission) Site() string         { return s.site }
func (s *MailSubmission) Service() string      { return s.service }
func (s *MailSubmission) Honeypot() string     { return s.honeypot }
func (s *MailSubmission) CaptchaToken() string { return s.captchaToken }

// HasService reports whether the optional service field was supplied.
func (s *MailSubmission) HasService() bool { return s.service != "" }

// Outcome labels how a /send request ended. Only these counters are kept.
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeBotDetected    Outcome = "bot_detected"
	OutcomeCaptchaFailed  Outcome = "captcha_failed"
	OutcomeCaptchaError   Outcome = "captcha_error"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeUnauthorized   Outcome = "unauthorized"
)

// OutcomeStats is the admin view of the outcome counters.
type OutcomeStats struct {
	Day   string           `json:"day"`
	Today map[string]int64 `json:"today"`
	Total map[string]int64 `json:"total"`
}

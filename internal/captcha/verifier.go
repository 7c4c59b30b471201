package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerifyURL is Google's reCAPTCHA siteverify endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// DefaultTimeout bounds a verification round trip when none is configured.
const DefaultTimeout = 10 * time.Second

var (
	// ErrVerificationFailed means the provider answered and declined the token.
	ErrVerificationFailed = errors.New("captcha: verification failed")

	// ErrVerificationUnavailable means no usable answer came back.
	ErrVerificationUnavailable = errors.New("captcha: verification unavailable")
)

// Response is the siteverify reply.
type Response struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
}

type Verifier struct {
	client    *http.Client
	verifyURL string
	secret    string
}

// New returns a verifier posting to verifyURL. Empty verifyURL and a
// non-positive timeout fall back to the defaults.
func New(secret, verifyURL string, timeout time.Duration) *Verifier {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{
		client:    &http.Client{Timeout: timeout},
		verifyURL: verifyURL,
		secret:    secret,
	}
}

// Verify exchanges the client token for a verdict. The caller IP is sent as
// remoteip when known.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Join(ErrVerificationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return errors.Join(ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d", ErrVerificationUnavailable, resp.StatusCode)
	}

	var result Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		return errors.Join(ErrVerificationUnavailable, fmt.Errorf("decode response: %w", err))
	}

	if !result.Success {
		if len(result.ErrorCodes) > 0 {
			return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(result.ErrorCodes, ","))
		}
		return ErrVerificationFailed
	}
	return nil
}

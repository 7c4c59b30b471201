package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// FieldError describes one violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError carries every violated constraint of a submission.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewMailSubmission trims the request and checks it against the field rules.
func NewMailSubmission(req SendRequest) (*MailSubmission, error) {
	req = trim(req)

	if err := validatorInstance().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{
				Field:   fe.Field(),
				Rule:    fe.Tag(),
				Message: describe(fe),
			})
		}
		return nil, out
	}

	return &MailSubmission{
		name:         req.Name,
		email:        req.Email,
		message:      req.Message,
		site:         req.Site,
		service:      req.Service,
		honeypot:     req.MonkeyBusiness,
		captchaToken: req.RecaptchaToken,
	}, nil
}

// trim normalizes the free-text fields. The CAPTCHA token is opaque and left
// as sent.
func trim(req SendRequest) SendRequest {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Message = strings.TrimSpace(req.Message)
	req.Site = strings.TrimSpace(req.Site)
	req.Service = strings.TrimSpace(req.Service)
	req.MonkeyBusiness = strings.TrimSpace(req.MonkeyBusiness)
	return req
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be an absolute URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

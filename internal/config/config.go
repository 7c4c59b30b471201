package config

import (
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when present; a missing default file is not an error.
const DefaultEnvFile = ".env"

// ErrConfig marks every startup configuration failure.
var ErrConfig = errors.New("invalid configuration")

type Config struct {
	SMTPHost        string        `env:"SMTP_HOST,required,notEmpty"`
	SMTPPort        int           `env:"SMTP_PORT,required"`
	SMTPTLS         bool          `env:"SMTP_TLS" envDefault:"true"`
	SMTPImplicitTLS bool          `env:"SMTP_IMPLICIT_TLS" envDefault:"false"`
	SMTPUser        string        `env:"SMTP_USER,required,notEmpty"`
	SMTPPass        string        `env:"SMTP_PASS,required,notEmpty"`
	SMTPTimeout     time.Duration `env:"SMTP_TIMEOUT" envDefault:"10s"`

	MailFrom string `env:"MAIL_FROM,required,notEmpty"`
	MailTo   string `env:"MAIL_TO,required,notEmpty"`

	MailAPIKey     string   `env:"MAIL_API_KEY,required,notEmpty"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS,required,notEmpty" envSeparator:","`

	CaptchaSecret    string        `env:"CAPTCHA_SECRET,required,notEmpty"`
	CaptchaVerifyURL string        `env:"CAPTCHA_VERIFY_URL" envDefault:"https://www.google.com/recaptcha/api/siteverify"`
	CaptchaTimeout   time.Duration `env:"CAPTCHA_TIMEOUT" envDefault:"10s"`

	Version string `env:"VERSION" envDefault:"1.0.0"`

	ListenAddr         string        `env:"LISTEN_ADDR" envDefault:":8080"`
	RedisURL           string        `env:"REDIS_URL"`
	RateLimitPerWindow int           `env:"RATE_LIMIT_PER_WINDOW" envDefault:"5"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	TrustProxyHeaders  bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	SentryDSN string `env:"SENTRY_DSN"`

	AdminPassword string `env:"ADMIN_PASSWORD"`
	JWTSecret     string `env:"JWT_SECRET"`
}

// Load builds the configuration from the process environment layered over the
// given env file. Process variables win over file entries.
func Load(envFile string) (*Config, error) {
	fileVars, err := readEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	return parse(fileVars, environ())
}

// AdminEnabled reports whether the admin routes should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminPassword != ""
}

// SMTPAddr returns host:port of the relay.
func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}

func parse(fileVars, processVars map[string]string) (*Config, error) {
	known := knownKeys()
	var unknown []string
	for key := range fileVars {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, fmt.Errorf("%w: unknown settings %s", ErrConfig, strings.Join(unknown, ", "))
	}

	merged := make(map[string]string, len(fileVars)+len(processVars))
	maps.Copy(merged, fileVars)
	maps.Copy(merged, processVars)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: merged}); err != nil {
		return nil, errors.Join(ErrConfig, err)
	}

	cfg.AllowedOrigins = normalizeList(cfg.AllowedOrigins)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort))
	}
	if _, err := mail.ParseAddress(c.MailFrom); err != nil {
		errs = append(errs, fmt.Errorf("MAIL_FROM: %w", err))
	}
	if _, err := mail.ParseAddress(c.MailTo); err != nil {
		errs = append(errs, fmt.Errorf("MAIL_TO: %w", err))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("ALLOWED_ORIGINS: no origins listed"))
	}
	if c.RateLimitPerWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_WINDOW must be positive: %d", c.RateLimitPerWindow))
	}
	for name, d := range map[string]time.Duration{
		"RATE_LIMIT_WINDOW": c.RateLimitWindow,
		"CAPTCHA_TIMEOUT":   c.CaptchaTimeout,
		"SMTP_TIMEOUT":      c.SMTPTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive: %s", name, d))
		}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text: %q", c.LogFormat))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrConfig}, errs...)...)
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultEnvFile {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[strings.ToUpper(k)] = v
	}
	return out, nil
}

// environ returns only the recognized variables of the process environment;
// everything else in the environment belongs to the host, not to us.
func environ() map[string]string {
	out := make(map[string]string)
	for key := range knownKeys() {
		if v, ok := os.LookupEnv(key); ok {
			out[key] = v
		}
	}
	return out
}

func knownKeys() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeFor[Config]()
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			keys[name] = struct{}{}
		}
	}
	return keys
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTH_"

// Load builds the configuration in layers: defaults, the YAML file at
// path (skipped when empty), variables from envFiles, then AUTH_*
// environment variables. The result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes the YAML file at path over cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadEnvFiles loads dotenv files without overriding variables already
// set in the process. Missing files are ignored.
func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(string) error
}

// ApplyEnv overrides cfg with the AUTH_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range bindings(cfg) {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

func bindings(c *Config) []envBinding {
	return []envBinding{
		{"HTTP_ADDR", str(&c.HTTP.Addr)},
		{"HTTP_COOKIE_NAME", str(&c.HTTP.CookieName)},
		{"HTTP_COOKIE_DOMAIN", str(&c.HTTP.CookieDomain)},
		{"HTTP_COOKIE_SECURE", boolean(&c.HTTP.CookieSecure)},
		{"HTTP_REFRESH_TOKEN_IN_BODY", boolean(&c.HTTP.RefreshTokenInBody)},
		{"HTTP_CSRF", boolean(&c.HTTP.CSRF)},
		{"HTTP_CSRF_KEY", str(&c.HTTP.CSRFKey)},

		{"SIGNING_KEY", str(&c.Auth.SigningKey)},
		{"ISSUER", str(&c.Auth.Issuer)},
		{"AUDIENCE", list(&c.Auth.Audience)},
		{"ACCESS_TOKEN_TTL", duration(&c.Auth.AccessTokenTTL)},
		{"REFRESH_TOKEN_TTL", duration(&c.Auth.RefreshTokenTTL)},
		{"REQUIRE_VERIFIED", boolean(&c.Auth.RequireVerified)},
		{"MAX_LOGIN_ATTEMPTS", integer(&c.Auth.MaxLoginAttempts)},
		{"LOGIN_COOLDOWN", duration(&c.Auth.LoginCooldown)},
		{"BCRYPT_COST", integer(&c.Auth.BcryptCost)},
		{"TOKEN_HASH", str(&c.Auth.TokenHash)},
		{"RETENTION", duration(&c.Auth.Retention)},
		{"PRUNE_INTERVAL", duration(&c.Auth.PruneInterval)},

		{"DB_DRIVER", str(&c.Persistence.Driver)},
		{"DB_DSN", str(&c.Persistence.DSN)},
		{"DB_DEBUG", boolean(&c.Persistence.Debug)},

		{"REDIS_ADDR", str(&c.Redis.Addr)},
		{"REDIS_PASSWORD", str(&c.Redis.Password)},
		{"REDIS_DB", integer(&c.Redis.DB)},

		{"MAIL_TRANSPORT", str(&c.Mail.Transport)},
		{"MAIL_FROM", str(&c.Mail.From)},
		{"MAIL_BASE_URL", str(&c.Mail.BaseURL)},
		{"SMTP_HOST", str(&c.Mail.SMTPHost)},
		{"SMTP_PORT", integer(&c.Mail.SMTPPort)},
		{"SMTP_USERNAME", str(&c.Mail.SMTPUsername)},
		{"SMTP_PASSWORD", str(&c.Mail.SMTPPassword)},
		{"AMQP_URL", str(&c.Mail.AMQPURL)},
		{"AMQP_QUEUE", str(&c.Mail.AMQPQueue)},
		{"MAIL_CONSUME", boolean(&c.Mail.Consume)},

		{"METRICS_ENABLED", boolean(&c.Metrics.Enabled)},
		{"LOG_LEVEL", str(&c.Log.Level)},
		{"LOG_PRETTY", boolean(&c.Log.Pretty)},
	}
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

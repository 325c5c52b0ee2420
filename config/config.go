// Package config loads the authd configuration.
package config

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	auth "github.com/goliatone/go-auth-lifecycle"
	"github.com/goliatone/go-auth-lifecycle/persistence"
)

// Config is the complete authd configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Redis       RedisConfig       `yaml:"redis"`
	Mail        MailConfig        `yaml:"mail"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type HTTPConfig struct {
	Addr               string `yaml:"addr"`
	AppName            string `yaml:"app_name"`
	CookieName         string `yaml:"cookie_name"`
	CookiePath         string `yaml:"cookie_path"`
	CookieDomain       string `yaml:"cookie_domain"`
	CookieSecure       bool   `yaml:"cookie_secure"`
	CookieSameSite     string `yaml:"cookie_same_site"`
	RefreshTokenInBody bool   `yaml:"refresh_token_in_body"`
	CSRF               bool   `yaml:"csrf"`
	// CSRFKey signs double-submit tokens. Leave empty for a per-process
	// random key.
	CSRFKey         string        `yaml:"csrf_key"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig implements auth.Config.
type AuthConfig struct {
	SigningKey        string        `yaml:"signing_key"`
	Issuer            string        `yaml:"issuer"`
	Audience          []string      `yaml:"audience"`
	AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl"`
	ActivationTTL     time.Duration `yaml:"activation_ttl"`
	ResetPasswordTTL  time.Duration `yaml:"reset_password_ttl"`
	ChangeEmailTTL    time.Duration `yaml:"change_email_ttl"`
	ChangePasswordTTL time.Duration `yaml:"change_password_ttl"`
	RequireVerified   bool          `yaml:"require_verified"`
	MaxLoginAttempts  int           `yaml:"max_login_attempts"`
	LoginCooldown     time.Duration `yaml:"login_cooldown"`
	BcryptCost        int           `yaml:"bcrypt_cost"`
	// TokenHash names the digest applied to refresh and verification
	// tokens before storage: sha256 or sha512.
	TokenHash        string        `yaml:"token_hash"`
	Retention        time.Duration `yaml:"retention"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

type PersistenceConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	Debug        bool          `yaml:"debug"`
}

// RedisConfig configures the rate limiter backend. An empty Addr
// disables rate limiting.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	Capacity       int           `yaml:"capacity"`
	RefillTokens   int           `yaml:"refill_tokens"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	TTL            time.Duration `yaml:"ttl"`
}

const (
	MailTransportLog  = "log"
	MailTransportSMTP = "smtp"
	MailTransportAMQP = "amqp"
)

type MailConfig struct {
	Transport    string `yaml:"transport"`
	From         string `yaml:"from"`
	BaseURL      string `yaml:"base_url"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPQueue    string `yaml:"amqp_queue"`
	// Consume starts the queue consumer inside serve, delivering over SMTP.
	Consume bool `yaml:"consume"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration usable for local development once a
// signing key is set.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AppName:         "authd",
			CookieName:      "refresh_token",
			CookiePath:      "/auth",
			CookieSecure:    true,
			CookieSameSite:  "Strict",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:            "authd",
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   7 * 24 * time.Hour,
			ActivationTTL:     24 * time.Hour,
			ResetPasswordTTL:  time.Hour,
			ChangeEmailTTL:    24 * time.Hour,
			ChangePasswordTTL: time.Hour,
			RequireVerified:   true,
			MaxLoginAttempts:  5,
			LoginCooldown:     15 * time.Minute,
			Retention:         auth.DefaultRetention,
			PruneInterval:     auth.DefaultPruneInterval,
			OperationTimeout:  10 * time.Second,
			TokenHash:         "sha256",
		},
		Persistence: PersistenceConfig{
			Driver:      persistence.DriverSQLite,
			DSN:         "file:authd.db?cache=shared",
			PingTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Capacity:       10,
			RefillTokens:   1,
			RefillInterval: 6 * time.Second,
			TTL:            10 * time.Minute,
		},
		Mail: MailConfig{
			Transport: MailTransportLog,
			From:      "no-reply@localhost",
			SMTPPort:  587,
			AMQPQueue: "auth.mail",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.HTTP),
		validation.Field(&c.Auth),
		validation.Field(&c.Persistence),
		validation.Field(&c.Mail),
		validation.Field(&c.Metrics),
	)
}

func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.CookieName, validation.Required),
		validation.Field(&c.CookieSameSite, validation.In("Strict", "Lax", "None")),
		validation.Field(&c.CSRFKey, validation.Length(32, 0)),
	)
}

func (c AuthConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(32, 0)),
		validation.Field(&c.Issuer, validation.Required),
		validation.Field(&c.AccessTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.RefreshTokenTTL, validation.Required, validation.Min(c.AccessTokenTTL)),
		validation.Field(&c.BcryptCost, validation.Min(4), validation.Max(31)),
		validation.Field(&c.Retention, validation.Min(time.Duration(0))),
		validation.Field(&c.PruneInterval, validation.Required, validation.Min(time.Minute)),
	)
}

func (c PersistenceConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required,
			validation.In(persistence.DriverPostgres, persistence.DriverMySQL, persistence.DriverSQLite)),
		validation.Field(&c.DSN, validation.Required),
	)
}

func (c MailConfig) Validate() error {
	smtp := c.Transport == MailTransportSMTP || (c.Transport == MailTransportAMQP && c.Consume)
	return validation.ValidateStruct(&c,
		validation.Field(&c.Transport, validation.Required,
			validation.In(MailTransportLog, MailTransportSMTP, MailTransportAMQP)),
		validation.Field(&c.From, validation.Required),
		validation.Field(&c.SMTPHost, requiredWhen(smtp)...),
		validation.Field(&c.SMTPPort, requiredWhen(smtp, validation.Max(65535))...),
		validation.Field(&c.AMQPURL, requiredWhen(c.Transport == MailTransportAMQP)...),
		validation.Field(&c.BaseURL, is.URL),
	)
}

func (c MetricsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, requiredWhen(c.Enabled)...),
	)
}

func requiredWhen(cond bool, rules ...validation.Rule) []validation.Rule {
	if !cond {
		return nil
	}
	return append([]validation.Rule{validation.Required}, rules...)
}

var _ auth.Config = AuthConfig{}

func (c AuthConfig) GetSigningKey() string {
	return c.SigningKey
}

func (c AuthConfig) GetIssuer() string {
	return c.Issuer
}

func (c AuthConfig) GetAudience() []string {
	return c.Audience
}

func (c AuthConfig) GetAccessTokenTTL() time.Duration {
	return c.AccessTokenTTL
}

func (c AuthConfig) GetRefreshTokenTTL() time.Duration {
	return c.RefreshTokenTTL
}

func (c AuthConfig) GetVerificationTTL(tokenType auth.TokenType) time.Duration {
	switch tokenType {
	case auth.TokenTypeActivateAccount:
		return c.ActivationTTL
	case auth.TokenTypeResetPassword:
		return c.ResetPasswordTTL
	case auth.TokenTypeChangeEmail:
		return c.ChangeEmailTTL
	case auth.TokenTypeChangePassword:
		return c.ChangePasswordTTL
	}
	return 0
}

func (c AuthConfig) GetRequireVerified() bool {
	return c.RequireVerified
}

func (c AuthConfig) GetMaxLoginAttempts() int {
	return c.MaxLoginAttempts
}

func (c AuthConfig) GetLoginCooldown() time.Duration {
	return c.LoginCooldown
}

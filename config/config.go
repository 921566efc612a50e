// Package config loads the application configuration.
//
// Values are layered: built in defaults, then an optional TOML file, then
// the process environment, which a .env file may populate.
package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	gconfig "github.com/goliatone/go-config/config"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-masker"
	"github.com/goliatone/go-print"
	"github.com/joho/godotenv"
)

// EnvConfigFile names the variable pointing at the TOML file
const EnvConfigFile = "ACCOUNTS_CONFIG"

// EnvPrefix prefixes every environment override
const EnvPrefix = "ACCOUNTS_"

// EnvDelimiter separates nested keys in environment overrides
const EnvDelimiter = "__"

// BaseConfig is the root configuration
type BaseConfig struct {
	App         App         `koanf:"app" json:"app"`
	Auth        Auth        `koanf:"auth" json:"auth"`
	Mail        Mail        `koanf:"mail" json:"mail"`
	Persistence Persistence `koanf:"persistence" json:"persistence"`
	Redis       Redis       `koanf:"redis" json:"redis"`
	Queue       Queue       `koanf:"queue" json:"queue"`
	Throttle    Throttle    `koanf:"throttle" json:"throttle"`
}

type App struct {
	Addr     string `koanf:"addr" json:"addr"`
	BaseURL  string `koanf:"base_url" json:"base_url"`
	Debug    bool   `koanf:"debug" json:"debug"`
	Seed     bool   `koanf:"seed" json:"seed"`
	ViewsDir string `koanf:"views_dir" json:"views_dir"`
}

type Auth struct {
	SigningKey              string        `koanf:"signing_key" json:"signing_key" mask:"fixed"`
	Issuer                  string        `koanf:"issuer" json:"issuer"`
	Audience                []string      `koanf:"audience" json:"audience"`
	ContextKey              string        `koanf:"context_key" json:"context_key"`
	TokenExpiration         time.Duration `koanf:"token_expiration" json:"token_expiration"`
	ExtendedTokenExpiration time.Duration `koanf:"extended_token_expiration" json:"extended_token_expiration"`
	RejectedRouteKey        string        `koanf:"rejected_route_key" json:"rejected_route_key"`
	RejectedRouteDefault    string        `koanf:"rejected_route_default" json:"rejected_route_default"`
	LoginRoute              string        `koanf:"login_route" json:"login_route"`
	MaxFailedAttempts       int           `koanf:"max_failed_attempts" json:"max_failed_attempts"`
	UnlockIn                time.Duration `koanf:"unlock_in" json:"unlock_in"`
	ConfirmationTTL         time.Duration `koanf:"confirmation_ttl" json:"confirmation_ttl"`
	UnlockTTL               time.Duration `koanf:"unlock_ttl" json:"unlock_ttl"`
	PasswordResetTTL        time.Duration `koanf:"password_reset_ttl" json:"password_reset_ttl"`
	CSRFKey                 string        `koanf:"csrf_key" json:"csrf_key" mask:"fixed"`
}

type Mail struct {
	Transport        string        `koanf:"transport" json:"transport"`
	From             string        `koanf:"from" json:"from"`
	ContactRecipient string        `koanf:"contact_recipient" json:"contact_recipient"`
	Wait             time.Duration `koanf:"wait" json:"wait"`
	SMTPAddr         string        `koanf:"smtp_addr" json:"smtp_addr"`
	SMTPUsername     string        `koanf:"smtp_username" json:"smtp_username"`
	SMTPPassword     string        `koanf:"smtp_password" json:"smtp_password" mask:"fixed"`
}

type Persistence struct {
	Driver      string        `koanf:"driver" json:"driver"`
	DSN         string        `koanf:"dsn" json:"dsn" mask:"fixed"`
	PingTimeout time.Duration `koanf:"ping_timeout" json:"ping_timeout"`
	Debug       bool          `koanf:"debug" json:"debug"`
}

type Redis struct {
	Addr     string `koanf:"addr" json:"addr"`
	Password string `koanf:"password" json:"password" mask:"fixed"`
	DB       int    `koanf:"db" json:"db"`
	Prefix   string `koanf:"prefix" json:"prefix"`
}

type Queue struct {
	URL   string `koanf:"url" json:"url" mask:"fixed"`
	Name  string `koanf:"name" json:"name"`
	Embed bool   `koanf:"embed_worker" json:"embed_worker"`
}

type Throttle struct {
	Burst  int           `koanf:"burst" json:"burst"`
	Window time.Duration `koanf:"window" json:"window"`
}

// Mail transports
const (
	TransportLog  = "log"
	TransportSMTP = "smtp"
	TransportAMQP = "amqp"
)

// Defaults returns a config usable for local development
func Defaults() *BaseConfig {
	return &BaseConfig{
		App: App{
			Addr:    ":8572",
			BaseURL: "http://localhost:8572",
		},
		Auth: Auth{
			Issuer:                  "go-accounts",
			Audience:                []string{"go-accounts"},
			ContextKey:              "accounts_session",
			TokenExpiration:         24 * time.Hour,
			ExtendedTokenExpiration: 14 * 24 * time.Hour,
			RejectedRouteKey:        "login_redirect",
			RejectedRouteDefault:    "/",
			LoginRoute:              "/login",
			MaxFailedAttempts:       5,
			UnlockIn:                time.Hour,
			ConfirmationTTL:         72 * time.Hour,
			UnlockTTL:               24 * time.Hour,
			PasswordResetTTL:        6 * time.Hour,
		},
		Mail: Mail{
			Transport: TransportLog,
			From:      "no-reply@example.com",
			Wait:      2 * time.Second,
		},
		Persistence: Persistence{
			Driver:      "sqlite",
			DSN:         "file:accounts.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
			PingTimeout: 5 * time.Second,
		},
		Redis: Redis{
			Prefix: "accounts",
		},
		Queue: Queue{
			Name: "accounts.mail",
		},
		Throttle: Throttle{
			Burst:  10,
			Window: time.Minute,
		},
	}
}

// Logger receives loader diagnostics
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Error(format string, args ...any)
}

// NewContainer layers defaults, the TOML file at path (when set) and the
// ACCOUNTS_ environment. Nested keys use a double underscore, for example
// ACCOUNTS_AUTH__MAX_FAILED_ATTEMPTS.
func NewContainer(path string, logger Logger) *gconfig.Container[*BaseConfig] {
	providers := []gconfig.ProviderBuilder[*BaseConfig]{}
	if path != "" {
		providers = append(providers, gconfig.FileProvider[*BaseConfig](path))
	}
	providers = append(providers, gconfig.EnvProvider[*BaseConfig](EnvPrefix, EnvDelimiter))

	if logger == nil {
		logger = nopLogger{}
	}

	return gconfig.New(Defaults()).
		WithLogger(logger).
		WithProvider(providers...)
}

// Load builds the configuration. A missing .env file is not an error; a
// malformed one is, and so is a value that does not parse into its field.
func Load(ctx context.Context, logger Logger) (*BaseConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read .env file")
	}

	container := NewContainer(os.Getenv(EnvConfigFile), logger)
	if err := container.Load(ctx); err != nil {
		return nil, err
	}
	return container.Raw(), nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Validate checks the loaded values
func (c *BaseConfig) Validate() error {
	err := validation.Errors{
		"app": validation.ValidateStruct(&c.App,
			validation.Field(&c.App.Addr, validation.Required),
			validation.Field(&c.App.BaseURL, validation.Required, is.URL),
		),
		"auth": validation.ValidateStruct(&c.Auth,
			validation.Field(&c.Auth.SigningKey, validation.Required, validation.Length(32, 0)),
			validation.Field(&c.Auth.ContextKey, validation.Required),
			validation.Field(&c.Auth.TokenExpiration, validation.Required),
			validation.Field(&c.Auth.MaxFailedAttempts, validation.Required, validation.Min(2)),
			validation.Field(&c.Auth.UnlockIn, validation.Required),
			validation.Field(&c.Auth.ConfirmationTTL, validation.Required),
			validation.Field(&c.Auth.UnlockTTL, validation.Required),
			validation.Field(&c.Auth.PasswordResetTTL, validation.Required),
		),
		"mail": validation.ValidateStruct(&c.Mail,
			validation.Field(&c.Mail.Transport, validation.In(TransportLog, TransportSMTP, TransportAMQP)),
			validation.Field(&c.Mail.From, validation.Required, is.Email),
			validation.Field(&c.Mail.ContactRecipient, is.Email),
			validation.Field(&c.Mail.SMTPAddr, requiredIf(c.Mail.Transport == TransportSMTP)...),
		),
		"persistence": validation.ValidateStruct(&c.Persistence,
			validation.Field(&c.Persistence.Driver, validation.Required, validation.In("sqlite", "postgres")),
			validation.Field(&c.Persistence.DSN, validation.Required),
		),
		"queue": validation.ValidateStruct(&c.Queue,
			validation.Field(&c.Queue.URL, requiredIf(c.Mail.Transport == TransportAMQP)...),
		),
	}.Filter()

	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid configuration")
	}
	return nil
}

func requiredIf(cond bool) []validation.Rule {
	if cond {
		return []validation.Rule{validation.Required}
	}
	return nil
}

// String dumps the configuration with secrets masked
func (c *BaseConfig) String() string {
	masked, err := masker.Default.Mask(*c)
	if err != nil {
		return "{}"
	}
	return print.MaybePrettyJSON(masked)
}

package accounts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logger used across the package.
// Arguments after the message are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerProvider hands out named loggers
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// LoggerProviderFunc adapts a function to LoggerProvider
type LoggerProviderFunc func(name string) Logger

// GetLogger implements LoggerProvider.
func (f LoggerProviderFunc) GetLogger(name string) Logger {
	if f == nil {
		return defLogger{name: name}
	}
	return f(name)
}

// ResolveLogger picks the logger for a component. An explicit logger wins,
// then the provider, then the stdout default.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) (LoggerProvider, Logger) {
	if provider == nil {
		provider = LoggerProviderFunc(func(n string) Logger { return defLogger{name: n} })
	}

	if logger != nil {
		return provider, logger
	}

	if l := provider.GetLogger(name); l != nil {
		return provider, l
	}

	return provider, defLogger{name: name}
}

// Config holds the options consumed by the authenticator and HTTP layer
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	GetContextKey() string
	GetTokenExpiration() time.Duration
	GetExtendedTokenExpiration() time.Duration
	GetRejectedRouteKey() string
	GetRejectedRouteDefault() string
	GetLoginRoute() string
	GetMaxFailedAttempts() int
	GetUnlockIn() time.Duration
	GetConfirmationTTL() time.Duration
	GetUnlockTTL() time.Duration
	GetPasswordResetTTL() time.Duration
	GetBaseURL() string
	GetMailFrom() string
	GetContactRecipient() string
	GetMailWait() time.Duration
}

// Identity is the authenticated principal carried by a session
type Identity interface {
	ID() string
	Email() string
	Role() string
}

// Clock returns the current time
type Clock func() time.Time

// RequestMeta describes the origin of a request for audit purposes
type RequestMeta struct {
	IP        string
	UserAgent string
}

type requestMetaKey struct{}

// WithRequestMeta stores request metadata in the context
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext returns request metadata stored by WithRequestMeta
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

type defLogger struct {
	name string
}

func (d defLogger) Debug(msg string, args ...any) { d.print("DBG", msg, args...) }
func (d defLogger) Info(msg string, args ...any)  { d.print("INF", msg, args...) }
func (d defLogger) Warn(msg string, args ...any)  { d.print("WRN", msg, args...) }
func (d defLogger) Error(msg string, args ...any) { d.print("ERR", msg, args...) }

func (d defLogger) print(level, msg string, args ...any) {
	name := "ACCOUNTS"
	if d.name != "" {
		name = strings.ToUpper(d.name)
	}

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
			continue
		}
		fmt.Fprintf(&b, " %v", args[i])
	}

	fmt.Printf("[%s] %s %s\n", level, name, b.String())
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything
func NopLogger() Logger {
	return nopLogger{}
}

package config

import "time"

// The getters below satisfy accounts.Config

func (c *BaseConfig) GetSigningKey() string { return c.Auth.SigningKey }
func (c *BaseConfig) GetIssuer() string     { return c.Auth.Issuer }
func (c *BaseConfig) GetAudience() []string { return c.Auth.Audience }
func (c *BaseConfig) GetContextKey() string { return c.Auth.ContextKey }

func (c *BaseConfig) GetTokenExpiration() time.Duration {
	return c.Auth.TokenExpiration
}

func (c *BaseConfig) GetExtendedTokenExpiration() time.Duration {
	return c.Auth.ExtendedTokenExpiration
}

func (c *BaseConfig) GetRejectedRouteKey() string     { return c.Auth.RejectedRouteKey }
func (c *BaseConfig) GetRejectedRouteDefault() string { return c.Auth.RejectedRouteDefault }
func (c *BaseConfig) GetLoginRoute() string           { return c.Auth.LoginRoute }
func (c *BaseConfig) GetMaxFailedAttempts() int       { return c.Auth.MaxFailedAttempts }

func (c *BaseConfig) GetUnlockIn() time.Duration         { return c.Auth.UnlockIn }
func (c *BaseConfig) GetConfirmationTTL() time.Duration  { return c.Auth.ConfirmationTTL }
func (c *BaseConfig) GetUnlockTTL() time.Duration        { return c.Auth.UnlockTTL }
func (c *BaseConfig) GetPasswordResetTTL() time.Duration { return c.Auth.PasswordResetTTL }

func (c *BaseConfig) GetBaseURL() string          { return c.App.BaseURL }
func (c *BaseConfig) GetMailFrom() string         { return c.Mail.From }
func (c *BaseConfig) GetContactRecipient() string { return c.Mail.ContactRecipient }
func (c *BaseConfig) GetMailWait() time.Duration  { return c.Mail.Wait }

// GetCSRFKey returns the CSRF signing key, derived from the session signing
// key when none is configured
func (c *BaseConfig) GetCSRFKey() string {
	if c.Auth.CSRFKey != "" {
		return c.Auth.CSRFKey
	}
	return c.Auth.SigningKey + ":csrf"
}

// The getters below satisfy persistence.Config

func (p Persistence) GetDebug() bool                { return p.Debug }
func (p Persistence) GetDriver() string             { return p.Driver }
func (p Persistence) GetServer() string             { return p.DSN }
func (p Persistence) GetPingTimeout() time.Duration { return p.PingTimeout }
func (p Persistence) GetOtelIdentifier() string     { return "go-accounts" }

package accounts

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultMaxFailedAttempts locks an account on the fifth consecutive failure
const DefaultMaxFailedAttempts = 5

// Credentials is a login attempt
type Credentials struct {
	Email      string
	Password   string
	RememberMe bool
}

// LoginResult is the typed login outcome. Token and ExpiresAt are only set
// on success.
type LoginResult struct {
	Outcome   LoginOutcome
	Account   *Account
	Token     string
	ExpiresAt time.Time
}

// Authenticator runs the login state machine and manages sessions
type Authenticator struct {
	svc             *Services
	tokens          TokenService
	throttle        LoginThrottle
	revocations     RevocationList
	maxAttempts     int
	unlockIn        time.Duration
	sessionTTL      time.Duration
	extendedTTL     time.Duration
	trackingTimeout time.Duration
	runAsync        func(func())
	logger          Logger
}

// NewAuthenticator returns a new Authenticator
func NewAuthenticator(svc *Services, cfg Config) *Authenticator {
	maxAttempts := cfg.GetMaxFailedAttempts()
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFailedAttempts
	}

	sessionTTL := cfg.GetTokenExpiration()
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}

	extendedTTL := cfg.GetExtendedTokenExpiration()
	if extendedTTL < sessionTTL {
		extendedTTL = sessionTTL
	}

	tokens := NewTokenService([]byte(cfg.GetSigningKey()), cfg.GetIssuer(), jwt.ClaimStrings(cfg.GetAudience()), svc.Logger).
		WithClock(svc.Now)

	revocations := NewMemoryRevocationList()
	revocations.now = svc.Now

	return &Authenticator{
		svc:             svc,
		tokens:          tokens,
		throttle:        NoopThrottle(),
		revocations:     revocations,
		maxAttempts:     maxAttempts,
		unlockIn:        cfg.GetUnlockIn(),
		sessionTTL:      sessionTTL,
		extendedTTL:     extendedTTL,
		trackingTimeout: 5 * time.Second,
		runAsync:        func(f func()) { go f() },
		logger:          svc.Logger,
	}
}

func (a *Authenticator) WithLogger(logger Logger) *Authenticator {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithThrottle sets the login throttle
func (a *Authenticator) WithThrottle(throttle LoginThrottle) *Authenticator {
	if throttle != nil {
		a.throttle = throttle
	}
	return a
}

// WithRevocationList sets where logged out session ids are kept
func (a *Authenticator) WithRevocationList(list RevocationList) *Authenticator {
	if list != nil {
		a.revocations = list
	}
	return a
}

// WithTokenService replaces the session token service
func (a *Authenticator) WithTokenService(tokens TokenService) *Authenticator {
	if tokens != nil {
		a.tokens = tokens
	}
	return a
}

// TokenService returns the session token service
func (a *Authenticator) TokenService() TokenService {
	return a.tokens
}

// MaxFailedAttempts returns the lockout threshold
func (a *Authenticator) MaxFailedAttempts() int {
	return a.maxAttempts
}

// Login evaluates one attempt. The state read, the counter update, the lock
// and the session issuance commit together. Typed outcomes are returned
// with a nil error; errors mean throttling or infrastructure failure.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	if err := checkContext(ctx, "login"); err != nil {
		return nil, err
	}

	meta := RequestMetaFromContext(ctx)
	throttleKey := ThrottleKey(creds.Email, meta.IP)

	allowed, err := a.throttle.Allow(ctx, throttleKey)
	if err != nil {
		a.logger.Error("login throttle unavailable", "error", err)
	} else if !allowed {
		a.logger.Warn("login throttled", "ip", meta.IP)
		return nil, ErrTooManyRequests
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	result := &LoginResult{Outcome: LoginInvalidCredentials}
	var unlockToken string

	err = a.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result.Outcome, result.Account, unlockToken, err = a.attemptTx(ctx, tx, creds)
		if err != nil || result.Outcome != LoginSuccess {
			return err
		}

		ttl := a.sessionTTL
		if creds.RememberMe {
			ttl = a.extendedTTL
		}

		token, claims, err := a.tokens.Generate(result.Account, ttl, creds.RememberMe)
		if err != nil {
			return err
		}
		result.Token = token
		result.ExpiresAt = claims.Expiry()
		return nil
	})
	if err != nil {
		return nil, commandError(err, "login")
	}

	if unlockToken != "" {
		a.svc.deliver(ctx, MailUnlock, func(ctx context.Context) error {
			return a.svc.Notifier.SendUnlock(ctx, result.Account, unlockToken)
		})
	}

	a.recordAttempt(ctx, creds, result)

	if result.Outcome == LoginSuccess {
		if err := a.throttle.Reset(ctx, throttleKey); err != nil {
			a.logger.Warn("login throttle reset failed", "error", err)
		}
		a.trackSignIn(ctx, result.Account.ID, meta.IP)
	}

	return result, nil
}

func (a *Authenticator) attemptTx(ctx context.Context, tx bun.IDB, creds Credentials) (LoginOutcome, *Account, string, error) {
	accounts := a.svc.Repo.Accounts()

	account, err := accounts.LockForUpdateTx(ctx, tx, creds.Email)
	if err != nil {
		if HasTextCode(err, TextCodeAccountNotFound) {
			compareDummyHash(creds.Password)
			return LoginInvalidCredentials, nil, "", nil
		}
		return "", nil, "", err
	}

	if account.IsLocked() {
		if !a.lockExpired(account) {
			return LoginLocked, account, "", nil
		}
		account, err = a.svc.States.Transition(ctx, tx, SystemActor, account, unlockTarget(account),
			WithTransitionReason("lock expired"),
		)
		if err != nil {
			return "", nil, "", err
		}
	}

	if err := ComparePasswordAndHash(creds.Password, account.PasswordHash); err != nil {
		return a.failedAttemptTx(ctx, tx, account)
	}

	if !account.IsConfirmed() {
		return LoginUnconfirmed, account, "", nil
	}

	if account.FailedAttempts > 0 {
		if err := accounts.ResetFailedAttemptsTx(ctx, tx, account.ID, a.svc.Now()); err != nil {
			return "", nil, "", err
		}
		account.FailedAttempts = 0
	}

	return LoginSuccess, account, "", nil
}

func (a *Authenticator) failedAttemptTx(ctx context.Context, tx bun.IDB, account *Account) (LoginOutcome, *Account, string, error) {
	attempts, err := a.svc.Repo.Accounts().IncrementFailedAttemptsTx(ctx, tx, account.ID, a.svc.Now())
	if err != nil {
		return "", nil, "", err
	}
	account.FailedAttempts = attempts

	switch {
	case attempts >= a.maxAttempts:
		account, err = a.svc.States.Transition(ctx, tx, SystemActor, account, StateLocked,
			WithTransitionReason("too many failed attempts"),
			WithTransitionMetadata(map[string]any{"failed_attempts": attempts}),
		)
		if err != nil {
			return "", nil, "", err
		}
		raw, err := a.svc.Tokens.IssueTx(ctx, tx, account.ID, TokenUnlock)
		if err != nil {
			return "", nil, "", err
		}
		return LoginLocked, account, raw, nil
	case attempts == a.maxAttempts-1:
		return LoginLastAttemptWarning, account, "", nil
	default:
		return LoginInvalidCredentials, account, "", nil
	}
}

func (a *Authenticator) lockExpired(account *Account) bool {
	if a.unlockIn <= 0 || account.LockedAt == nil {
		return false
	}
	return !a.svc.Now().Before(account.LockedAt.Add(a.unlockIn))
}

func (a *Authenticator) recordAttempt(ctx context.Context, creds Credentials, result *LoginResult) {
	event := ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Actor:     ActorRef{Type: "anonymous"},
		Metadata: map[string]any{
			"outcome": string(result.Outcome),
			"ip":      RequestMetaFromContext(ctx).IP,
		},
	}
	if result.Account != nil {
		event.Actor = ActorFromAccount(result.Account)
		event.AccountID = result.Account.ID.String()
	}
	if result.Outcome == LoginSuccess {
		event.EventType = ActivityEventLoginSuccess
		event.Metadata["remember_me"] = creds.RememberMe
	}
	a.svc.emit(ctx, event)
}

// trackSignIn writes trackable metadata after the login committed. It runs
// detached from the request and only logs failures.
func (a *Authenticator) trackSignIn(ctx context.Context, accountID uuid.UUID, ip string) {
	detached := context.WithoutCancel(ctx)
	now := a.svc.Now()
	a.runAsync(func() {
		ctx, cancel := context.WithTimeout(detached, a.trackingTimeout)
		defer cancel()
		if err := a.svc.Repo.Accounts().TrackSignIn(ctx, accountID, ip, now); err != nil {
			a.logger.Warn("failed to track sign in", "account_id", accountID, "error", err)
		}
	})
}

// Logout revokes the session id until the token would expire
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	claims, err := a.tokens.Validate(token)
	if err != nil {
		// expired or forged tokens are already unusable
		return nil
	}

	if err := a.revocations.Revoke(ctx, claims.ID, claims.Expiry()); err != nil {
		return commandError(err, "logout")
	}

	a.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventLogout,
		Actor:     ActorRef{ID: claims.Subject, Type: claims.Role},
		AccountID: claims.Subject,
	})
	return nil
}

// SessionFromToken validates a session token and loads the account. Locked
// or unconfirmed accounts lose their sessions.
func (a *Authenticator) SessionFromToken(ctx context.Context, token string) (*Account, *SessionClaims, error) {
	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, nil, err
	}

	revoked, err := a.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, nil, commandError(err, "session lookup")
	}
	if revoked {
		return nil, nil, ErrSessionRevoked
	}

	id, err := claims.AccountID()
	if err != nil {
		return nil, nil, ErrSessionInvalid
	}

	account, err := a.svc.Repo.Accounts().GetByID(ctx, id.String())
	if err != nil {
		if HasTextCode(err, TextCodeAccountNotFound) {
			return nil, nil, ErrSessionInvalid
		}
		return nil, nil, err
	}

	if account.State() != StateActive {
		return nil, nil, ErrSessionInvalid
	}

	return account, claims, nil
}

package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	account := f.activeAccount(t, "jane@example.com")

	result := f.login(t, " Jane@Example.com ", testPassword)
	require.Equal(t, LoginSuccess, result.Outcome)
	assert.Equal(t, account.ID, result.Account.ID)
	assert.NotEmpty(t, result.Token)
	assert.True(t, f.clock().Add(time.Hour).Equal(result.ExpiresAt))

	parsed, err := jwt.ParseWithClaims(result.Token, &SessionClaims{}, func(*jwt.Token) (any, error) {
		return []byte("test-signing-key"), nil
	}, jwt.WithTimeFunc(f.clock))
	require.NoError(t, err)
	claims := parsed.Claims.(*SessionClaims)
	assert.Equal(t, account.ID.String(), claims.Subject)
	assert.Equal(t, string(RoleStandard), claims.Role)
	assert.NotEmpty(t, claims.ID)

	fresh := f.reload(t, account)
	assert.Equal(t, 1, fresh.SignInCount)
	require.NotNil(t, fresh.CurrentSignInAt)

	assert.Contains(t, f.sink.types(), ActivityEventLoginSuccess)
}

func TestLoginRememberMeExtendsSession(t *testing.T) {
	f := newFixture(t)
	f.activeAccount(t, "jane@example.com")

	result, err := f.auth.Login(context.Background(), Credentials{
		Email:      "jane@example.com",
		Password:   testPassword,
		RememberMe: true,
	})
	require.NoError(t, err)
	assert.True(t, f.clock().Add(24*time.Hour).Equal(result.ExpiresAt))
}

func TestLoginUnknownEmailIsGeneric(t *testing.T) {
	f := newFixture(t)

	result := f.login(t, "ghost@example.com", testPassword)
	assert.Equal(t, LoginInvalidCredentials, result.Outcome)
	assert.Nil(t, result.Account)
	assert.Empty(t, result.Token)
	assert.Equal(t, "Invalid email or password.", result.Outcome.Message())
}

func TestLoginUnconfirmed(t *testing.T) {
	f := newFixture(t)
	f.createAccount(t, NewAccountParams{Email: "new@example.com", FirstName: "N", LastName: "U"})

	result := f.login(t, "new@example.com", testPassword)
	assert.Equal(t, LoginUnconfirmed, result.Outcome)
	assert.Empty(t, result.Token)

	result = f.login(t, "new@example.com", "WrongPass1")
	assert.Equal(t, LoginInvalidCredentials, result.Outcome, "a wrong password does not reveal the state")
}

func TestLoginLockoutSequence(t *testing.T) {
	f := newFixture(t)
	account := f.activeAccount(t, "jane@example.com")

	expected := []LoginOutcome{
		LoginInvalidCredentials,
		LoginInvalidCredentials,
		LoginInvalidCredentials,
		LoginLastAttemptWarning,
		LoginLocked,
	}

	for i, want := range expected {
		result := f.login(t, "jane@example.com", "WrongPass1")
		assert.Equal(t, want, result.Outcome, "attempt %d", i+1)
	}

	fresh := f.reload(t, account)
	assert.Equal(t, StateLocked, fresh.State())
	assert.Equal(t, 5, fresh.FailedAttempts)

	unlockMails := f.mailer.byTemplate(MailUnlock)
	require.Len(t, unlockMails, 1)
	assert.Equal(t, []string{"jane@example.com"}, unlockMails[0].To)
	assert.Contains(t, unlockMails[0].Body, "https://accounts.test/unlock?token=")

	result := f.login(t, "jane@example.com", testPassword)
	assert.Equal(t, LoginLocked, result.Outcome, "the right password does not bypass the lock")
	assert.Empty(t, result.Token)

	assert.Len(t, f.mailer.byTemplate(MailUnlock), 1, "a locked account is not mailed again")
	assert.Contains(t, f.sink.types(), ActivityEventAccountLocked)
}

func TestLoginLockoutUnderConcurrentAttempts(t *testing.T) {
	f := newFixtureWithDB(t, newTestConfig(), newFileTestDB(t))
	account := f.activeAccount(t, "jane@example.com")

	const attempts = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[LoginOutcome]int{}
		start    = make(chan struct{})
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.auth.Login(context.Background(), Credentials{Email: "jane@example.com", Password: "WrongPass1"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[result.Outcome]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 3, outcomes[LoginInvalidCredentials], "outcomes: %v", outcomes)
	assert.Equal(t, 1, outcomes[LoginLastAttemptWarning], "outcomes: %v", outcomes)
	assert.Equal(t, attempts-4, outcomes[LoginLocked], "outcomes: %v", outcomes)

	fresh := f.reload(t, account)
	assert.Equal(t, StateLocked, fresh.State())
	assert.Equal(t, 5, fresh.FailedAttempts)
	assert.Len(t, f.mailer.byTemplate(MailUnlock), 1)
}

func TestLoginSuccessResetsFailedAttempts(t *testing.T) {
	f := newFixture(t)
	account := f.activeAccount(t, "jane@example.com")

	for i := 0; i < 3; i++ {
		f.login(t, "jane@example.com", "WrongPass1")
	}
	assert.Equal(t, 3, f.reload(t, account).FailedAttempts)

	require.Equal(t, LoginSuccess, f.login(t, "jane@example.com", testPassword).Outcome)
	assert.Equal(t, 0, f.reload(t, account).FailedAttempts)

	for i := 0; i < 3; i++ {
		assert.Equal(t, LoginInvalidCredentials, f.login(t, "jane@example.com", "WrongPass1").Outcome)
	}
	assert.Equal(t, LoginLastAttemptWarning, f.login(t, "jane@example.com", "WrongPass1").Outcome)
}

func TestLoginLockExpires(t *testing.T) {
	f := newFixture(t)
	account := f.activeAccount(t, "jane@example.com")

	for i := 0; i < 5; i++ {
		f.login(t, "jane@example.com", "WrongPass1")
	}
	require.True(t, f.reload(t, account).IsLocked())

	f.advance(59 * time.Minute)
	assert.Equal(t, LoginLocked, f.login(t, "jane@example.com", testPassword).Outcome)

	f.advance(time.Minute)
	assert.Equal(t, LoginSuccess, f.login(t, "jane@example.com", testPassword).Outcome)

	fresh := f.reload(t, account)
	assert.Equal(t, StateActive, fresh.State())
	assert.Equal(t, 0, fresh.FailedAttempts)
}

func TestLoginLockWithoutAutoUnlock(t *testing.T) {
	cfg := newTestConfig()
	cfg.unlockIn = 0
	f := newFixtureWithConfig(t, cfg)
	f.activeAccount(t, "jane@example.com")

	for i := 0; i < 5; i++ {
		f.login(t, "jane@example.com", "WrongPass1")
	}

	f.advance(30 * 24 * time.Hour)
	assert.Equal(t, LoginLocked, f.login(t, "jane@example.com", testPassword).Outcome)
}

func TestLoginThrottled(t *testing.T) {
	f := newFixture(t)
	f.activeAccount(t, "jane@example.com")

	throttle := NewMemoryThrottle(2, time.Minute)
	throttle.now = f.clock
	f.auth.WithThrottle(throttle)

	ctx := WithRequestMeta(context.Background(), RequestMeta{IP: "10.0.0.1"})
	for i := 0; i < 2; i++ {
		_, err := f.auth.Login(ctx, Credentials{Email: "jane@example.com", Password: "WrongPass1"})
		require.NoError(t, err)
	}

	_, err := f.auth.Login(ctx, Credentials{Email: "jane@example.com", Password: testPassword})
	require.ErrorIs(t, err, ErrTooManyRequests)

	account, err := f.svc.Repo.Accounts().GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, account.FailedAttempts, "throttled attempts do not count")
}

func TestLoginRejectsCancelledContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.auth.Login(ctx, Credentials{Email: "jane@example.com", Password: testPassword})
	require.Error(t, err)
}

func TestSessionFromToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.activeAccount(t, "jane@example.com")

	result := f.login(t, "jane@example.com", testPassword)
	require.Equal(t, LoginSuccess, result.Outcome)

	t.Run("valid session", func(t *testing.T) {
		loaded, claims, err := f.auth.SessionFromToken(ctx, result.Token)
		require.NoError(t, err)
		assert.Equal(t, account.ID, loaded.ID)
		assert.Equal(t, "jane@example.com", claims.Email)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, _, err := f.auth.SessionFromToken(ctx, "not-a-token")
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})

	t.Run("foreign signing key", func(t *testing.T) {
		other := NewTokenService([]byte("other-key"), "accounts-test", jwt.ClaimStrings{"accounts:test"}, NopLogger()).
			WithClock(f.clock)
		forged, _, err := other.Generate(account, time.Hour, false)
		require.NoError(t, err)

		_, _, err = f.auth.SessionFromToken(ctx, forged)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})

	t.Run("expired session", func(t *testing.T) {
		f.advance(2 * time.Hour)
		defer f.advance(-2 * time.Hour)

		_, _, err := f.auth.SessionFromToken(ctx, result.Token)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})

	t.Run("locked account loses the session", func(t *testing.T) {
		locked, err := f.svc.States.Transition(ctx, f.db, SystemActor, f.reload(t, account), StateLocked)
		require.NoError(t, err)
		defer func() {
			_, err := f.svc.States.Transition(ctx, f.db, SystemActor, locked, StateActive)
			require.NoError(t, err)
		}()

		_, _, err = f.auth.SessionFromToken(ctx, result.Token)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeAccount(t, "jane@example.com")

	result := f.login(t, "jane@example.com", testPassword)
	require.NoError(t, f.auth.Logout(ctx, result.Token))

	_, _, err := f.auth.SessionFromToken(ctx, result.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.Contains(t, f.sink.types(), ActivityEventLogout)

	other := f.login(t, "jane@example.com", testPassword)
	_, _, err = f.auth.SessionFromToken(ctx, other.Token)
	assert.NoError(t, err, "other sessions stay valid")

	assert.NoError(t, f.auth.Logout(ctx, ""))
	assert.NoError(t, f.auth.Logout(ctx, "garbage"))
}

func TestMemoryThrottle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	throttle := NewMemoryThrottle(3, 3*time.Second)
	throttle.now = func() time.Time { return now }

	key := ThrottleKey("Jane@Example.com ", " 10.0.0.1")
	assert.Equal(t, "login:jane@example.com|10.0.0.1", key)

	for i := 0; i < 3; i++ {
		ok, err := throttle.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := throttle.Allow(ctx, key)
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, _ = throttle.Allow(ctx, key)
	assert.True(t, ok)

	require.NoError(t, throttle.Reset(ctx, key))
	ok, _ = throttle.Allow(ctx, key)
	assert.True(t, ok)
}

func TestMemoryRevocationList(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	list := NewMemoryRevocationList()
	list.now = func() time.Time { return now }

	require.NoError(t, list.Revoke(ctx, "jti-1", now.Add(time.Hour)))
	require.NoError(t, list.Revoke(ctx, "jti-old", now.Add(-time.Hour)))

	revoked, err := list.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, _ = list.IsRevoked(ctx, "jti-old")
	assert.False(t, revoked)

	now = now.Add(2 * time.Hour)
	revoked, _ = list.IsRevoked(ctx, "jti-1")
	assert.False(t, revoked)
}

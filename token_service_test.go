package accounts

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService(now *time.Time) *TokenServiceImpl {
	return NewTokenService([]byte("secret"), "accounts-test", jwt.ClaimStrings{"accounts:test"}, NopLogger()).
		WithClock(func() time.Time { return *now })
}

func TestTokenServiceRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ts := newTestTokenService(&now)

	account := &Account{ID: uuid.New(), Email: "jane@example.com", Role: RoleAdmin}

	signed, issued, err := ts.Generate(account, time.Hour, true)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.ID)
	assert.True(t, issued.Expiry().Equal(now.Add(time.Hour)))

	claims, err := ts.Validate(signed)
	require.NoError(t, err)
	id, err := claims.AccountID()
	require.NoError(t, err)
	assert.Equal(t, account.ID, id)
	assert.Equal(t, "admin", claims.Role)
	assert.True(t, claims.Remember)
	assert.Equal(t, issued.ID, claims.ID)

	_, second, err := ts.Generate(account, time.Hour, false)
	require.NoError(t, err)
	assert.NotEqual(t, issued.ID, second.ID, "every session gets its own id")
}

func TestTokenServiceRejects(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ts := newTestTokenService(&now)
	account := &Account{ID: uuid.New(), Role: RoleStandard}

	signed, _, err := ts.Generate(account, time.Minute, false)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := now.Add(2 * time.Minute)
		_, err := newTestTokenService(&later).Validate(signed)
		require.Error(t, err)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
		assert.Equal(t, true, metadataValue(t, err, "expired"))
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewTokenService([]byte("secret"), "accounts-test", jwt.ClaimStrings{"elsewhere"}, NopLogger()).
			WithClock(func() time.Time { return now })
		_, err := other.Validate(signed)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokenService([]byte("secret"), "someone-else", jwt.ClaimStrings{"accounts:test"}, NopLogger()).
			WithClock(func() time.Time { return now })
		_, err := other.Validate(signed)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": account.ID.String(),
			"iss": "accounts-test",
			"aud": "accounts:test",
			"exp": now.Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = ts.Validate(unsigned)
		assert.True(t, HasTextCode(err, TextCodeSessionInvalid))
	})

	t.Run("nil account", func(t *testing.T) {
		_, _, err := ts.Generate(nil, time.Hour, false)
		assert.Error(t, err)
	})
}

func metadataValue(t *testing.T, err error, key string) any {
	t.Helper()
	var richErr *goerrors.Error
	require.ErrorAs(t, err, &richErr)
	return richErr.Metadata[key]
}

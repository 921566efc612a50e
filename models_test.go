package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccountDefaults(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := NewAccount(NewAccountParams{
		Email:     "  Jane.Doe@Example.COM ",
		FirstName: " Jane ",
		LastName:  "Doe",
	}, now)

	assert.NotEqual(t, "", a.ID.String())
	assert.Equal(t, "jane.doe@example.com", a.Email)
	assert.Equal(t, RoleStandard, a.Role)
	assert.Equal(t, "Jane Doe", a.FullName())
	assert.Equal(t, "jane-doe", a.Slug)
	assert.Equal(t, StateUnconfirmed, a.State())
	assert.Equal(t, now, a.CreatedAt)

	confirmed := NewAccount(NewAccountParams{Email: "a@example.com", FirstName: "A", LastName: "B", Confirmed: true}, now)
	assert.Equal(t, StateActive, confirmed.State())
}

func TestAccountStateLockWins(t *testing.T) {
	now := time.Now()
	a := &Account{ConfirmedAt: &now}
	assert.Equal(t, StateActive, a.State())

	a.LockedAt = &now
	assert.Equal(t, StateLocked, a.State())
	assert.True(t, a.IsLocked())
	assert.True(t, a.IsConfirmed())

	a.ConfirmedAt = nil
	assert.Equal(t, StateLocked, a.State())
}

func TestRoleNameUsesDisplayNames(t *testing.T) {
	assert.Equal(t, "Administrator", (&Account{Role: RoleAdmin}).RoleName())
	assert.Equal(t, "User", (&Account{Role: RoleStandard}).RoleName())
}

func TestBaseSlug(t *testing.T) {
	assert.Equal(t, "jose-garcia", BaseSlug("José García"))
	assert.Equal(t, "account", BaseSlug("   "))
}

func TestSlugCollisionsGetASuffix(t *testing.T) {
	f := newFixture(t)

	first := f.createAccount(t, NewAccountParams{Email: "a@example.com", FirstName: "Jane", LastName: "Doe"})
	second := f.createAccount(t, NewAccountParams{Email: "b@example.com", FirstName: "Jane", LastName: "Doe"})
	third := f.createAccount(t, NewAccountParams{Email: "c@example.com", FirstName: "Jane", LastName: "Doe"})

	assert.Equal(t, "jane-doe", first.Slug)
	assert.Equal(t, "jane-doe-2", second.Slug)
	assert.Equal(t, "jane-doe-3", third.Slug)
}

func TestSlugIsFrozenOnRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account := f.activeAccount(t, "jane@example.com")
	account.FirstName = "Janet"
	_, err := f.svc.Repo.Accounts().UpdateTx(ctx, f.db, account, UpdateAccountColumns("first_name"))
	require.NoError(t, err)

	fresh := f.reload(t, account)
	assert.Equal(t, "Janet", fresh.FirstName)
	assert.Equal(t, "jane-doe", fresh.Slug)
}

func TestDuplicateEmailIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.activeAccount(t, "jane@example.com")

	dup := NewAccount(NewAccountParams{Email: "JANE@example.com", FirstName: "J", LastName: "D"}, f.clock())
	dup.PasswordHash = "x"
	_, err := f.svc.Repo.Accounts().CreateTx(context.Background(), f.db, dup)
	require.Error(t, err)
	assert.True(t, HasTextCode(err, TextCodeDuplicateEmail))
}

func TestRoles(t *testing.T) {
	role, ok := ParseRole(" Admin ")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, role)

	role, ok = ParseRole("user")
	assert.True(t, ok)
	assert.Equal(t, RoleStandard, role)

	_, ok = ParseRole("root")
	assert.False(t, ok)

	assert.NoError(t, ValidateDisplayNames(RoleDisplayNames))
	err := ValidateDisplayNames(map[Role]string{RoleStandard: "User"})
	require.Error(t, err)
	assert.True(t, HasTextCode(err, TextCodeDisplayNames))
	assert.Equal(t, []string{"admin"}, metadataValue(t, err, "roles"))
}

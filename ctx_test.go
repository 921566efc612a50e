package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccountContext(t *testing.T) {
	_, ok := AccountFromContext(context.Background())
	assert.False(t, ok)

	_, ok = AccountFromContext(WithAccount(context.Background(), nil))
	assert.False(t, ok)

	account := NewAccount(NewAccountParams{Email: "a@example.com", FirstName: "Ann", LastName: "Lee"}, time.Now())
	got, ok := AccountFromContext(WithAccount(context.Background(), account))
	assert.True(t, ok)
	assert.Same(t, account, got)
}

func TestCan(t *testing.T) {
	engine := NewPolicyEngine(DefaultPolicyTable(), WithPolicyLogger(NopLogger()))
	now := time.Now()

	admin := NewAccount(NewAccountParams{Email: "admin@example.com", FirstName: "Ada", LastName: "Admin", Role: RoleAdmin, Confirmed: true}, now)
	user := NewAccount(NewAccountParams{Email: "user@example.com", FirstName: "Sam", LastName: "User", Confirmed: true}, now)

	assert.True(t, Can(WithAccount(context.Background(), admin), engine, ActionListAccounts))
	assert.False(t, Can(WithAccount(context.Background(), user), engine, ActionListAccounts))
	assert.False(t, Can(context.Background(), engine, ActionListAccounts))
	assert.False(t, Can(WithAccount(context.Background(), admin), nil, ActionListAccounts))
}

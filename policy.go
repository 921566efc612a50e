package accounts

import (
	"context"
	"sort"

	"github.com/uptrace/bun"
)

// Action names a protected capability
type Action string

const (
	ActionListAccounts  Action = "accounts.list"
	ActionShowAccount   Action = "accounts.show"
	ActionCreateAccount Action = "accounts.create"
	ActionUpdateAccount Action = "accounts.update"
	ActionDeleteAccount Action = "accounts.delete"
	ActionUnlockAccount Action = "accounts.unlock"
)

// PolicyTable maps (role, action) to allow. Anything missing is denied.
type PolicyTable map[Role]map[Action]bool

// AccountManagementActions is the admin user management capability set
func AccountManagementActions() []Action {
	return []Action{
		ActionListAccounts,
		ActionShowAccount,
		ActionCreateAccount,
		ActionUpdateAccount,
		ActionDeleteAccount,
		ActionUnlockAccount,
	}
}

// DefaultPolicyTable grants account management to admins only
func DefaultPolicyTable() PolicyTable {
	admin := map[Action]bool{}
	for _, action := range AccountManagementActions() {
		admin[action] = true
	}
	return PolicyTable{
		RoleAdmin:    admin,
		RoleStandard: {},
	}
}

// Allows looks up a single entry
func (t PolicyTable) Allows(role Role, action Action) bool {
	return t[role][action]
}

// Decision is the result of an authorization check. Reason is for logs only.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow builds a positive decision
func Allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

// Deny builds a negative decision
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// PolicyEngine evaluates actions and list scopes
type PolicyEngine struct {
	table        PolicyTable
	known        map[Action]struct{}
	logger       Logger
	activitySink ActivitySink
}

// PolicyOption customizes the engine
type PolicyOption func(*PolicyEngine)

// WithPolicyLogger sets the logger used for denials
func WithPolicyLogger(logger Logger) PolicyOption {
	return func(p *PolicyEngine) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPolicyActivitySink records denials on the sink
func WithPolicyActivitySink(sink ActivitySink) PolicyOption {
	return func(p *PolicyEngine) {
		p.activitySink = normalizeActivitySink(sink)
	}
}

// NewPolicyEngine builds an engine from the table. The set of known actions is
// every action mentioned for any role plus the account management set.
func NewPolicyEngine(table PolicyTable, opts ...PolicyOption) *PolicyEngine {
	if table == nil {
		table = DefaultPolicyTable()
	}

	p := &PolicyEngine{
		table:        table,
		known:        map[Action]struct{}{},
		logger:       defLogger{name: "policy"},
		activitySink: noopActivitySink{},
	}

	for _, action := range AccountManagementActions() {
		p.known[action] = struct{}{}
	}
	for _, actions := range table {
		for action := range actions {
			p.known[action] = struct{}{}
		}
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// Knows reports whether the action has an entry in the policy
func (p *PolicyEngine) Knows(action Action) bool {
	_, ok := p.known[action]
	return ok
}

// Actions returns the known actions sorted by name
func (p *PolicyEngine) Actions() []Action {
	out := make([]Action, 0, len(p.known))
	for action := range p.known {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Authorize is the single generic check. The target is optional.
func (p *PolicyEngine) Authorize(caller *Account, action Action, target *Account) Decision {
	switch {
	case caller == nil:
		return Deny("unauthenticated caller")
	case !p.Knows(action):
		return Deny("unknown action")
	case !caller.Role.IsValid():
		return Deny("invalid role")
	case caller.IsLocked() || !caller.IsConfirmed():
		return Deny("caller is not active")
	case !p.table.Allows(caller.Role, action):
		return Deny("role " + string(caller.Role) + " has no grant for " + string(action))
	}
	return Allow("role " + string(caller.Role) + " granted " + string(action))
}

// Require returns ErrNotAuthorized when the decision is negative. The reason
// is logged and recorded, never returned.
func (p *PolicyEngine) Require(ctx context.Context, caller *Account, action Action, target *Account) error {
	decision := p.Authorize(caller, action, target)
	if decision.Allowed {
		return nil
	}

	args := []any{"action", action, "reason", decision.Reason}
	if caller != nil {
		args = append(args, "caller_id", caller.ID, "caller_role", caller.Role)
	}
	if target != nil {
		args = append(args, "target_id", target.ID)
	}
	p.logger.Warn("authorization denied", args...)

	event := ActivityEvent{
		EventType: ActivityEventAuthorizationDenied,
		Actor:     ActorFromAccount(caller),
		Metadata: map[string]any{
			"action": string(action),
			"reason": decision.Reason,
		},
	}
	if target != nil {
		event.AccountID = target.ID.String()
	}
	emitActivity(ctx, p.activitySink, p.logger, nil, event)

	return ErrNotAuthorized
}

// Scope returns the list filter for the caller. It is enforced independently
// of Authorize: callers without the list grant see no rows.
func (p *PolicyEngine) Scope(caller *Account) ScopeFunc {
	if caller != nil && caller.Role.IsAdmin() && p.table.Allows(caller.Role, ActionListAccounts) {
		return func(q *bun.SelectQuery) *bun.SelectQuery { return q }
	}
	return denyAll
}

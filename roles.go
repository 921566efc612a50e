package accounts

import (
	"strings"
)

// Role is the account role
type Role string

const (
	// RoleStandard is the default role for self registered accounts
	RoleStandard Role = "standard"
	// RoleAdmin manages other accounts
	RoleAdmin Role = "admin"
)

// RoleDisplayNames maps every role to its display string.
// ValidateDisplayNames must pass before the application starts serving.
var RoleDisplayNames = map[Role]string{
	RoleStandard: "User",
	RoleAdmin:    "Administrator",
}

// AllRoles returns the roles in a stable order
func AllRoles() []Role {
	return []Role{RoleStandard, RoleAdmin}
}

// IsValid checks if the role is one of the predefined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleStandard, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsAdmin reports whether the role grants account management
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Display returns the display string for the role
func (r Role) Display() string {
	if name, ok := RoleDisplayNames[r]; ok {
		return name
	}
	return string(r)
}

func (r Role) String() string {
	return string(r)
}

// ParseRole parses a role name. The legacy name "user" maps to RoleStandard.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "user" {
		return RoleStandard, true
	}
	role := Role(s)
	return role, role.IsValid()
}

// ValidateDisplayNames fails when a role has no display entry
func ValidateDisplayNames(names map[Role]string) error {
	var missing []string
	for _, role := range AllRoles() {
		if strings.TrimSpace(names[role]) == "" {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		return withMeta(ErrDisplayNamesMissing, nil, map[string]any{"roles": missing})
	}
	return nil
}

package auth

// Grants is the resolved permission set of an account.
type Grants struct {
	Role        string
	Permissions map[string]struct{}
}

// GrantsFor resolves the permissions of role.
func GrantsFor(role string) Grants {
	perms := rolePermissions[role]
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Grants{Role: role, Permissions: set}
}

// HasPermission reports whether the grants allow the action identified by key.
func (g Grants) HasPermission(key string) bool {
	_, ok := g.Permissions[key]
	return ok
}

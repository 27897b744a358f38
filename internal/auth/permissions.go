package auth

const (
	PermAccountsUnlock     = "accounts.unlock"
	PermAccountsDeactivate = "accounts.deactivate"
	PermSessionsOwn        = "sessions.own"
)

// rolePermissions grants permissions per role. Unknown roles get nothing.
var rolePermissions = map[string][]string{
	RoleUser:  {PermSessionsOwn},
	RoleAdmin: {PermSessionsOwn, PermAccountsUnlock, PermAccountsDeactivate},
}

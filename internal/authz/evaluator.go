package authz

// HasPermission reports whether the role grants the permission according to
// the static capability table. Super-admin passes every check regardless of
// the table. Unknown roles or permissions evaluate to false rather than
// erroring: role tags arrive from loosely typed backend payloads and a bad
// tag must deny, not crash.
func HasPermission(role Role, perm Permission) bool {
	if role == RoleSuperAdmin {
		return true
	}
	granted, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range granted {
		if p == perm {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether the role grants at least one of the
// supplied permissions. An empty list yields false.
func HasAnyPermission(role Role, perms []Permission) bool {
	for _, p := range perms {
		if HasPermission(role, p) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the role grants every supplied
// permission. An empty list yields true.
func HasAllPermissions(role Role, perms []Permission) bool {
	for _, p := range perms {
		if !HasPermission(role, p) {
			return false
		}
	}
	return true
}

// CanAccessRoute evaluates the route table for the given role. Listed routes
// must satisfy their rule; unlisted routes are allowed (see RoutePermissions
// for the documented default).
func CanAccessRoute(role Role, path string) bool {
	rule, ok := RouteRuleFor(path)
	if !ok {
		return true
	}
	return ruleAllows(role, rule)
}

// CanAccessResource combines a permission check with a scope containment
// check: the user's granted scope for the permission must cover the scope at
// which the resource is placed. Unknown scopes on either side deny.
func CanAccessResource(role Role, perm Permission, userScope, resourceScope Scope) bool {
	if !HasPermission(role, perm) {
		return false
	}
	return userScope.Covers(resourceScope)
}

func ruleAllows(role Role, rule RouteRule) bool {
	if rule.Public {
		return true
	}
	if len(rule.Roles) > 0 && !roleIn(role, rule.Roles) {
		return false
	}
	if len(rule.Permissions) > 0 {
		if rule.RequireAll {
			return HasAllPermissions(role, rule.Permissions)
		}
		return HasAnyPermission(role, rule.Permissions)
	}
	return true
}

func roleIn(role Role, roles []Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

package authz

import "strings"

// RouteRule declares what a dashboard route requires. A rule with Public set
// matches unconditionally. Roles, when non-empty, restricts the route to those
// roles. Permissions are combined per RequireAll (all vs at least one).
type RouteRule struct {
	Permissions []Permission
	Roles       []Role
	RequireAll  bool
	Public      bool
}

// RolePermissions is the static role capability table. Every member of the
// closed role set has an entry, loaded once at process start and never
// mutated. Super-admin is intentionally sparse here: the evaluator
// short-circuits it to full access without consulting the table.
var RolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {},
	RoleOrgAdmin: {
		PermManageUsers,
		PermManageTeams,
		PermManageDeals,
		PermViewAllDeals,
		PermCreateDeal,
		PermViewAnalytics,
		PermViewReports,
		PermExportReports,
		PermManageSettings,
	},
	RoleSupervisor: {
		PermManageDeals,
		PermViewTeamDeals,
		PermViewOwnDeals,
		PermCreateDeal,
		PermViewAnalytics,
		PermViewReports,
	},
	RoleSalesperson: {
		PermViewOwnDeals,
		PermCreateDeal,
	},
	RoleVerifier: {
		PermVerifyDealPayment,
		PermVerifyInvoices,
		PermViewTeamDeals,
	},
	RoleTeamMember: {
		PermViewOwnDeals,
	},
}

// RoutePermissions maps dashboard route paths to their access rules. Lookup
// is exact match first, then longest matching prefix. Routes absent from the
// table are treated as allowed: they are public shell pages (login, landing,
// error pages) that carry no protected data. A route that is listed but whose
// requirements fail is denied.
var RoutePermissions = map[string]RouteRule{
	"/login":   {Public: true},
	"/logout":  {Public: true},
	"/denied":  {Public: true},
	"/deals":   {Permissions: []Permission{PermViewOwnDeals, PermViewTeamDeals, PermViewAllDeals}},
	"/deals/new": {
		Permissions: []Permission{PermCreateDeal},
		RequireAll:  true,
	},
	"/deals/verify": {
		Permissions: []Permission{PermVerifyDealPayment},
		Roles:       []Role{RoleSuperAdmin, RoleVerifier},
		RequireAll:  true,
	},
	"/invoices/verify": {
		Permissions: []Permission{PermVerifyInvoices},
		RequireAll:  true,
	},
	"/analytics": {
		Permissions: []Permission{PermViewAnalytics},
		RequireAll:  true,
	},
	"/reports": {
		Permissions: []Permission{PermViewReports},
		RequireAll:  true,
	},
	"/reports/export": {
		Permissions: []Permission{PermExportReports},
		RequireAll:  true,
	},
	"/admin": {
		Roles: []Role{RoleSuperAdmin, RoleOrgAdmin},
	},
	"/admin/users": {
		Permissions: []Permission{PermManageUsers},
		Roles:       []Role{RoleSuperAdmin, RoleOrgAdmin},
		RequireAll:  true,
	},
	"/admin/organizations": {
		Roles: []Role{RoleSuperAdmin},
	},
	"/admin/teams": {
		Permissions: []Permission{PermManageTeams},
		RequireAll:  true,
	},
	"/settings": {
		Permissions: []Permission{PermManageSettings},
		RequireAll:  true,
	},
}

// RouteRuleFor resolves the rule governing path. Exact matches win; otherwise
// the longest listed prefix (on path-segment boundaries) applies. The second
// return value reports whether any rule matched.
func RouteRuleFor(path string) (RouteRule, bool) {
	if rule, ok := RoutePermissions[path]; ok {
		return rule, true
	}
	bestLen := -1
	var best RouteRule
	for candidate, rule := range RoutePermissions {
		if !strings.HasPrefix(path, candidate) {
			continue
		}
		if len(path) > len(candidate) && !strings.HasPrefix(path[len(candidate):], "/") {
			continue
		}
		if len(candidate) > bestLen {
			bestLen = len(candidate)
			best = rule
		}
	}
	if bestLen < 0 {
		return RouteRule{}, false
	}
	return best, true
}

// KnownRoutes lists every route path present in the table, used for cache
// pre-warming after a permission refresh.
func KnownRoutes() []string {
	routes := make([]string, 0, len(RoutePermissions))
	for path := range RoutePermissions {
		routes = append(routes, path)
	}
	return routes
}

package authz

// Role is a high-level permission grouping assigned to a dashboard user.
// Role values originate from backend payloads and are not guaranteed to be
// members of the closed set; unknown roles always fail authorization checks.
type Role string

const (
	RoleSuperAdmin  Role = "super-admin"
	RoleOrgAdmin    Role = "org-admin"
	RoleSupervisor  Role = "supervisor"
	RoleSalesperson Role = "salesperson"
	RoleVerifier    Role = "verifier"
	RoleTeamMember  Role = "team-member"
)

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	_, ok := RolePermissions[r]
	return ok
}

// Permission is an atomic named capability a role may or may not possess.
type Permission string

const (
	PermManageUsers       Permission = "manage:users"
	PermManageOrgs        Permission = "manage:organizations"
	PermManageDeals       Permission = "manage:deals"
	PermManageTeams       Permission = "manage:teams"
	PermViewOwnDeals      Permission = "view_own_deals"
	PermViewTeamDeals     Permission = "view_team_deals"
	PermViewAllDeals      Permission = "view_all_deals"
	PermCreateDeal        Permission = "create_deal"
	PermVerifyDealPayment Permission = "verify_deal_payment"
	PermVerifyInvoices    Permission = "verify:invoices"
	PermViewAnalytics     Permission = "view:analytics"
	PermViewReports       Permission = "view:reports"
	PermExportReports     Permission = "export:reports"
	PermManageSettings    Permission = "manage:settings"
)

// Scope describes the breadth of data a permission applies to. Scopes form a
// total order: own < team < organization < all. Unknown scopes rank below all
// known scopes so that comparisons against them fail closed.
type Scope string

const (
	ScopeOwn          Scope = "own"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
	ScopeAll          Scope = "all"
)

var scopeRank = map[Scope]int{
	ScopeOwn:          1,
	ScopeTeam:         2,
	ScopeOrganization: 3,
	ScopeAll:          4,
}

// Covers reports whether data visible at scope s includes data placed at
// scope other. Either side being unknown denies.
func (s Scope) Covers(other Scope) bool {
	mine, ok := scopeRank[s]
	if !ok {
		return false
	}
	theirs, ok := scopeRank[other]
	if !ok {
		return false
	}
	return mine >= theirs
}

// User is the authenticated dashboard actor as reported by the backend. The
// authorization core only reads ID and Role; Permissions, when present, is
// the backend's authoritative capability list for cache warming.
type User struct {
	ID          string
	Role        Role
	Permissions []Permission
}

package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestGate returns a gate whose background refresh tasks are captured
// instead of spawned, keeping decisions fully deterministic.
func newTestGate(source PermissionSource) (*Gate, *Cache, *[]func()) {
	cache := NewCache(source, testLogger())
	gate := NewGate(cache, testLogger())
	var tasks []func()
	gate.schedule = func(task func()) { tasks = append(tasks, task) }
	return gate, cache, &tasks
}

func TestDecideDeniesWithoutUser(t *testing.T) {
	gate, _, _ := newTestGate(nil)

	decision := gate.Decide(context.Background(), nil, true, Options{RequiredRole: RoleVerifier})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonNotAuthenticated, decision.Reason)
}

func TestDecideDeniesBeforeAuthReady(t *testing.T) {
	gate, _, _ := newTestGate(nil)
	user := &User{ID: "u", Role: RoleSuperAdmin}

	decision := gate.Decide(context.Background(), user, false, Options{})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonNotAuthenticated, decision.Reason)
}

func TestDecideRequiredRole(t *testing.T) {
	gate, _, _ := newTestGate(nil)
	user := &User{ID: "u", Role: RoleSalesperson}

	require.True(t, gate.HasAccess(context.Background(), user, true, Options{RequiredRole: RoleSalesperson}))

	decision := gate.Decide(context.Background(), user, true, Options{RequiredRole: RoleVerifier})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRoleMismatch, decision.Reason)
}

func TestDecideAllowedRoles(t *testing.T) {
	gate, _, _ := newTestGate(nil)
	supervisor := &User{ID: "u", Role: RoleSupervisor}

	decision := gate.Decide(context.Background(), supervisor, true, Options{
		AllowedRoles: []Role{RoleSuperAdmin, RoleOrgAdmin},
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRoleNotAllowed, decision.Reason)

	admin := &User{ID: "a", Role: RoleOrgAdmin}
	require.True(t, gate.HasAccess(context.Background(), admin, true, Options{
		AllowedRoles: []Role{RoleSuperAdmin, RoleOrgAdmin},
	}))
}

func TestDecidePermissions(t *testing.T) {
	gate, _, _ := newTestGate(nil)
	supervisor := &User{ID: "u", Role: RoleSupervisor}

	// Any-of: one grant suffices.
	require.True(t, gate.HasAccess(context.Background(), supervisor, true, Options{
		RequiredPermissions: []Permission{PermManageUsers, PermViewTeamDeals},
	}))

	// All-of: a single missing grant denies.
	decision := gate.Decide(context.Background(), supervisor, true, Options{
		RequiredPermissions: []Permission{PermManageUsers, PermViewTeamDeals},
		RequireAll:          true,
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonMissingPermission, decision.Reason)
}

func TestDecideRequiredRoute(t *testing.T) {
	gate, _, _ := newTestGate(nil)
	salesperson := &User{ID: "u", Role: RoleSalesperson}

	require.True(t, gate.HasAccess(context.Background(), salesperson, true, Options{RequiredRoute: "/deals"}))

	decision := gate.Decide(context.Background(), salesperson, true, Options{RequiredRoute: "/admin/users"})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRouteDenied, decision.Reason)
}

func TestDecideSchedulesBackgroundRefresh(t *testing.T) {
	source := &stubSource{perms: []Permission{PermViewOwnDeals}}
	gate, _, tasks := newTestGate(source)
	user := &User{ID: "u-20", Role: RoleSalesperson}

	gate.Decide(context.Background(), user, true, Options{
		RequiredPermissions: []Permission{PermViewOwnDeals},
	})
	require.Len(t, *tasks, 1, "permission-backed decision should warm the cache")
	require.Zero(t, source.fetchCalls.Load(), "refresh must not run inside the decision")

	(*tasks)[0]()
	require.Equal(t, int32(1), source.fetchCalls.Load())
}

func TestDecideSkipsRefreshWithoutPermissionDemand(t *testing.T) {
	source := &stubSource{}
	gate, _, tasks := newTestGate(source)
	user := &User{ID: "u-21", Role: RoleSalesperson}

	gate.Decide(context.Background(), user, true, Options{RequiredRoute: "/deals"})
	require.Empty(t, *tasks)

	gate.Decide(context.Background(), nil, true, Options{
		RequiredPermissions: []Permission{PermViewOwnDeals},
	})
	require.Empty(t, *tasks, "no user, nothing to refresh")
}

func TestBackgroundRefreshSwallowsFailures(t *testing.T) {
	source := &stubSource{fetchErr: context.DeadlineExceeded}
	gate, _, tasks := newTestGate(source)
	user := &User{ID: "u-22", Role: RoleSalesperson}

	decision := gate.Decide(context.Background(), user, true, Options{
		RequiredPermissions: []Permission{PermViewOwnDeals},
	})
	require.True(t, decision.Allowed, "decision uses local data regardless of backend health")

	require.Len(t, *tasks, 1)
	require.NotPanics(t, func() { (*tasks)[0]() })
}

func TestRequireMiddleware(t *testing.T) {
	gate, _, _ := newTestGate(nil)

	currentUser := func(r *http.Request) (*User, bool) {
		if r.Header.Get("X-Test-Role") == "" {
			return nil, false
		}
		return &User{ID: "u", Role: Role(r.Header.Get("X-Test-Role"))}, true
	}

	var reached bool
	handler := gate.Require(Options{
		RequiredPermissions: []Permission{PermVerifyDealPayment},
	}, currentUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/deals/verify", nil)
	req.Header.Set("X-Test-Role", string(RoleVerifier))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, reached)

	reached = false
	req = httptest.NewRequest(http.MethodGet, "/deals/verify", nil)
	req.Header.Set("X-Test-Role", string(RoleSalesperson))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)
	require.False(t, reached)
}

package authz

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Denial reasons surfaced alongside a negative Decision so callers can show
// a meaningful notice instead of a bare forbidden.
const (
	ReasonNotAuthenticated  = "not_authenticated"
	ReasonRoleMismatch      = "role_mismatch"
	ReasonRoleNotAllowed    = "role_not_allowed"
	ReasonMissingPermission = "missing_permission"
	ReasonRouteDenied       = "route_denied"
)

// Options describes a single access demand: any combination of a required
// role, an allowed-role list, required permissions (all or any per
// RequireAll) and a route the user must be able to reach.
type Options struct {
	RequiredPermissions []Permission
	RequiredRole        Role
	AllowedRoles        []Role
	RequiredRoute       string
	RequireAll          bool
}

// Decision is the gate's verdict. Reason is empty when Allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate is the decision point the dashboard shell consults before exposing
// protected content. Decisions are always made synchronously from locally
// available data; the backend is only consulted by the best-effort
// background refresh the gate schedules after deciding.
type Gate struct {
	cache  *Cache
	logger *slog.Logger

	// refreshTimeout bounds the background refresh; the decision itself
	// never waits on it.
	refreshTimeout time.Duration

	// schedule runs the background refresh task. Overridable in tests to
	// make the fire-and-forget path deterministic.
	schedule func(func())
}

// NewGate constructs a Gate over the given cache.
func NewGate(cache *Cache, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cache:          cache,
		logger:         logger,
		refreshTimeout: 15 * time.Second,
		schedule:       func(task func()) { go task() },
	}
}

// Decide evaluates the demand for the user. The ready flag reports whether
// the auth layer has fully initialized; until then everything is denied.
// Check order: authentication, required role, allowed roles, permissions,
// route. A side-effect background refresh is scheduled when permissions were
// demanded and a user is present, and never influences the returned
// decision.
func (g *Gate) Decide(ctx context.Context, user *User, ready bool, opts Options) Decision {
	decision := g.decide(ctx, user, ready, opts)
	if len(opts.RequiredPermissions) > 0 && user != nil && ready {
		g.scheduleRefresh(*user)
	}
	return decision
}

// HasAccess is the imperative form of Decide for callers that only need the
// boolean, e.g. toggling an action button.
func (g *Gate) HasAccess(ctx context.Context, user *User, ready bool, opts Options) bool {
	return g.Decide(ctx, user, ready, opts).Allowed
}

func (g *Gate) decide(ctx context.Context, user *User, ready bool, opts Options) Decision {
	if user == nil || !ready {
		return Decision{Reason: ReasonNotAuthenticated}
	}
	if opts.RequiredRole != "" && user.Role != opts.RequiredRole {
		return Decision{Reason: ReasonRoleMismatch}
	}
	if len(opts.AllowedRoles) > 0 && !roleIn(user.Role, opts.AllowedRoles) {
		return Decision{Reason: ReasonRoleNotAllowed}
	}
	if len(opts.RequiredPermissions) > 0 {
		passed := false
		if opts.RequireAll {
			passed = true
			for _, perm := range opts.RequiredPermissions {
				if !g.cache.HasPermission(ctx, user, perm) {
					passed = false
					break
				}
			}
		} else {
			for _, perm := range opts.RequiredPermissions {
				if g.cache.HasPermission(ctx, user, perm) {
					passed = true
					break
				}
			}
		}
		if !passed {
			return Decision{Reason: ReasonMissingPermission}
		}
	}
	if opts.RequiredRoute != "" && !g.cache.CanAccessRoute(ctx, user, opts.RequiredRoute) {
		return Decision{Reason: ReasonRouteDenied}
	}
	return Decision{Allowed: true}
}

// scheduleRefresh keeps the cache warm after a permission-backed decision.
// The task is panic-safe and its failure channel is fully swallowed.
func (g *Gate) scheduleRefresh(user User) {
	g.schedule(func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("background permission refresh panicked",
					slog.String("user_id", user.ID), slog.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout)
		defer cancel()
		g.cache.RefreshPermissions(ctx, &user)
	})
}

// Require builds chi middleware enforcing the demand for the request's
// session user, resolved by the provided lookup. Denied requests get a 403.
func (g *Gate) Require(opts Options, currentUser func(*http.Request) (*User, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ready := currentUser(r)
			decision := g.Decide(r.Context(), user, ready, opts)
			if !decision.Allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

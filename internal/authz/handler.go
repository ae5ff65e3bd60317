package authz

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dealdesk-hq/dealdesk/internal/platform/httpx"
	"github.com/dealdesk-hq/dealdesk/internal/shared"
)

// Handler exposes the access-decision API the dashboard shell calls.
type Handler struct {
	gate     *Gate
	cache    *Cache
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler wires the facade over the gate and cache.
func NewHandler(gate *Gate, cache *Cache, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:     gate,
		cache:    cache,
		logger:   logger,
		validate: validator.New(),
	}
}

// CurrentUser resolves the request's user from the session. The second
// return value reports auth readiness: false means the session layer was
// not initialized for this request at all.
func CurrentUser(r *http.Request) (*User, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return nil, false
	}
	id := strings.TrimSpace(sess.User())
	if id == "" {
		return nil, true
	}
	return &User{ID: id, Role: Role(sess.Role())}, true
}

// Routes registers the facade endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/check", h.Check)
	r.Get("/permissions", h.Permissions)
	r.Post("/refresh", h.Refresh)
}

type checkRequest struct {
	RequiredPermissions []string `json:"required_permissions" validate:"max=50,dive,min=1,max=128"`
	RequiredRole        string   `json:"required_role" validate:"max=64"`
	AllowedRoles        []string `json:"allowed_roles" validate:"max=16,dive,min=1,max=64"`
	RequiredRoute       string   `json:"required_route" validate:"max=256"`
	RequireAll          bool     `json:"require_all"`
}

type checkResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Check evaluates an access demand for the session user. A denied demand is
// still a 200: denial is a normal boolean outcome, not an error.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.logger.Debug("reject malformed check payload", slog.Any("error", err))
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}

	opts := Options{
		RequiredRole:  Role(req.RequiredRole),
		RequiredRoute: req.RequiredRoute,
		RequireAll:    req.RequireAll,
	}
	for _, p := range req.RequiredPermissions {
		opts.RequiredPermissions = append(opts.RequiredPermissions, Permission(p))
	}
	for _, role := range req.AllowedRoles {
		opts.AllowedRoles = append(opts.AllowedRoles, Role(role))
	}

	user, ready := CurrentUser(r)
	decision := h.gate.Decide(r.Context(), user, ready, opts)
	httpx.JSON(w, http.StatusOK, checkResponse{Allowed: decision.Allowed, Reason: decision.Reason})
}

type permissionsResponseBody struct {
	Permissions []Permission `json:"permissions"`
}

// Permissions returns the session user's effective permission list from the
// local capability table. Super-admin reports every known permission.
func (h *Handler) Permissions(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r)
	if user == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var perms []Permission
	if user.Role == RoleSuperAdmin {
		perms = allKnownPermissions()
	} else {
		perms = append(perms, RolePermissions[user.Role]...)
	}
	httpx.JSON(w, http.StatusOK, permissionsResponseBody{Permissions: perms})
}

// Refresh triggers a synchronous authoritative refresh for the session user.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r)
	if user == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	h.cache.RefreshPermissions(r.Context(), user)
	w.WriteHeader(http.StatusAccepted)
}

func allKnownPermissions() []Permission {
	seen := make(map[Permission]struct{})
	var perms []Permission
	for _, granted := range RolePermissions {
		for _, p := range granted {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	return perms
}

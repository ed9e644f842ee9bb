package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Loader *ContextLoader
	Logger *slog.Logger
	// UserID extracts the authenticated user from the request. A false result
	// is treated as a guest.
	UserID func(*http.Request) (int64, bool)
}

// Attach resolves the caller once and stores the AccessContext on the request.
func (m Middleware) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AccessFromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		ac, ok := m.resolve(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithAccess(r.Context(), ac)))
	})
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(func(ac *AccessContext) bool {
		return len(normalized) == 0 || ac.HasAnyPermission(normalized...)
	})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(func(ac *AccessContext) bool {
		return ac.HasAllPermissions(normalized...)
	})
}

// RequireRole ensures the current user holds one of the roles, directly or
// through the role hierarchy.
func (m Middleware) RequireRole(roles ...RoleID) func(http.Handler) http.Handler {
	return m.require(func(ac *AccessContext) bool {
		return len(roles) == 0 || ac.HasRole(roles...)
	})
}

func (m Middleware) require(allowed func(*AccessContext) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := AccessFromContext(r.Context())
			if ac == nil {
				var ok bool
				if ac, ok = m.resolve(w, r); !ok {
					return
				}
				r = r.WithContext(ContextWithAccess(r.Context(), ac))
			}
			if !allowed(ac) {
				httpx.Problem(w, http.StatusForbidden, "access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) resolve(w http.ResponseWriter, r *http.Request) (*AccessContext, bool) {
	var userID int64
	if m.UserID != nil {
		if id, ok := m.UserID(r); ok {
			userID = id
		}
	}
	ac, err := m.Loader.Load(r.Context(), userID)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac load access context", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "")
		return nil, false
	}
	return ac, true
}

func normalizePermissions(perms []string) []Token {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]Token, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, Token(p))
	}
	return normalized
}

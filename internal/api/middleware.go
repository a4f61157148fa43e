package api

import (
	"net/http"
	"strings"
)

// Role names accepted in the X-User-Roles capability header.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

const (
	rolesHeader = "X-User-Roles"
	userHeader  = "X-User-ID"
)

// rolesFrom parses the comma-separated capability header.
func rolesFrom(r *http.Request) map[string]bool {
	raw := r.Header.Get(rolesHeader)
	if raw == "" {
		return nil
	}
	roles := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		role := strings.ToLower(strings.TrimSpace(part))
		if role != "" {
			roles[role] = true
		}
	}
	return roles
}

// actorFrom identifies the caller for audit entries. The id header is
// optional; role-only callers are attributed to their strongest role.
func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(userHeader)); actor != "" {
		return actor
	}
	roles := rolesFrom(r)
	if roles[RoleOperator] {
		return RoleOperator
	}
	return RoleViewer
}

// require rejects requests without the needed role: missing header is
// 401, insufficient role is 403. Operator implies viewer.
func (h *Handlers) require(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roles := rolesFrom(r)
		if len(roles) == 0 {
			writeError(w, http.StatusUnauthorized, "missing "+rolesHeader+" header")
			return
		}
		allowed := roles[role]
		if role == RoleViewer && roles[RoleOperator] {
			allowed = true
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "role "+role+" required")
			return
		}
		next(w, r)
	}
}

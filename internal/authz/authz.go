package authz

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kestrelworks/chatgate/internal/session"
)

// Authorization failures, ordered from least to most specific. Callers map
// these onto HTTP 401/403 responses.
var (
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrTokenExpired     = errors.New("access token has expired")
	ErrForbidden        = errors.New("session roles do not permit this operation")
)

// Mapping translates identity provider group identifiers into role names.
// Construct via NewMapping; the zero value maps every group to nothing.
type Mapping struct {
	groupToRole map[string]string
	allowed     map[string]struct{}
}

// NewMapping builds a validated group-to-role mapping.
//
// Parameters:
//   - groupToRole: Provider group id to role name
//   - allowedRoles: Roles the application recognises
//
// Returns:
//   - Mapping: Ready for role derivation
//   - error: Any mapped role absent from allowedRoles
func NewMapping(groupToRole map[string]string, allowedRoles []string) (Mapping, error) {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, r := range allowedRoles {
		allowed[r] = struct{}{}
	}

	mapping := make(map[string]string, len(groupToRole))
	for group, role := range groupToRole {
		if _, ok := allowed[role]; !ok {
			return Mapping{}, fmt.Errorf("group %q maps to unrecognised role %q", group, role)
		}
		mapping[group] = role
	}

	return Mapping{groupToRole: mapping, allowed: allowed}, nil
}

// DeriveRoles resolves the roles for a set of provider group claims.
// Unmapped groups are ignored. The result is deduplicated and sorted;
// an empty result means the user is entitled to nothing.
func (m Mapping) DeriveRoles(groups []string) []string {
	seen := make(map[string]struct{})
	var roles []string
	for _, g := range groups {
		role, ok := m.groupToRole[g]
		if !ok {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Allowed reports whether role is in the allow list.
func (m Mapping) Allowed(role string) bool {
	_, ok := m.allowed[role]
	return ok
}

// Gate checks sessions against the authorisation model.
type Gate struct {
	mapping Mapping
	now     func() time.Time
}

// NewGate creates a gate using the given mapping.
func NewGate(mapping Mapping) *Gate {
	return &Gate{mapping: mapping, now: time.Now}
}

// Mapping returns the gate's role mapping, for role derivation at login.
func (g *Gate) Mapping() Mapping {
	return g.mapping
}

// Authorize checks that the session may perform an operation requiring any
// of the given roles. An empty requirement admits any live authenticated
// session, roles or not; role checks apply only where an operation names
// them. A session without a token expiry is treated as expired.
//
// Returns:
//   - error: ErrNotAuthenticated, ErrTokenExpired, ErrForbidden, or nil
func (g *Gate) Authorize(sess *session.Session, requiredRoles ...string) error {
	if sess == nil || sess.State != session.StateAuthenticated {
		return ErrNotAuthenticated
	}
	if sess.TokenExpiresAt.IsZero() || !g.now().Before(sess.TokenExpiresAt) {
		return ErrTokenExpired
	}
	if len(requiredRoles) == 0 {
		return nil
	}
	for _, have := range sess.Roles {
		for _, want := range requiredRoles {
			if have == want {
				return nil
			}
		}
	}
	return ErrForbidden
}

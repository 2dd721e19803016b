package auth

import (
	"context"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

// Session is the acting identity of a request.
type Session struct {
	UserID         string
	OrganizationID string
	Email          string
	Role           models.Role
	// System marks work the service performs on a member's behalf, such as
	// opening a pipeline gate. It carries every capability.
	System bool
}

// Can reports whether the session grants capability.
func (s Session) Can(capability Capability) bool {
	return s.System || RoleCan(s.Role, capability)
}

// SystemSession returns a session acting for userID with system authority.
func SystemSession(orgID, userID string) Session {
	return Session{UserID: userID, OrganizationID: orgID, Role: models.RoleOwner, System: true}
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session stored in ctx.
func SessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	if !ok || s.UserID == "" || s.OrganizationID == "" {
		return Session{}, false
	}
	return s, true
}

// Require returns the session in ctx if it grants capability. It fails with
// ErrNoSession when there is none and ErrPermissionDenied when the role
// lacks the capability. An empty capability only requires a session.
func Require(ctx context.Context, capability Capability) (Session, error) {
	s, ok := SessionFrom(ctx)
	if !ok {
		return Session{}, errors.ErrNoSession
	}
	if capability != "" && !s.Can(capability) {
		return Session{}, errors.PermissionDeniedf("role %s lacks %s", s.Role, capability)
	}
	return s, nil
}

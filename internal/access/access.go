// Package access is the Access Guard: it resolves the authenticated
// caller, checks project membership, and enforces the closed RBAC role set
// per operation. Grounded on internal/engine/auth.Service's SQL-backed
// permission lookup and internal/server/auth.go's ambient-identity-only
// principal resolution, adapted from the teacher's flexible permission
// strings to the spec's fixed owner/operator/viewer/bot role set.
package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coordline-dev/coordline/internal/domain"
)

// Role is one of the four closed roles. Owner is a superset of all others.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleBot      Role = "bot"
)

func validRole(r Role) bool {
	switch r {
	case RoleOwner, RoleOperator, RoleViewer, RoleBot:
		return true
	}
	return false
}

// UnauthenticatedError means no identity was resolved from ambient auth.
type UnauthenticatedError struct{}

func (UnauthenticatedError) Error() string { return "no authenticated identity on call" }

// NotAMemberError means the identity exists but holds no role on the project.
type NotAMemberError struct{ UserID, ProjectID string }

func (e NotAMemberError) Error() string {
	return fmt.Sprintf("user %s is not a member of project %s", e.UserID, e.ProjectID)
}

// InsufficientPermissionsError names the role set that would have sufficed.
type InsufficientPermissionsError struct {
	Role     Role
	Required []Role
}

func (e InsufficientPermissionsError) Error() string {
	return fmt.Sprintf("role %s insufficient, requires one of %v", e.Role, e.Required)
}

// NotFoundError is used for both absent entities and cross-project access,
// deliberately indistinguishable to the caller to avoid oracle leakage.
type NotFoundError struct{ Kind, ID string }

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// AuthContext is the resolved caller identity passed to every handler.
// Handlers must never accept any of these fields from request parameters.
type AuthContext struct {
	UserID    string
	TenantID  string
	ProjectID string
	Role      Role
}

// Identity is what the HTTP/CLI auth layer resolves ambiently (from a JWT,
// an API key, or a dev header) before the Access Guard ever runs. It names
// a user and a tenant, but not yet a role — the role is always looked up
// fresh per project so that membership changes take effect immediately.
type Identity struct {
	UserID   string
	TenantID string
}

// Guard resolves membership and enforces role requirements. DB is queried
// directly, matching the teacher's auth.Service(DB *sql.DB) shape rather
// than caching roles in the token.
type Guard struct {
	DB *sql.DB
}

func New(db *sql.DB) Guard { return Guard{DB: db} }

// Authorize implements §4.3 steps 1-4. identity may be nil to represent an
// unauthenticated call.
func (g Guard) Authorize(ctx context.Context, identity *Identity, projectID string, required ...Role) (AuthContext, error) {
	if identity == nil || identity.UserID == "" {
		return AuthContext{}, UnauthenticatedError{}
	}
	role, err := g.RoleInProject(ctx, nil, identity.UserID, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthContext{}, NotAMemberError{UserID: identity.UserID, ProjectID: projectID}
		}
		return AuthContext{}, err
	}
	if role != RoleOwner && !roleIn(role, required) {
		return AuthContext{}, InsufficientPermissionsError{Role: role, Required: required}
	}
	return AuthContext{UserID: identity.UserID, TenantID: identity.TenantID, ProjectID: projectID, Role: role}, nil
}

func roleIn(role Role, set []Role) bool {
	for _, r := range set {
		if r == role {
			return true
		}
	}
	return false
}

// RoleInProject looks up a user's role on a project, optionally inside an
// existing transaction (tx may be nil to use the pooled connection).
func (g Guard) RoleInProject(ctx context.Context, tx *sql.Tx, userID, projectID string) (Role, error) {
	query := `SELECT role FROM members WHERE project_id=? AND user_id=?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, projectID, userID)
	} else {
		row = g.DB.QueryRowContext(ctx, query, projectID, userID)
	}
	var role string
	if err := row.Scan(&role); err != nil {
		return "", err
	}
	return Role(role), nil
}

// RequireScope returns NotFoundError if an entity's own project id does not
// match the caller's resolved project, implementing the cross-project
// oracle-leakage guard required throughout §4.3 and §8.
func RequireScope(kind, id, entityProjectID, callerProjectID string) error {
	if entityProjectID != callerProjectID {
		return NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// AddMember inserts a membership row, rejecting duplicates.
func AddMember(ctx context.Context, tx *sql.Tx, tenantID, projectID, userID string, role Role, nowMS int64) error {
	if !validRole(role) {
		return fmt.Errorf("invalid role %q", role)
	}
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM members WHERE project_id=? AND user_id=?`, projectID, userID).Scan(&exists)
	if err == nil {
		return DuplicateMemberError{UserID: userID, ProjectID: projectID}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO members(tenant_id, project_id, user_id, role, created_at) VALUES (?,?,?,?,?)`,
		tenantID, projectID, userID, string(role), nowMS)
	return err
}

// RemoveMember deletes a membership row, refusing to remove the last owner.
func RemoveMember(ctx context.Context, tx *sql.Tx, projectID, userID string) error {
	role, err := Guard{}.RoleInProject(ctx, tx, userID, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError{Kind: "member", ID: userID}
		}
		return err
	}
	if role == RoleOwner {
		var owners int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM members WHERE project_id=? AND role='owner'`, projectID).Scan(&owners); err != nil {
			return err
		}
		if owners <= 1 {
			return CannotRemoveLastOwnerError{ProjectID: projectID}
		}
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM members WHERE project_id=? AND user_id=?`, projectID, userID)
	return err
}

// ListMembers returns every membership row for a project.
func ListMembers(ctx context.Context, db *sql.DB, projectID string) ([]domain.Membership, error) {
	rows, err := db.QueryContext(ctx, `SELECT tenant_id, project_id, user_id, role, created_at FROM members WHERE project_id=? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.TenantID, &m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DuplicateMemberError means the user already has a role on the project.
type DuplicateMemberError struct{ UserID, ProjectID string }

func (e DuplicateMemberError) Error() string {
	return fmt.Sprintf("user %s is already a member of %s", e.UserID, e.ProjectID)
}

// CannotRemoveLastOwnerError guards the "always at least one owner" invariant.
type CannotRemoveLastOwnerError struct{ ProjectID string }

func (e CannotRemoveLastOwnerError) Error() string {
	return fmt.Sprintf("project %s must keep at least one owner", e.ProjectID)
}

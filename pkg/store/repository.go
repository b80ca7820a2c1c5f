package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/policy"
)

// DB is the pgx surface the repository needs; satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the persistent role/constraint store. Criteria and
// permission groups are stored as JSONB on the constraint row; reachability
// (role -> constraints, user -> constraints) is kept in explicit index
// tables so evaluation never walks object references.
type Repository struct {
	DB DB
}

const constraintColumns = `constraint_id, name, description, object_type,
	criteria_and, criteria_or, group_permissions, user_permissions,
	COALESCE(created_by,''), COALESCE(modified_by,''), date_created, date_modified`

func (r *Repository) ListConstraintsForRole(ctx context.Context, roleName string) ([]models.Constraint, error) {
	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM roles WHERE role_name=$1)`, roleName).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check role %s: %w", roleName, err)
	}
	if !exists {
		return nil, &policy.NotFoundError{Kind: "role", Name: roleName}
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+constraintColumns+`
		FROM constraints c
		JOIN constraint_groups cg ON cg.constraint_id = c.constraint_id
		WHERE cg.group_id = $1
		ORDER BY c.constraint_id
	`, roleName)
	if err != nil {
		return nil, fmt.Errorf("list constraints for role %s: %w", roleName, err)
	}
	return scanConstraints(rows)
}

func (r *Repository) ListConstraintsForUser(ctx context.Context, userID string) ([]models.Constraint, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+constraintColumns+`
		FROM constraints c
		JOIN constraint_users cu ON cu.constraint_id = c.constraint_id
		WHERE cu.user_id = $1
		ORDER BY c.constraint_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list constraints for user %s: %w", userID, err)
	}
	return scanConstraints(rows)
}

func (r *Repository) GetConstraint(ctx context.Context, constraintID string) (models.Constraint, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+constraintColumns+` FROM constraints c WHERE constraint_id=$1`, constraintID)
	c, err := scanConstraint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Constraint{}, &policy.NotFoundError{Kind: "constraint", Name: constraintID}
	}
	return c, err
}

// defaultConstraintPageSize caps unpaginated list calls.
const defaultConstraintPageSize = 1000

// ListConstraints returns one page of constraints in constraint_id order.
// startingToken is the last constraint id of the previous page (empty for the
// first page); the returned token is empty once the final page is reached.
func (r *Repository) ListConstraints(ctx context.Context, startingToken string, pageSize int) ([]models.Constraint, string, error) {
	if pageSize <= 0 {
		pageSize = defaultConstraintPageSize
	}
	// Fetch one extra row to learn whether another page exists.
	rows, err := r.DB.Query(ctx, `
		SELECT `+constraintColumns+` FROM constraints c
		WHERE constraint_id > $1
		ORDER BY constraint_id
		LIMIT $2
	`, startingToken, pageSize+1)
	if err != nil {
		return nil, "", fmt.Errorf("list constraints: %w", err)
	}
	constraints, err := scanConstraints(rows)
	if err != nil {
		return nil, "", err
	}
	nextToken := ""
	if len(constraints) > pageSize {
		constraints = constraints[:pageSize]
		nextToken = constraints[len(constraints)-1].ConstraintID
	}
	return constraints, nextToken, nil
}

// CreateConstraint writes the constraint row and rebuilds its reachability
// index entries, one per unique group and user referenced by its permission
// set.
func (r *Repository) CreateConstraint(ctx context.Context, c models.Constraint) error {
	criteriaAnd, criteriaOr, groupPerms, userPerms, err := marshalConstraintFields(c)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO constraints
		(constraint_id, name, description, object_type, criteria_and, criteria_or, group_permissions, user_permissions, created_by, modified_by, date_created, date_modified)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		ON CONFLICT (constraint_id) DO UPDATE SET
			name=EXCLUDED.name, description=EXCLUDED.description, object_type=EXCLUDED.object_type,
			criteria_and=EXCLUDED.criteria_and, criteria_or=EXCLUDED.criteria_or,
			group_permissions=EXCLUDED.group_permissions, user_permissions=EXCLUDED.user_permissions,
			modified_by=EXCLUDED.modified_by, date_modified=now()
	`, c.ConstraintID, c.Name, c.Description, c.ObjectType, criteriaAnd, criteriaOr, groupPerms, userPerms, c.CreatedBy, c.ModifiedBy)
	if err != nil {
		return fmt.Errorf("upsert constraint %s: %w", c.ConstraintID, err)
	}
	return r.reindexConstraint(ctx, c)
}

func (r *Repository) reindexConstraint(ctx context.Context, c models.Constraint) error {
	if _, err := r.DB.Exec(ctx, `DELETE FROM constraint_groups WHERE constraint_id=$1`, c.ConstraintID); err != nil {
		return fmt.Errorf("reindex constraint %s: %w", c.ConstraintID, err)
	}
	if _, err := r.DB.Exec(ctx, `DELETE FROM constraint_users WHERE constraint_id=$1`, c.ConstraintID); err != nil {
		return fmt.Errorf("reindex constraint %s: %w", c.ConstraintID, err)
	}
	seenGroups := map[string]struct{}{}
	for _, gp := range c.GroupPermissions {
		if gp.GroupID == "" {
			continue
		}
		if _, dup := seenGroups[gp.GroupID]; dup {
			continue
		}
		seenGroups[gp.GroupID] = struct{}{}
		if _, err := r.DB.Exec(ctx, `INSERT INTO constraint_groups(constraint_id, group_id) VALUES ($1,$2)`, c.ConstraintID, gp.GroupID); err != nil {
			return fmt.Errorf("index constraint %s group %s: %w", c.ConstraintID, gp.GroupID, err)
		}
	}
	seenUsers := map[string]struct{}{}
	for _, up := range c.UserPermissions {
		if up.UserID == "" {
			continue
		}
		if _, dup := seenUsers[up.UserID]; dup {
			continue
		}
		seenUsers[up.UserID] = struct{}{}
		if _, err := r.DB.Exec(ctx, `INSERT INTO constraint_users(constraint_id, user_id) VALUES ($1,$2)`, c.ConstraintID, up.UserID); err != nil {
			return fmt.Errorf("index constraint %s user %s: %w", c.ConstraintID, up.UserID, err)
		}
	}
	return nil
}

func (r *Repository) DeleteConstraint(ctx context.Context, constraintID string) error {
	cmd, err := r.DB.Exec(ctx, `DELETE FROM constraints WHERE constraint_id=$1`, constraintID)
	if err != nil {
		return fmt.Errorf("delete constraint %s: %w", constraintID, err)
	}
	if cmd.RowsAffected() == 0 {
		return &policy.NotFoundError{Kind: "constraint", Name: constraintID}
	}
	return nil
}

func (r *Repository) CreateRole(ctx context.Context, role models.Role) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO roles (role_name, description, source, source_identifier, mfa_required)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (role_name) DO UPDATE SET
			description=EXCLUDED.description, source=EXCLUDED.source,
			source_identifier=EXCLUDED.source_identifier, mfa_required=EXCLUDED.mfa_required
	`, role.RoleName, role.Description, role.Source, role.SourceIdentifier, role.MFARequired)
	if err != nil {
		return fmt.Errorf("upsert role %s: %w", role.RoleName, err)
	}
	return nil
}

func (r *Repository) GetRole(ctx context.Context, roleName string) (models.Role, error) {
	var role models.Role
	var createdOn time.Time
	row := r.DB.QueryRow(ctx, `
		SELECT role_name, description, COALESCE(source,''), COALESCE(source_identifier,''), mfa_required, created_on
		FROM roles WHERE role_name=$1
	`, roleName)
	if err := row.Scan(&role.RoleName, &role.Description, &role.Source, &role.SourceIdentifier, &role.MFARequired, &createdOn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Role{}, &policy.NotFoundError{Kind: "role", Name: roleName}
		}
		return models.Role{}, fmt.Errorf("get role %s: %w", roleName, err)
	}
	role.CreatedOn = createdOn.UTC().Format(time.RFC3339)
	return role, nil
}

func (r *Repository) ListRoles(ctx context.Context) ([]models.Role, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT role_name, description, COALESCE(source,''), COALESCE(source_identifier,''), mfa_required, created_on
		FROM roles ORDER BY role_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()
	var out []models.Role
	for rows.Next() {
		var role models.Role
		var createdOn time.Time
		if err := rows.Scan(&role.RoleName, &role.Description, &role.Source, &role.SourceIdentifier, &role.MFARequired, &createdOn); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		role.CreatedOn = createdOn.UTC().Format(time.RFC3339)
		out = append(out, role)
	}
	return out, rows.Err()
}

// DeleteRole removes the role and detaches it everywhere: membership rows
// and constraint index entries go, the constraints themselves stay.
func (r *Repository) DeleteRole(ctx context.Context, roleName string) error {
	cmd, err := r.DB.Exec(ctx, `DELETE FROM roles WHERE role_name=$1`, roleName)
	if err != nil {
		return fmt.Errorf("delete role %s: %w", roleName, err)
	}
	if cmd.RowsAffected() == 0 {
		return &policy.NotFoundError{Kind: "role", Name: roleName}
	}
	if _, err := r.DB.Exec(ctx, `DELETE FROM constraint_groups WHERE group_id=$1`, roleName); err != nil {
		return fmt.Errorf("detach role %s: %w", roleName, err)
	}
	if _, err := r.DB.Exec(ctx, `DELETE FROM user_roles WHERE role_name=$1`, roleName); err != nil {
		return fmt.Errorf("unassign role %s: %w", roleName, err)
	}
	return nil
}

// SetUserRoles replaces the user's role set.
func (r *Repository) SetUserRoles(ctx context.Context, userID string, roleNames []string) error {
	if _, err := r.DB.Exec(ctx, `DELETE FROM user_roles WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("clear roles for user %s: %w", userID, err)
	}
	for _, role := range roleNames {
		if _, err := r.DB.Exec(ctx, `INSERT INTO user_roles(user_id, role_name) VALUES ($1,$2) ON CONFLICT DO NOTHING`, userID, role); err != nil {
			return fmt.Errorf("assign role %s to user %s: %w", role, userID, err)
		}
	}
	return nil
}

func (r *Repository) GetUserRoles(ctx context.Context, userID string) (models.UserRoleAssignment, error) {
	rows, err := r.DB.Query(ctx, `SELECT role_name FROM user_roles WHERE user_id=$1 ORDER BY role_name`, userID)
	if err != nil {
		return models.UserRoleAssignment{}, fmt.Errorf("get roles for user %s: %w", userID, err)
	}
	defer rows.Close()
	out := models.UserRoleAssignment{UserID: userID}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return models.UserRoleAssignment{}, fmt.Errorf("scan user role: %w", err)
		}
		out.RoleNames = append(out.RoleNames, role)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteUserRoles(ctx context.Context, userID string) error {
	if _, err := r.DB.Exec(ctx, `DELETE FROM user_roles WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete roles for user %s: %w", userID, err)
	}
	return nil
}

func marshalConstraintFields(c models.Constraint) (criteriaAnd, criteriaOr, groupPerms, userPerms []byte, err error) {
	if criteriaAnd, err = json.Marshal(orEmpty(c.CriteriaAnd)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal criteriaAnd: %w", err)
	}
	if criteriaOr, err = json.Marshal(orEmpty(c.CriteriaOr)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal criteriaOr: %w", err)
	}
	if groupPerms, err = json.Marshal(orEmptyGroup(c.GroupPermissions)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal groupPermissions: %w", err)
	}
	if userPerms, err = json.Marshal(orEmptyUser(c.UserPermissions)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal userPermissions: %w", err)
	}
	return criteriaAnd, criteriaOr, groupPerms, userPerms, nil
}

func orEmpty(list []models.Criterion) []models.Criterion {
	if list == nil {
		return []models.Criterion{}
	}
	return list
}

func orEmptyGroup(list []models.GroupPermission) []models.GroupPermission {
	if list == nil {
		return []models.GroupPermission{}
	}
	return list
}

func orEmptyUser(list []models.UserPermission) []models.UserPermission {
	if list == nil {
		return []models.UserPermission{}
	}
	return list
}

func scanConstraints(rows pgx.Rows) ([]models.Constraint, error) {
	defer rows.Close()
	var out []models.Constraint
	for rows.Next() {
		c, err := scanConstraint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConstraint(row pgx.Row) (models.Constraint, error) {
	var c models.Constraint
	var criteriaAnd, criteriaOr, groupPerms, userPerms []byte
	var dateCreated, dateModified time.Time
	if err := row.Scan(&c.ConstraintID, &c.Name, &c.Description, &c.ObjectType,
		&criteriaAnd, &criteriaOr, &groupPerms, &userPerms,
		&c.CreatedBy, &c.ModifiedBy, &dateCreated, &dateModified); err != nil {
		return models.Constraint{}, err
	}
	if err := json.Unmarshal(criteriaAnd, &c.CriteriaAnd); err != nil {
		return models.Constraint{}, fmt.Errorf("decode criteriaAnd for %s: %w", c.ConstraintID, err)
	}
	if err := json.Unmarshal(criteriaOr, &c.CriteriaOr); err != nil {
		return models.Constraint{}, fmt.Errorf("decode criteriaOr for %s: %w", c.ConstraintID, err)
	}
	if err := json.Unmarshal(groupPerms, &c.GroupPermissions); err != nil {
		return models.Constraint{}, fmt.Errorf("decode groupPermissions for %s: %w", c.ConstraintID, err)
	}
	if err := json.Unmarshal(userPerms, &c.UserPermissions); err != nil {
		return models.Constraint{}, fmt.Errorf("decode userPermissions for %s: %w", c.ConstraintID, err)
	}
	c.DateCreated = dateCreated.UTC().Format(time.RFC3339)
	c.DateModified = dateModified.UTC().Format(time.RFC3339)
	return c, nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/httpx"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/policy"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/template"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) operationResponse(w http.ResponseWriter, status int, operation, subject, message string) {
	httpx.WriteJSON(w, status, models.OperationResponse{
		Success:   status < 400,
		Message:   message,
		Subject:   subject,
		Operation: operation,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// mutator resolves who performed a write. With auth off the caller supplies
// the identity in the request body.
func (s *Server) mutator(r *http.Request, fromBody string) (string, error) {
	if strings.EqualFold(s.AuthMode, "off") {
		if strings.TrimSpace(fromBody) == "" {
			return "", errors.New("createdBy required when auth is off")
		}
		return fromBody, nil
	}
	return s.requireSubject(r)
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var role models.Role
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(role.RoleName) == "" {
		httpx.Error(w, 400, "roleName required")
		return
	}
	if strings.TrimSpace(role.Description) == "" {
		httpx.Error(w, 400, "description required")
		return
	}
	if role.CreatedOn == "" {
		role.CreatedOn = time.Now().UTC().Format(time.RFC3339)
	}
	if err := s.Store.CreateRole(r.Context(), role); err != nil {
		internalServerError(w, "create role", err)
		return
	}
	s.operationResponse(w, 201, "create", role.RoleName, "role created")
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	roleName := chi.URLParam(r, "roleName")
	existing, err := s.Store.GetRole(r.Context(), roleName)
	if err != nil {
		var nf *policy.NotFoundError
		if errors.As(err, &nf) {
			httpx.Error(w, 404, "role not found")
			return
		}
		internalServerError(w, "update role", err)
		return
	}
	var role models.Role
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	role.RoleName = roleName
	if role.CreatedOn == "" {
		role.CreatedOn = existing.CreatedOn
	}
	if strings.TrimSpace(role.Description) == "" {
		httpx.Error(w, 400, "description required")
		return
	}
	if err := s.Store.CreateRole(r.Context(), role); err != nil {
		internalServerError(w, "update role", err)
		return
	}
	s.invalidateRole(r, roleName)
	s.operationResponse(w, 200, "update", roleName, "role updated")
}

func (s *Server) getRole(w http.ResponseWriter, r *http.Request) {
	roleName := chi.URLParam(r, "roleName")
	role, err := s.Store.GetRole(r.Context(), roleName)
	if err != nil {
		var nf *policy.NotFoundError
		if errors.As(err, &nf) {
			httpx.Error(w, 404, "role not found")
			return
		}
		internalServerError(w, "get role", err)
		return
	}
	httpx.WriteJSON(w, 200, role)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.Store.ListRoles(r.Context())
	if err != nil {
		internalServerError(w, "list roles", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"roles": roles})
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleName := chi.URLParam(r, "roleName")
	if err := s.Store.DeleteRole(r.Context(), roleName); err != nil {
		var nf *policy.NotFoundError
		if errors.As(err, &nf) {
			httpx.Error(w, 404, "role not found")
			return
		}
		internalServerError(w, "delete role", err)
		return
	}
	s.invalidateRole(r, roleName)
	s.operationResponse(w, 200, "delete", roleName, "role deleted")
}

func (s *Server) createConstraint(w http.ResponseWriter, r *http.Request) {
	var c models.Constraint
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	subject, err := s.mutator(r, c.CreatedBy)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	if c.ConstraintID == "" {
		c.ConstraintID = uuid.New().String()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	c.CreatedBy = subject
	c.ModifiedBy = subject
	c.DateCreated = now
	c.DateModified = now
	if msg := validateConstraint(c); msg != "" {
		httpx.Error(w, 400, msg)
		return
	}
	if err := s.Store.CreateConstraint(r.Context(), c); err != nil {
		internalServerError(w, "create constraint", err)
		return
	}
	s.invalidateConstraint(r, c)
	httpx.WriteJSON(w, 201, c)
}

func (s *Server) updateConstraint(w http.ResponseWriter, r *http.Request) {
	constraintID := chi.URLParam(r, "constraintId")
	existing, err := s.Store.GetConstraint(r.Context(), constraintID)
	if err != nil {
		var nf *policy.NotFoundError
		if errors.As(err, &nf) {
			httpx.Error(w, 404, "constraint not found")
			return
		}
		internalServerError(w, "update constraint", err)
		return
	}
	var c models.Constraint
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	subject, err := s.mutator(r, c.ModifiedBy)
	if err != nil {
		httpx.Error(w, 401, err.Error())
		return
	}
	c.ConstraintID = constraintID
	c.CreatedBy = existing.CreatedBy
	c.DateCreated = existing.DateCreated
	c.ModifiedBy = subject
	c.DateModified = time.Now().UTC().Format(time.RFC3339)
	if msg := validateConstraint(c); msg != "" {
		httpx.Error(w, 400, msg)
		return
	}
	if err := s.Store.CreateConstraint(r.Context(), c); err != nil {
		internalServerError(w, "update constraint", err)
		return
	}
	// Roles referenced before the edit also need their cached sets dropped.
	s.invalidateConstraint(r, existing)
	s.invalidateConstraint(r, c)
	httpx.WriteJSON(w, 200, c)
}

func (s *Server) getConstraint(w http.ResponseWriter, r *http.Request) {
	constraintID := chi.URLParam(r, "constraintId")
	c, err := s.Store.GetConstraint(r.Context(), constraintID)
	if err != nil {
		var nf *policy.NotFoundError
		if errors.As(err, &nf) {
			httpx.Error(w, 404, "constraint not found")
			return
		}
		internalServerError(w, "get constraint", err)
		return
	}
	httpx.WriteJSON(w, 200, c)
}

func (s *Server) listConstraints(w http.ResponseWriter, r *http.Request) {
	pageSize := 0
	if raw := r.URL.Query().Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.Error(w, 400, "pageSize must be a positive integer")
			return
		}
		pageSize = n
	}
	startingToken := r.URL.Query().Get("startingToken")
	constraints, nextToken, err := s.Store.ListConstraints(r.Context(), startingToken, pageSize)
	if err != nil {
		internalServerError(w, "list constraints", err)
		return
	}
	resp := map[string]any{"constraints": constraints}
	if nextToken != "" {
		resp["nextToken"] = nextToken
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) deleteConstraint(w http.ResponseWriter, r *http.Request) {
	constraintID := chi.URLParam(r, "constraintId")
	existing, err := s.Store.GetConstraint(r.Context(), constraintID)
	if err != nil {
		var nf *policy.NotFoundError
		if errors.As(err, &nf) {
			httpx.Error(w, 404, "constraint not found")
			return
		}
		internalServerError(w, "delete constraint", err)
		return
	}
	if err := s.Store.DeleteConstraint(r.Context(), constraintID); err != nil {
		internalServerError(w, "delete constraint", err)
		return
	}
	s.invalidateConstraint(r, existing)
	s.operationResponse(w, 200, "delete", constraintID, "constraint deleted")
}

func (s *Server) setUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	var req struct {
		RoleNames []string `json:"roleName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.RoleNames) == 0 {
		httpx.Error(w, 400, "roleName list required")
		return
	}
	for _, roleName := range req.RoleNames {
		if _, err := s.Store.GetRole(r.Context(), roleName); err != nil {
			var nf *policy.NotFoundError
			if errors.As(err, &nf) {
				httpx.Error(w, 400, fmt.Sprintf("unknown role %q", roleName))
				return
			}
			internalServerError(w, "set user roles", err)
			return
		}
	}
	if err := s.Store.SetUserRoles(r.Context(), userID, req.RoleNames); err != nil {
		internalServerError(w, "set user roles", err)
		return
	}
	s.invalidateUser(r, userID)
	s.operationResponse(w, 200, "assign", userID, "user roles updated")
}

func (s *Server) getUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	assignment, err := s.Store.GetUserRoles(r.Context(), userID)
	if err != nil {
		internalServerError(w, "get user roles", err)
		return
	}
	httpx.WriteJSON(w, 200, assignment)
}

func (s *Server) deleteUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := s.Store.DeleteUserRoles(r.Context(), userID); err != nil {
		internalServerError(w, "delete user roles", err)
		return
	}
	s.invalidateUser(r, userID)
	s.operationResponse(w, 200, "delete", userID, "user roles removed")
}

func (s *Server) importTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, 400, "unreadable body")
		return
	}
	req, err := template.Parse(body)
	if err != nil {
		s.Metrics.IncImportOutcome("validation_failed")
		httpx.Error(w, 400, err.Error())
		return
	}
	createdBy := "system"
	if !strings.EqualFold(s.AuthMode, "off") {
		subject, err := s.requireSubject(r)
		if err != nil {
			httpx.Error(w, 401, err.Error())
			return
		}
		createdBy = subject
	}
	result, err := template.Materialize(req, createdBy)
	if err != nil {
		var ve *template.ValidationError
		if errors.As(err, &ve) {
			s.Metrics.IncImportOutcome("validation_failed")
			httpx.Error(w, 400, ve.Error())
			return
		}
		internalServerError(w, "import template", err)
		return
	}

	var created []string
	var failed []string
	for _, c := range result.Constraints {
		if err := s.Store.CreateConstraint(r.Context(), c); err != nil {
			log.Printf("admin import constraint %s: %v", c.ConstraintID, err)
			failed = append(failed, c.ConstraintID)
			continue
		}
		created = append(created, c.ConstraintID)
	}
	s.invalidateRole(r, result.RoleName)

	resp := models.ImportResponse{
		Success:            len(failed) == 0,
		ConstraintsCreated: len(created),
		ConstraintIDs:      created,
		FailedConstraints:  failed,
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case len(failed) == 0:
		resp.Message = fmt.Sprintf("imported %d constraints for role %s", len(created), result.RoleName)
		s.Metrics.IncImportOutcome("success")
		httpx.WriteJSON(w, 201, resp)
	case len(created) == 0:
		resp.Message = "import failed: no constraints persisted"
		s.Metrics.IncImportOutcome("failed")
		httpx.WriteJSON(w, 500, resp)
	default:
		resp.Message = fmt.Sprintf("imported %d of %d constraints", len(created), len(result.Constraints))
		s.Metrics.IncImportOutcome("partial")
		httpx.WriteJSON(w, 200, resp)
	}
}

// validateConstraint enforces the write-side vocabulary whitelists so a bad
// row can never reach evaluation.
func validateConstraint(c models.Constraint) string {
	if strings.TrimSpace(c.Name) == "" {
		return "name required"
	}
	if !models.ValidObjectType(c.ObjectType) {
		return fmt.Sprintf("unsupported objectType %q", c.ObjectType)
	}
	if len(c.CriteriaAnd)+len(c.CriteriaOr) == 0 {
		return "constraint requires at least one criterion"
	}
	for _, cr := range append(append([]models.Criterion{}, c.CriteriaAnd...), c.CriteriaOr...) {
		if strings.TrimSpace(cr.Field) == "" {
			return "criterion field required"
		}
		if !models.ValidOperator(cr.Operator) {
			return fmt.Sprintf("unsupported operator %q", cr.Operator)
		}
	}
	if len(c.GroupPermissions)+len(c.UserPermissions) == 0 {
		return "constraint requires at least one permission entry"
	}
	for _, gp := range c.GroupPermissions {
		if strings.TrimSpace(gp.GroupID) == "" {
			return "groupPermission groupId required"
		}
		if !models.ValidAction(gp.Permission) {
			return fmt.Sprintf("unsupported permission %q", gp.Permission)
		}
		if !models.ValidEffect(gp.PermissionType) {
			return fmt.Sprintf("unsupported permissionType %q", gp.PermissionType)
		}
	}
	for _, up := range c.UserPermissions {
		if strings.TrimSpace(up.UserID) == "" {
			return "userPermission userId required"
		}
		if !models.ValidAction(up.Permission) {
			return fmt.Sprintf("unsupported permission %q", up.Permission)
		}
		if !models.ValidEffect(up.PermissionType) {
			return fmt.Sprintf("unsupported permissionType %q", up.PermissionType)
		}
	}
	return ""
}

func (s *Server) invalidateRole(r *http.Request, roleName string) {
	if s.Invalidate == nil || roleName == "" {
		return
	}
	s.Invalidate.InvalidateRole(r.Context(), roleName)
}

func (s *Server) invalidateUser(r *http.Request, userID string) {
	if s.Invalidate == nil || userID == "" {
		return
	}
	s.Invalidate.InvalidateUser(r.Context(), userID)
}

func (s *Server) invalidateConstraint(r *http.Request, c models.Constraint) {
	for _, gp := range c.GroupPermissions {
		s.invalidateRole(r, gp.GroupID)
	}
	for _, up := range c.UserPermissions {
		s.invalidateUser(r, up.UserID)
	}
}

// Package template materializes declarative constraint bundles. A template
// carries {{VAR}} placeholders in its string fields; import substitutes the
// caller's variable values, reshapes template permissions into persisted
// form, and assigns fresh identifiers. Import is all-or-nothing: any
// validation failure emits zero constraints.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ValidationError rejects a template before any constraint is emitted. The
// specific missing or unresolved variable names are always surfaced, never
// silently defaulted.
type ValidationError struct {
	Message             string
	MissingVariables    []string
	UnresolvedVariables []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(e.MissingVariables) > 0 {
		parts = append(parts, "missing required variables: "+strings.Join(e.MissingVariables, ", "))
	}
	if len(e.UnresolvedVariables) > 0 {
		parts = append(parts, "unresolved template variables: "+strings.Join(e.UnresolvedVariables, ", "))
	}
	if len(parts) == 0 {
		return "invalid template"
	}
	return strings.Join(parts, "; ")
}

// RoleNameVariable is always required: its value becomes the groupId of
// every materialized permission entry.
const RoleNameVariable = "ROLE_NAME"

// Parse decodes an import request document.
func Parse(raw []byte) (models.ImportRequest, error) {
	var req models.ImportRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return models.ImportRequest{}, &ValidationError{Message: "malformed template JSON: " + err.Error()}
	}
	return req, nil
}

// Result reports what an import produced, enabling the caller to persist
// and to echo the created identifiers.
type Result struct {
	Constraints   []models.Constraint
	ConstraintIDs []string
	RoleName      string
}

// Materialize validates the template, substitutes variables, and emits the
// ordered list of fully-formed constraints for the target role.
//
// Re-running the same template with the same values produces a new,
// independent constraint set; duplicate detection is the caller's concern.
func Materialize(req models.ImportRequest, createdBy string) (Result, error) {
	values := make(map[string]string, len(req.VariableValues))
	for k, v := range req.VariableValues {
		values[k] = v
	}

	// Declared defaults fill gaps before the required check.
	var missing []string
	for _, v := range req.Variables {
		if _, ok := values[v.Name]; ok {
			continue
		}
		if v.Default != "" {
			values[v.Name] = v.Default
			continue
		}
		if v.Required {
			missing = append(missing, v.Name)
		}
	}
	if _, ok := values[RoleNameVariable]; !ok {
		missing = append(missing, RoleNameVariable)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Result{}, &ValidationError{MissingVariables: dedupe(missing)}
	}
	roleName := values[RoleNameVariable]

	if len(req.Constraints) == 0 {
		return Result{}, &ValidationError{Message: "template has no constraints"}
	}
	for _, tc := range req.Constraints {
		if err := validateTemplateConstraint(tc); err != nil {
			return Result{}, err
		}
	}

	substituted := make([]models.TemplateConstraint, 0, len(req.Constraints))
	for _, tc := range req.Constraints {
		substituted = append(substituted, substituteConstraint(tc, values))
	}

	if unresolved := findUnresolved(substituted); len(unresolved) > 0 {
		return Result{}, &ValidationError{UnresolvedVariables: unresolved}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res := Result{RoleName: roleName}
	for _, tc := range substituted {
		c := buildConstraint(tc, roleName, createdBy, now)
		res.Constraints = append(res.Constraints, c)
		res.ConstraintIDs = append(res.ConstraintIDs, c.ConstraintID)
	}
	return res, nil
}

func validateTemplateConstraint(tc models.TemplateConstraint) error {
	if !models.ValidObjectType(tc.ObjectType) {
		return &ValidationError{Message: fmt.Sprintf("constraint %q: unsupported objectType %q", tc.Name, tc.ObjectType)}
	}
	if len(tc.CriteriaAnd) == 0 && len(tc.CriteriaOr) == 0 {
		return &ValidationError{Message: fmt.Sprintf("constraint %q must include criteriaAnd or criteriaOr statements", tc.Name)}
	}
	for _, cr := range append(append([]models.Criterion{}, tc.CriteriaAnd...), tc.CriteriaOr...) {
		if !models.ValidOperator(cr.Operator) {
			return &ValidationError{Message: fmt.Sprintf("constraint %q: unsupported operator %q", tc.Name, cr.Operator)}
		}
	}
	for _, p := range tc.GroupPermissions {
		if !models.ValidAction(p.Action) {
			return &ValidationError{Message: fmt.Sprintf("constraint %q: unsupported permission action %q", tc.Name, p.Action)}
		}
		if !models.ValidEffect(p.Type) {
			return &ValidationError{Message: fmt.Sprintf("constraint %q: unsupported permission type %q", tc.Name, p.Type)}
		}
	}
	return nil
}

func substituteConstraint(tc models.TemplateConstraint, values map[string]string) models.TemplateConstraint {
	out := tc
	out.Name = substitute(tc.Name, values)
	out.Description = substitute(tc.Description, values)
	out.CriteriaAnd = substituteCriteria(tc.CriteriaAnd, values)
	out.CriteriaOr = substituteCriteria(tc.CriteriaOr, values)
	return out
}

func substituteCriteria(criteria []models.Criterion, values map[string]string) []models.Criterion {
	if criteria == nil {
		return nil
	}
	out := make([]models.Criterion, len(criteria))
	for i, cr := range criteria {
		cr.Value = substitute(cr.Value, values)
		out[i] = cr
	}
	return out
}

func substitute(s string, values map[string]string) string {
	for name, value := range values {
		s = strings.ReplaceAll(s, "{{"+name+"}}", value)
	}
	return s
}

func findUnresolved(constraints []models.TemplateConstraint) []string {
	seen := map[string]struct{}{}
	scan := func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	for _, tc := range constraints {
		scan(tc.Name)
		scan(tc.Description)
		for _, cr := range tc.CriteriaAnd {
			scan(cr.Value)
		}
		for _, cr := range tc.CriteriaOr {
			scan(cr.Value)
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// buildConstraint is the {action, type} to {permission, permissionType}
// reshape plus identifier generation. Every constraint, criterion, and
// permission entry receives a fresh globally-unique id.
func buildConstraint(tc models.TemplateConstraint, roleName, createdBy, now string) models.Constraint {
	perms := make([]models.GroupPermission, 0, len(tc.GroupPermissions))
	for _, p := range tc.GroupPermissions {
		perms = append(perms, models.GroupPermission{
			ID:             uuid.NewString(),
			GroupID:        roleName,
			Permission:     p.Action,
			PermissionType: p.Type,
		})
	}
	return models.Constraint{
		ConstraintID:     uuid.NewString(),
		Name:             tc.Name,
		Description:      tc.Description,
		ObjectType:       tc.ObjectType,
		CriteriaAnd:      assignCriterionIDs(tc.CriteriaAnd),
		CriteriaOr:       assignCriterionIDs(tc.CriteriaOr),
		GroupPermissions: perms,
		UserPermissions:  []models.UserPermission{},
		DateCreated:      now,
		DateModified:     now,
		CreatedBy:        createdBy,
		ModifiedBy:       createdBy,
	}
}

func assignCriterionIDs(criteria []models.Criterion) []models.Criterion {
	out := make([]models.Criterion, len(criteria))
	for i, cr := range criteria {
		cr.ID = uuid.NewString()
		out[i] = cr
	}
	return out
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for i, s := range sorted {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}

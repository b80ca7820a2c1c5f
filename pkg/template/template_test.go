package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

func databaseAccessRequest() models.ImportRequest {
	return models.ImportRequest{
		Template: models.TemplateMetadata{Name: "database-access"},
		Variables: []models.TemplateVariable{
			{Name: "ROLE_NAME", Required: true},
			{Name: "DATABASE_ID", Required: true},
		},
		VariableValues: map[string]string{
			"ROLE_NAME":   "med-readers",
			"DATABASE_ID": "med-data",
		},
		Constraints: []models.TemplateConstraint{
			{
				Name:        "{{ROLE_NAME}}-db",
				Description: "read {{DATABASE_ID}}",
				ObjectType:  models.ObjectTypeDatabase,
				CriteriaAnd: []models.Criterion{
					{Field: "databaseId", Operator: models.OperatorEquals, Value: "{{DATABASE_ID}}"},
				},
				GroupPermissions: []models.TemplatePermission{
					{Action: models.ActionGet, Type: models.EffectAllow},
				},
			},
			{
				Name:        "{{ROLE_NAME}}-assets",
				Description: "read assets in {{DATABASE_ID}}",
				ObjectType:  models.ObjectTypeAsset,
				CriteriaAnd: []models.Criterion{
					{Field: "databaseId", Operator: models.OperatorEquals, Value: "{{DATABASE_ID}}"},
				},
				GroupPermissions: []models.TemplatePermission{
					{Action: models.ActionGet, Type: models.EffectAllow},
				},
			},
		},
	}
}

func TestParse(t *testing.T) {
	req, err := Parse([]byte(`{"variableValues": {"ROLE_NAME": "x"}, "constraints": []}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.VariableValues["ROLE_NAME"] != "x" {
		t.Fatalf("parsed %+v", req)
	}

	_, err = Parse([]byte(`{`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestMaterialize(t *testing.T) {
	res, err := Materialize(databaseAccessRequest(), "ops@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RoleName != "med-readers" {
		t.Fatalf("roleName=%s", res.RoleName)
	}
	if len(res.Constraints) != 2 || len(res.ConstraintIDs) != 2 {
		t.Fatalf("result %+v", res)
	}
	if res.ConstraintIDs[0] == res.ConstraintIDs[1] {
		t.Fatal("constraint ids must be unique")
	}

	first := res.Constraints[0]
	if first.Name != "med-readers-db" {
		t.Fatalf("name=%s", first.Name)
	}
	if first.CriteriaAnd[0].Value != "med-data" {
		t.Fatalf("placeholder not substituted: %+v", first.CriteriaAnd[0])
	}
	if first.CriteriaAnd[0].ID == "" {
		t.Fatal("criterion id not assigned")
	}
	// The {action, type} template form becomes the persisted permission
	// shape, bound to the target role.
	gp := first.GroupPermissions[0]
	if gp.GroupID != "med-readers" || gp.Permission != models.ActionGet || gp.PermissionType != models.EffectAllow {
		t.Fatalf("permission %+v", gp)
	}
	if gp.ID == "" {
		t.Fatal("permission id not assigned")
	}
	if first.CreatedBy != "ops@example.com" || first.DateCreated == "" {
		t.Fatalf("provenance %+v", first)
	}
}

func TestMaterializeMissingVariableIsNamed(t *testing.T) {
	req := databaseAccessRequest()
	delete(req.VariableValues, "DATABASE_ID")
	_, err := Materialize(req, "ops")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.MissingVariables) != 1 || ve.MissingVariables[0] != "DATABASE_ID" {
		t.Fatalf("missing=%v", ve.MissingVariables)
	}
	if !strings.Contains(ve.Error(), "DATABASE_ID") {
		t.Fatalf("message should name the variable: %s", ve.Error())
	}
}

func TestMaterializeRoleNameAlwaysRequired(t *testing.T) {
	req := databaseAccessRequest()
	// ROLE_NAME missing from values and not even declared.
	req.Variables = []models.TemplateVariable{{Name: "DATABASE_ID", Required: true}}
	delete(req.VariableValues, "ROLE_NAME")
	_, err := Materialize(req, "ops")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.MissingVariables) != 1 || ve.MissingVariables[0] != RoleNameVariable {
		t.Fatalf("missing=%v", ve.MissingVariables)
	}
}

func TestMaterializeDefaultsFillGaps(t *testing.T) {
	req := databaseAccessRequest()
	req.Variables[1].Default = "shared-data"
	delete(req.VariableValues, "DATABASE_ID")
	res, err := Materialize(req, "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Constraints[0].CriteriaAnd[0].Value != "shared-data" {
		t.Fatalf("default not applied: %+v", res.Constraints[0].CriteriaAnd[0])
	}
}

func TestMaterializeUnresolvedPlaceholders(t *testing.T) {
	req := databaseAccessRequest()
	req.Constraints[0].CriteriaAnd[0].Value = "{{REGION}}-{{DATABASE_ID}}"
	_, err := Materialize(req, "ops")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.UnresolvedVariables) != 1 || ve.UnresolvedVariables[0] != "REGION" {
		t.Fatalf("unresolved=%v", ve.UnresolvedVariables)
	}
}

func TestMaterializeAllOrNothing(t *testing.T) {
	req := databaseAccessRequest()
	req.Constraints[1].CriteriaAnd[0].Operator = "matches"
	res, err := Materialize(req, "ops")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(res.Constraints) != 0 {
		t.Fatal("a failed template must emit zero constraints")
	}
}

func TestMaterializeValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.ImportRequest)
		want   string
	}{
		{"no constraints", func(r *models.ImportRequest) { r.Constraints = nil }, "no constraints"},
		{"bad objectType", func(r *models.ImportRequest) { r.Constraints[0].ObjectType = "spaceship" }, "objectType"},
		{"no criteria", func(r *models.ImportRequest) {
			r.Constraints[0].CriteriaAnd = nil
			r.Constraints[0].CriteriaOr = nil
		}, "criteriaAnd or criteriaOr"},
		{"bad action", func(r *models.ImportRequest) { r.Constraints[0].GroupPermissions[0].Action = "FLY" }, "action"},
		{"bad effect", func(r *models.ImportRequest) { r.Constraints[0].GroupPermissions[0].Type = "maybe" }, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := databaseAccessRequest()
			tc.mutate(&req)
			_, err := Materialize(req, "ops")
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(ve.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", ve.Error(), tc.want)
			}
		})
	}
}

func TestMaterializeRerunsAreIndependent(t *testing.T) {
	req := databaseAccessRequest()
	first, err := Materialize(req, "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Materialize(req, "ops")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range first.ConstraintIDs {
		for _, other := range second.ConstraintIDs {
			if id == other {
				t.Fatal("re-running a template must mint fresh identifiers")
			}
		}
	}
}

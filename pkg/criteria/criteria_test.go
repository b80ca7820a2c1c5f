package criteria

import (
	"errors"
	"testing"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

func TestEvaluateOperators(t *testing.T) {
	attrs := models.ObjectAttributes{
		"databaseId": "med-data",
		"assetName":  "scan-001.glb",
		"tags":       []string{"radiology", "restricted"},
	}

	cases := []struct {
		name string
		c    models.Criterion
		want bool
	}{
		{"equals match", models.Criterion{Field: "databaseId", Operator: models.OperatorEquals, Value: "med-data"}, true},
		{"equals mismatch", models.Criterion{Field: "databaseId", Operator: models.OperatorEquals, Value: "other"}, false},
		{"equals is literal, not a pattern", models.Criterion{Field: "databaseId", Operator: models.OperatorEquals, Value: ".*"}, false},
		{"contains substring", models.Criterion{Field: "assetName", Operator: models.OperatorContains, Value: "scan"}, true},
		{"contains wildcard pattern", models.Criterion{Field: "databaseId", Operator: models.OperatorContains, Value: ".*"}, true},
		{"contains anchored pattern", models.Criterion{Field: "assetName", Operator: models.OperatorContains, Value: `^scan-\d+`}, true},
		{"contains miss", models.Criterion{Field: "assetName", Operator: models.OperatorContains, Value: "xray"}, false},
		{"does_not_contain hit", models.Criterion{Field: "assetName", Operator: models.OperatorDoesNotContain, Value: "xray"}, true},
		{"does_not_contain miss", models.Criterion{Field: "assetName", Operator: models.OperatorDoesNotContain, Value: "scan"}, false},
		{"starts_with", models.Criterion{Field: "assetName", Operator: models.OperatorStartsWith, Value: "scan-"}, true},
		{"starts_with is literal", models.Criterion{Field: "assetName", Operator: models.OperatorStartsWith, Value: "scan.."}, false},
		{"ends_with", models.Criterion{Field: "assetName", Operator: models.OperatorEndsWith, Value: ".glb"}, true},
		{"is_one_of member", models.Criterion{Field: "tags", Operator: models.OperatorIsOneOf, Value: "restricted"}, true},
		{"is_one_of non-member", models.Criterion{Field: "tags", Operator: models.OperatorIsOneOf, Value: "public"}, false},
		{"is_not_one_of", models.Criterion{Field: "tags", Operator: models.OperatorIsNotOneOf, Value: "public"}, true},
		{"is_one_of scalar field", models.Criterion{Field: "databaseId", Operator: models.OperatorIsOneOf, Value: "med-data"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(tc.c, attrs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

// GLOBAL marks database-independent entities, but the evaluator treats it as
// an exact literal like any other scope value.
func TestEvaluateGlobalIsLiteral(t *testing.T) {
	c := models.Criterion{Field: "databaseId", Operator: models.OperatorEquals, Value: "GLOBAL"}

	got, err := Evaluate(c, models.ObjectAttributes{"databaseId": "GLOBAL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatal(`equals "GLOBAL" must match the value "GLOBAL"`)
	}

	got, err = Evaluate(c, models.ObjectAttributes{"databaseId": "GLOBAL-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got {
		t.Fatal(`equals "GLOBAL" must not match "GLOBAL-2"`)
	}
}

func TestEvaluateAbsentFieldIsSatisfied(t *testing.T) {
	attrs := models.ObjectAttributes{"databaseId": "med-data"}
	c := models.Criterion{Field: "assetType", Operator: models.OperatorEquals, Value: "glb"}
	got, err := Evaluate(c, attrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatal("criterion on an absent field must be satisfied")
	}
}

func TestEvaluateMultiValuedStringOperators(t *testing.T) {
	attrs := models.ObjectAttributes{"tags": []string{"radiology", "restricted"}}
	// String operators see the joined form.
	c := models.Criterion{Field: "tags", Operator: models.OperatorContains, Value: "radiology,restricted"}
	got, err := Evaluate(c, attrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatal("expected joined-form match")
	}
}

func TestEvaluateConfigErrors(t *testing.T) {
	attrs := models.ObjectAttributes{"databaseId": "med-data"}

	_, err := Evaluate(models.Criterion{Field: "databaseId", Operator: "matches", Value: "x"}, attrs)
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError for unknown operator, got %v", err)
	}

	_, err = Evaluate(models.Criterion{Field: "databaseId", Operator: models.OperatorContains, Value: "("}, attrs)
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError for bad pattern, got %v", err)
	}
	if cfg.Field != "databaseId" {
		t.Fatalf("error should carry the field: %+v", cfg)
	}

	_, err = Evaluate(models.Criterion{Field: "databaseId", Operator: models.OperatorDoesNotContain, Value: "("}, attrs)
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError for bad negated pattern, got %v", err)
	}
}

func TestCoerceString(t *testing.T) {
	cases := []struct {
		raw  any
		want string
	}{
		{"x", "x"},
		{[]string{"a", "b"}, "a,b"},
		{[]any{"a", 1}, "a,1"},
		{true, "true"},
		{42, "42"},
		{int64(7), "7"},
		{3.5, "3.5"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := coerceString(tc.raw); got != tc.want {
			t.Fatalf("coerceString(%v)=%q want %q", tc.raw, got, tc.want)
		}
	}
}

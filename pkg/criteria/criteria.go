package criteria

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

// MultiValueDelimiter joins multi-valued attributes (asset tags and the
// like) before string-operator matching.
const MultiValueDelimiter = ","

// ConfigError reports policy data that cannot be evaluated: an operator
// outside the closed vocabulary, or a contains-pattern that does not compile.
// It is a data-integrity fault of the stored constraint, not a deny.
type ConfigError struct {
	Field    string
	Operator models.Operator
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("criterion %q operator %q: %s", e.Field, e.Operator, e.Reason)
}

// Evaluate applies one criterion to a candidate attribute map.
//
// A field the candidate does not expose is not checked: the criterion is
// satisfied. Roles therefore never need to special-case objects lacking an
// attribute.
func Evaluate(c models.Criterion, attrs models.ObjectAttributes) (bool, error) {
	raw, ok := attrs[c.Field]
	if !ok {
		return true, nil
	}
	switch c.Operator {
	case models.OperatorEquals:
		return coerceString(raw) == c.Value, nil
	case models.OperatorContains:
		return containsMatch(c, coerceString(raw))
	case models.OperatorDoesNotContain:
		matched, err := containsMatch(c, coerceString(raw))
		if err != nil {
			return false, err
		}
		return !matched, nil
	case models.OperatorStartsWith:
		return strings.HasPrefix(coerceString(raw), c.Value), nil
	case models.OperatorEndsWith:
		return strings.HasSuffix(coerceString(raw), c.Value), nil
	case models.OperatorIsOneOf:
		return memberOf(c.Value, raw), nil
	case models.OperatorIsNotOneOf:
		return !memberOf(c.Value, raw), nil
	default:
		return false, &ConfigError{Field: c.Field, Operator: c.Operator, Reason: "unknown operator"}
	}
}

// containsMatch treats the criterion value as a regular-expression fragment
// searched anywhere in the candidate value. This is the one deliberately
// pattern-style operator pair; the wildcard grants (".*") depend on it.
func containsMatch(c models.Criterion, candidate string) (bool, error) {
	re, err := regexp.Compile(c.Value)
	if err != nil {
		return false, &ConfigError{Field: c.Field, Operator: c.Operator, Reason: "invalid pattern: " + err.Error()}
	}
	return re.MatchString(candidate), nil
}

// memberOf tests set membership on a multi-valued field. A scalar field is
// treated as a single-element set.
func memberOf(value string, raw any) bool {
	for _, item := range coerceSet(raw) {
		if item == value {
			return true
		}
	}
	return false
}

func coerceString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, MultiValueDelimiter)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, coerceString(item))
		}
		return strings.Join(parts, MultiValueDelimiter)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func coerceSet(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, coerceString(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, MultiValueDelimiter)
	default:
		return []string{coerceString(v)}
	}
}

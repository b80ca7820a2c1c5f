package policy

import (
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/criteria"
	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/models"
)

// Matches reports whether a constraint applies to a candidate object of the
// given type.
//
// The AND group must be fully satisfied (vacuously true when empty). The OR
// group needs one satisfied criterion, or none when empty. A constraint with
// both groups empty matches every object of its type; wildcard-style grants
// (global tag read access) rely on this.
func Matches(c models.Constraint, objectType models.ObjectType, attrs models.ObjectAttributes) (bool, error) {
	if !models.ValidObjectType(c.ObjectType) {
		return false, &criteria.ConfigError{Field: "objectType", Operator: "", Reason: "unknown objectType " + string(c.ObjectType)}
	}
	if c.ObjectType != objectType {
		return false, nil
	}
	for _, cr := range c.CriteriaAnd {
		ok, err := criteria.Evaluate(cr, attrs)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(c.CriteriaOr) == 0 {
		return true, nil
	}
	for _, cr := range c.CriteriaOr {
		ok, err := criteria.Evaluate(cr, attrs)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
